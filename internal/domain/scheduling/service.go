package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service is read-only: appointments are booked elsewhere and only looked
// up here to seed queue entries.
type Service struct {
	appointments AppointmentRepository
	loc          *time.Location
}

func NewService(appt AppointmentRepository, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{appointments: appt, loc: loc}
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// ListForDay returns a department's appointments on a calendar day
// (YYYY-MM-DD) in the service's time zone.
func (s *Service) ListForDay(ctx context.Context, department, day string, limit, offset int) ([]*Appointment, int, error) {
	if department == "" {
		return nil, 0, fmt.Errorf("department is required")
	}
	from, err := time.ParseInLocation("2006-01-02", day, s.loc)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid date: %s", day)
	}
	return s.appointments.ListByDepartment(ctx, department, from, from.AddDate(0, 0, 1), limit, offset)
}

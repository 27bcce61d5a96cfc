package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

type AppointmentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListByDepartment returns appointments starting in [from, to).
	ListByDepartment(ctx context.Context, department string, from, to time.Time, limit, offset int) ([]*Appointment, int, error)
}

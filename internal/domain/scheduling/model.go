package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses that never produce a visit.
var closedStatuses = map[string]bool{
	"cancelled":        true,
	"noshow":           true,
	"entered-in-error": true,
}

type Appointment struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`
	PractitionerID uuid.UUID `db:"practitioner_id" json:"practitioner_id"`
	Department     string    `db:"department" json:"department"`
	StartTime      time.Time `db:"start_time" json:"start_time"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Closed reports whether the appointment was cancelled or otherwise voided.
func (a *Appointment) Closed() bool { return closedStatuses[a.Status] }

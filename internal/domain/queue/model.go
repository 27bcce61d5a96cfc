package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the visit lifecycle state of a queue entry. The declaration
// order is the lifecycle order.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusCheckedIn        Status = "checked_in"
	StatusWaitingForDoctor Status = "waiting_for_doctor"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
)

var statusRank = map[Status]int{
	StatusQueued:           0,
	StatusCheckedIn:        1,
	StatusWaitingForDoctor: 2,
	StatusInProgress:       3,
	StatusCompleted:        4,
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("invalid queue status: %q", s)
	}
	return st, nil
}

// Rank is the position of the status in the lifecycle.
func (s Status) Rank() int { return statusRank[s] }

func (s Status) Terminal() bool { return s == StatusCompleted }

// Event is a requested lifecycle step.
type Event string

const (
	EventCheckIn      Event = "check-in"
	EventDoctorReady  Event = "doctor-ready"
	EventDoctorStart  Event = "doctor-start"
	EventDoctorFinish Event = "doctor-finish"
	EventCancel       Event = "cancel"
)

func ParseEvent(s string) (Event, error) {
	ev := Event(s)
	if _, ok := transitions[ev]; !ok {
		return "", fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, s)
	}
	return ev, nil
}

// PaymentStatus is written by the payment subsystem.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentPending, PaymentCompleted:
		return PaymentStatus(s), nil
	}
	return "", fmt.Errorf("invalid payment status: %q", s)
}

// Entry is one patient's slot in a queue. Seq is the insertion order and
// never changes; Position is derived from it and is 0 once the entry is
// completed.
type Entry struct {
	ID            uuid.UUID     `json:"id"`
	Queue         Key           `json:"queue"`
	Seq           int64         `json:"seq"`
	AppointmentID string        `json:"appointment_id"`
	ProfileID     string        `json:"profile_id"`
	DoctorID      string        `json:"doctor_id"`
	Position      int           `json:"position"`
	Status        Status        `json:"status"`
	Cancelled     bool          `json:"cancelled"`
	CancelReason  *string       `json:"cancel_reason,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	ArrivalTime   time.Time     `json:"arrival_time"`
	CheckInTime   *time.Time    `json:"check_in_time,omitempty"`
	CompletedTime *time.Time    `json:"completed_time,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Active reports whether the entry takes part in position numbering.
func (e *Entry) Active() bool { return !e.Status.Terminal() }

func (e *Entry) clone() *Entry {
	c := *e
	c.CancelReason = copyPtr(e.CancelReason)
	c.CheckInTime = copyPtr(e.CheckInTime)
	c.CompletedTime = copyPtr(e.CompletedTime)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// AdmitRequest carries what the front desk (or the appointment seeder)
// knows about an arriving patient.
type AdmitRequest struct {
	Department    string    `json:"department"`
	Date          string    `json:"date"`
	Channel       string    `json:"channel"`
	AppointmentID string    `json:"appointment_id"`
	ProfileID     string    `json:"profile_id"`
	DoctorID      string    `json:"doctor_id"`
	ArrivalTime   time.Time `json:"arrival_time"`
}

// Admission is the result of AdmitToQueue.
type Admission struct {
	EntryID  uuid.UUID `json:"entry_id"`
	Position int       `json:"position"`
	Entry    Entry     `json:"entry"`
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicqueue/clinicqueue/internal/platform/websocket"
)

// ErrAppointmentCancelled rejects admission of a cancelled appointment.
var ErrAppointmentCancelled = fmt.Errorf("%w: appointment is cancelled", ErrInvalidAdmission)

// ScheduledVisit is the part of an appointment record that seeds an entry.
type ScheduledVisit struct {
	AppointmentID string
	ProfileID     string
	DoctorID      string
	Department    string
	Start         time.Time
	Cancelled     bool
}

// AppointmentSource looks up appointments in the scheduling store. It
// returns an error matching ErrNotFound for unknown ids.
type AppointmentSource interface {
	ScheduledVisit(ctx context.Context, appointmentID string) (*ScheduledVisit, error)
}

type Service struct {
	coord        *Coordinator
	proj         *Projector
	departments  DepartmentDirectory
	appointments AppointmentSource
	events       websocket.EventPublisher
	loc          *time.Location
	now          func() time.Time
	logger       zerolog.Logger
}

type ServiceOption func(*Service)

func WithAppointments(a AppointmentSource) ServiceOption {
	return func(s *Service) { s.appointments = a }
}

func WithPublisher(p websocket.EventPublisher) ServiceOption {
	return func(s *Service) { s.events = p }
}

// WithLocation sets the time zone queue dates are computed in.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) { s.loc = loc }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(coord *Coordinator, departments DepartmentDirectory, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		coord:       coord,
		proj:        NewProjector(coord),
		departments: departments,
		loc:         time.UTC,
		now:         time.Now,
		logger:      logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Today is the current queue date.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(DateLayout)
}

func (s *Service) resolve(ctx context.Context, department, date, channel string) (Key, error) {
	key, err := ResolveKey(department, date, channel)
	if err != nil {
		return Key{}, err
	}
	ok, err := s.departments.Exists(ctx, key.Department)
	if err != nil {
		return Key{}, &PersistenceError{Op: "department lookup", Key: key, Err: err}
	}
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrInvalidDepartment, key.Department)
	}
	return key, nil
}

// -- Commands --

// AdmitToQueue appends a patient to the back of a queue.
func (s *Service) AdmitToQueue(ctx context.Context, req AdmitRequest) (*Admission, error) {
	key, err := s.resolve(ctx, req.Department, req.Date, req.Channel)
	if err != nil {
		return nil, err
	}
	res, err := s.coord.Admit(ctx, key, NewEntry{
		AppointmentID: req.AppointmentID,
		ProfileID:     req.ProfileID,
		DoctorID:      req.DoctorID,
		ArrivalTime:   req.ArrivalTime,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("queue", key.String()).
		Str("entry_id", res.Entry.ID.String()).
		Str("appointment_id", res.Entry.AppointmentID).
		Int("position", res.Entry.Position).
		Msg("patient admitted")

	s.publish(ctx, EventEntryAdmitted, res.Snapshot, &res.Entry, "")
	return &Admission{EntryID: res.Entry.ID, Position: res.Entry.Position, Entry: res.Entry}, nil
}

// AdmitAppointment admits the patient of a scheduled appointment into the
// queue of the appointment's department and day.
func (s *Service) AdmitAppointment(ctx context.Context, appointmentID, channel string) (*Admission, error) {
	if s.appointments == nil {
		return nil, errors.New("appointment lookup is not configured")
	}
	visit, err := s.appointments.ScheduledVisit(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if visit.Cancelled {
		return nil, ErrAppointmentCancelled
	}
	return s.AdmitToQueue(ctx, AdmitRequest{
		Department:    visit.Department,
		Date:          visit.Start.In(s.loc).Format(DateLayout),
		Channel:       channel,
		AppointmentID: visit.AppointmentID,
		ProfileID:     visit.ProfileID,
		DoctorID:      visit.DoctorID,
		ArrivalTime:   s.now(),
	})
}

func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.AdvanceStatus(ctx, id, EventCheckIn, nil)
}

// AdvanceStatus applies a lifecycle event. reason is only kept for cancel.
func (s *Service) AdvanceStatus(ctx context.Context, id uuid.UUID, ev Event, reason *string) (*Entry, error) {
	res, err := s.coord.Transition(ctx, id, ev, reason)
	if err != nil {
		return nil, err
	}
	if res.NoOp {
		s.logger.Debug().Str("entry_id", id.String()).Str("event", string(ev)).Msg("transition already applied")
		return &res.Entry, nil
	}

	s.logger.Info().
		Str("queue", res.Entry.Queue.String()).
		Str("entry_id", id.String()).
		Str("event", string(ev)).
		Str("from", string(res.From)).
		Str("to", string(res.Entry.Status)).
		Int("position", res.Entry.Position).
		Msg("queue entry advanced")

	s.publish(ctx, transitionEventType(ev, &res.Entry), res.Snapshot, &res.Entry, res.From)
	if res.Reseated > 0 {
		s.publish(ctx, EventPositionsRecomputed, res.Snapshot, nil, "")
	}
	return &res.Entry, nil
}

func (s *Service) SetPaymentStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) (*Entry, error) {
	res, err := s.coord.SetPayment(ctx, id, status)
	if err != nil {
		return nil, err
	}
	if !res.NoOp {
		s.logger.Info().
			Str("queue", res.Entry.Queue.String()).
			Str("entry_id", id.String()).
			Str("payment_status", string(status)).
			Msg("payment status updated")
		s.publish(ctx, EventPaymentUpdated, res.Snapshot, &res.Entry, "")
	}
	return &res.Entry, nil
}

// -- Queries --

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	key, err := s.coord.Locate(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := s.coord.Snapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	e, ok := snap.Entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &e, nil
}

// GetQueueSnapshot lists the active entries of a queue by position.
func (s *Service) GetQueueSnapshot(ctx context.Context, department, date, channel, doctorID string) ([]Entry, error) {
	key, err := s.resolve(ctx, department, date, channel)
	if err != nil {
		return nil, err
	}
	return s.proj.ListActive(ctx, key, doctorID)
}

func (s *Service) CurrentServing(ctx context.Context, department, date, channel, doctorID string) (*Entry, error) {
	key, err := s.resolve(ctx, department, date, channel)
	if err != nil {
		return nil, err
	}
	return s.proj.CurrentServing(ctx, key, doctorID)
}

func (s *Service) PositionOf(ctx context.Context, department, date, channel, profileID string) (int, error) {
	key, err := s.resolve(ctx, department, date, channel)
	if err != nil {
		return 0, err
	}
	return s.proj.PositionOf(ctx, key, profileID)
}

func (s *Service) History(ctx context.Context, department, date, channel string, limit, offset int) ([]Entry, int, error) {
	key, err := s.resolve(ctx, department, date, channel)
	if err != nil {
		return nil, 0, err
	}
	return s.proj.History(ctx, key, limit, offset)
}

// -- Housekeeping --

// RunJanitor unloads past days from memory every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.coord.Evict(s.Today()); n > 0 {
				s.logger.Info().Int("queues", n).Msg("unloaded past queues")
			}
		}
	}
}

// publish runs after the key lock is released. Delivery failures are logged
// and never fail the mutation.
func (s *Service) publish(ctx context.Context, typ string, snap *Snapshot, entry *Entry, from Status) {
	if s.events == nil || snap == nil {
		return
	}
	ev, err := buildEvent(typ, snap, entry, from)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("failed to encode queue event")
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn().Err(err).Str("type", typ).Str("topic", ev.Topic).Msg("failed to publish queue event")
	}
}

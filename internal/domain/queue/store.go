package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// NewEntry is the input to Store.Admit.
type NewEntry struct {
	AppointmentID string
	ProfileID     string
	DoctorID      string
	ArrivalTime   time.Time
}

// Store holds the ordered entries of one queue key. It is not safe for
// concurrent use; the Coordinator hands it to one writer at a time.
type Store struct {
	key     Key
	nextSeq int64
	entries []*Entry
	byID    map[uuid.UUID]*Entry
	dirty   map[uuid.UUID]struct{}
}

func NewStore(key Key) *Store {
	return &Store{
		key:     key,
		nextSeq: 1,
		byID:    make(map[uuid.UUID]*Entry),
		dirty:   make(map[uuid.UUID]struct{}),
	}
}

// RestoreStore rebuilds a store from persisted rows. nextSeq is raised past
// the highest stored seq so sequence numbers are never reused.
func RestoreStore(key Key, nextSeq int64, rows []Entry) *Store {
	s := NewStore(key)
	for i := range rows {
		e := rows[i].clone()
		e.Queue = key
		s.entries = append(s.entries, e)
		s.byID[e.ID] = e
	}
	sort.SliceStable(s.entries, func(a, b int) bool { return s.entries[a].Seq < s.entries[b].Seq })
	s.nextSeq = nextSeq
	if n := len(s.entries); n > 0 && s.entries[n-1].Seq >= s.nextSeq {
		s.nextSeq = s.entries[n-1].Seq + 1
	}
	if s.nextSeq < 1 {
		s.nextSeq = 1
	}
	return s
}

func (s *Store) Key() Key { return s.key }

// NextSeq is the seq the next admitted entry will receive.
func (s *Store) NextSeq() int64 { return s.nextSeq }

func (s *Store) Len() int { return len(s.entries) }

func (s *Store) ActiveCount() int {
	n := 0
	for _, e := range s.entries {
		if e.Active() {
			n++
		}
	}
	return n
}

// Admit appends a queued entry at the back of the line.
func (s *Store) Admit(in NewEntry, now time.Time) (*Entry, error) {
	if in.AppointmentID == "" || in.ProfileID == "" || in.DoctorID == "" {
		return nil, fmt.Errorf("%w: appointment_id, profile_id and doctor_id are required", ErrInvalidAdmission)
	}
	for _, e := range s.entries {
		if e.Active() && e.AppointmentID == in.AppointmentID {
			return nil, fmt.Errorf("%w: appointment %s is entry %s", ErrDuplicateAdmission, in.AppointmentID, e.ID)
		}
	}

	arrival := in.ArrivalTime
	if arrival.IsZero() {
		arrival = now
	}
	e := &Entry{
		ID:            uuid.New(),
		Queue:         s.key,
		Seq:           s.nextSeq,
		AppointmentID: in.AppointmentID,
		ProfileID:     in.ProfileID,
		DoctorID:      in.DoctorID,
		Position:      s.ActiveCount() + 1,
		Status:        StatusQueued,
		PaymentStatus: PaymentPending,
		ArrivalTime:   arrival,
		UpdatedAt:     now,
	}
	s.nextSeq++
	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	s.touch(e)
	return e.clone(), nil
}

// Recompute renumbers active entries densely and returns how many positions
// changed. Running it twice in a row changes nothing the second time.
func (s *Store) Recompute(now time.Time) int {
	positions := RecomputePositions(s.entries)
	changed := 0
	for i, e := range s.entries {
		if e.Position != positions[i] {
			e.Position = positions[i]
			e.UpdatedAt = now
			s.touch(e)
			changed++
		}
	}
	return changed
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id uuid.UUID) (*Entry, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.clone(), nil
}

// FindByAppointment prefers the active entry and falls back to the most
// recent completed one.
func (s *Store) FindByAppointment(appointmentID string) (*Entry, error) {
	return s.find(func(e *Entry) bool { return e.AppointmentID == appointmentID }, "appointment "+appointmentID)
}

// FindByProfile prefers the earliest active entry for the profile and falls
// back to the most recent completed one.
func (s *Store) FindByProfile(profileID string) (*Entry, error) {
	return s.find(func(e *Entry) bool { return e.ProfileID == profileID }, "profile "+profileID)
}

func (s *Store) find(match func(*Entry) bool, what string) (*Entry, error) {
	var last *Entry
	for _, e := range s.entries {
		if !match(e) {
			continue
		}
		if e.Active() {
			return e.clone(), nil
		}
		last = e
	}
	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return last.clone(), nil
}

// apply moves an entry to the status the Gate decided on.
func (s *Store) apply(id uuid.UUID, ev Event, d Decision, reason *string, now time.Time) (*Entry, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.NoOp {
		return e.clone(), nil
	}
	e.Status = d.Target
	switch {
	case d.Target == StatusCheckedIn:
		t := now
		e.CheckInTime = &t
	case d.Target.Terminal():
		t := now
		e.CompletedTime = &t
	}
	if ev == EventCancel {
		e.Cancelled = true
		e.CancelReason = copyPtr(reason)
	}
	e.UpdatedAt = now
	s.touch(e)
	return e.clone(), nil
}

// setPayment records the payment status. It reports false when the status
// was already set.
func (s *Store) setPayment(id uuid.UUID, status PaymentStatus, now time.Time) (*Entry, bool, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.PaymentStatus == status {
		return e.clone(), false, nil
	}
	e.PaymentStatus = status
	e.UpdatedAt = now
	s.touch(e)
	return e.clone(), true, nil
}

func (s *Store) touch(e *Entry) {
	s.dirty[e.ID] = struct{}{}
}

// takeDirty returns copies of the entries changed since the last call, in
// seq order, and resets the change set.
func (s *Store) takeDirty() []Entry {
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(s.dirty))
	for _, e := range s.entries {
		if _, ok := s.dirty[e.ID]; ok {
			out = append(out, *e.clone())
		}
	}
	s.dirty = make(map[uuid.UUID]struct{})
	return out
}

// clone is a deep copy used as the working copy of a mutation.
func (s *Store) clone() *Store {
	c := &Store{
		key:     s.key,
		nextSeq: s.nextSeq,
		entries: make([]*Entry, len(s.entries)),
		byID:    make(map[uuid.UUID]*Entry, len(s.entries)),
		dirty:   make(map[uuid.UUID]struct{}),
	}
	for i, e := range s.entries {
		ce := e.clone()
		c.entries[i] = ce
		c.byID[ce.ID] = ce
	}
	return c
}

func (s *Store) snapshot(version uint64, at time.Time) *Snapshot {
	entries := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		entries[i] = *e.clone()
	}
	return &Snapshot{Key: s.key, Version: version, TakenAt: at, entries: entries}
}

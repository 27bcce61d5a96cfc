package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicqueue/clinicqueue/internal/platform/websocket"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	queues  map[Key]*QueueState
	saveErr error
	loadErr error
	saves   int
	loads   int
	// ackErr is returned once after a save has been applied, like a commit
	// whose acknowledgement was lost.
	ackErr     error
	locateErr  error
	saveCtxErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{queues: make(map[Key]*QueueState)}
}

func (m *mockRepo) LoadQueue(_ context.Context, key Key) (*QueueState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	st, ok := m.queues[key]
	if !ok {
		return &QueueState{NextSeq: 1}, nil
	}
	return &QueueState{NextSeq: st.NextSeq, Entries: append([]Entry(nil), st.Entries...)}, nil
}

func (m *mockRepo) SaveQueue(ctx context.Context, key Key, nextSeq int64, changed []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCtxErr = ctx.Err()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	st, ok := m.queues[key]
	if !ok {
		st = &QueueState{}
		m.queues[key] = st
	}
	st.NextSeq = nextSeq
	for _, c := range changed {
		replaced := false
		for i := range st.Entries {
			if st.Entries[i].ID == c.ID {
				st.Entries[i] = c
				replaced = true
			}
		}
		if !replaced {
			st.Entries = append(st.Entries, c)
		}
	}
	if err := m.ackErr; err != nil {
		m.ackErr = nil
		return err
	}
	return nil
}

func (m *mockRepo) LocateEntry(_ context.Context, id uuid.UUID) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locateErr != nil {
		return Key{}, m.locateErr
	}
	for key, st := range m.queues {
		for _, e := range st.Entries {
			if e.ID == id {
				return key, nil
			}
		}
	}
	return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *mockRepo) failSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

func (m *mockRepo) stored(key Key) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.queues[key]; ok {
		return append([]Entry(nil), st.Entries...)
	}
	return nil
}

// -- Mock Publisher --

type mockPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *mockPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// -- Mock Appointment Source --

type mockAppointments struct {
	visits map[string]*ScheduledVisit
}

func (m *mockAppointments) ScheduledVisit(_ context.Context, id string) (*ScheduledVisit, error) {
	v, ok := m.visits[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
	}
	return v, nil
}

// -- Helpers --

var testKey = Key{Department: "cardiology", Date: "2026-10-16", Channel: ChannelOffline}

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestCoordinator(repo Repository, policy Policy) *Coordinator {
	return NewCoordinator(repo, NewGate(policy), zerolog.Nop(),
		WithCoordinatorClock(stepClock(time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC))))
}

func newTestService(repo Repository, policy Policy, opts ...ServiceOption) (*Service, *mockPublisher) {
	pub := &mockPublisher{}
	coord := newTestCoordinator(repo, policy)
	opts = append([]ServiceOption{
		WithPublisher(pub),
		WithClock(func() time.Time { return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC) }),
	}, opts...)
	svc := NewService(coord, NewStaticDepartments([]string{"cardiology", "dental"}), zerolog.Nop(), opts...)
	return svc, pub
}

func admitReq(appointment, profile, doctor string) AdmitRequest {
	return AdmitRequest{
		Department:    testKey.Department,
		Date:          testKey.Date,
		Channel:       string(testKey.Channel),
		AppointmentID: appointment,
		ProfileID:     profile,
		DoctorID:      doctor,
	}
}

func newEntry(appointment, profile, doctor string) NewEntry {
	return NewEntry{AppointmentID: appointment, ProfileID: profile, DoctorID: doctor}
}

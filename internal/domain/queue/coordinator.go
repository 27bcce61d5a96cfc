package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// slot is the registry record of one key. store is only touched while sem
// is held; snap may be read at any time.
type slot struct {
	sem     *semaphore.Weighted
	store   *Store
	version uint64
	snap    atomic.Pointer[Snapshot]
}

// Coordinator owns every loaded queue. Mutations of one key are serialized;
// different keys proceed in parallel. A mutation works on a copy of the
// store and is only installed after it has been persisted.
type Coordinator struct {
	repo   Repository
	gate   *Gate
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	slots   map[Key]*slot
	located map[uuid.UUID]Key
}

type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides time.Now.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(repo Repository, gate *Gate, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		repo:    repo,
		gate:    gate,
		logger:  logger,
		now:     time.Now,
		slots:   make(map[Key]*slot),
		located: make(map[uuid.UUID]Key),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Gate() *Gate { return c.gate }

func (c *Coordinator) slotFor(key Key) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		c.slots[key] = s
	}
	return s
}

// WithQueue runs fn with exclusive access to the key's store. Waiting for
// the key honors ctx. If fn fails, panics, or the changes cannot be
// persisted, nothing fn did becomes visible. The returned snapshot is the
// one readers see after the call.
func (c *Coordinator) WithQueue(ctx context.Context, key Key, fn func(*Store) error) (*Snapshot, error) {
	s, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	if err := c.load(ctx, key, s); err != nil {
		return nil, err
	}

	work := s.store.clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	changed := work.takeDirty()
	if len(changed) == 0 {
		return s.snap.Load(), nil
	}
	// The write may have committed even when it reports an error, so the
	// store is dropped and reloaded by the next caller. A caller that goes
	// away must not abort a commit halfway.
	if err := c.repo.SaveQueue(context.WithoutCancel(ctx), key, work.NextSeq(), changed); err != nil {
		s.store = nil
		c.logger.Error().Err(err).Str("queue", key.String()).Int("entries", len(changed)).Msg("queue write failed, queue will be reloaded")
		return nil, &PersistenceError{Op: "save", Key: key, Err: err}
	}

	s.store = work
	s.version++
	snap := work.snapshot(s.version, c.now())
	s.snap.Store(snap)
	c.remember(key, changed)
	return snap, nil
}

// acquire locks the key's slot. A slot evicted while we waited for it is
// released and the current one is taken instead.
func (c *Coordinator) acquire(ctx context.Context, key Key) (*slot, error) {
	for {
		s := c.slotFor(key)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		c.mu.Lock()
		current := c.slots[key] == s
		c.mu.Unlock()
		if current {
			return s, nil
		}
		s.sem.Release(1)
	}
}

// load reads the key from the repository the first time it is used. The
// caller holds the slot's semaphore.
func (c *Coordinator) load(ctx context.Context, key Key, s *slot) error {
	if s.store != nil {
		return nil
	}
	state, err := c.repo.LoadQueue(ctx, key)
	if err != nil {
		return &PersistenceError{Op: "load", Key: key, Err: err}
	}
	if state == nil {
		state = &QueueState{}
	}
	st := RestoreStore(key, state.NextSeq, state.Entries)
	// Rows written before a crash may carry stale positions.
	st.Recompute(c.now())
	st.takeDirty()

	s.store = st
	if s.snap.Load() != nil {
		// Reload after a failed write; the rows may differ from what was
		// last published.
		s.version++
	}
	s.snap.Store(st.snapshot(s.version, c.now()))
	c.remember(key, state.Entries)
	c.logger.Debug().Str("queue", key.String()).Int("entries", st.Len()).Msg("queue loaded")
	return nil
}

func (c *Coordinator) remember(key Key, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range entries {
		c.located[entries[i].ID] = key
	}
}

// Snapshot returns the latest published snapshot of key. A key this process
// has not loaded is read from the repository, and only registered when it
// holds entries.
func (c *Coordinator) Snapshot(ctx context.Context, key Key) (*Snapshot, error) {
	c.mu.Lock()
	s, ok := c.slots[key]
	c.mu.Unlock()
	if ok {
		if snap := s.snap.Load(); snap != nil {
			return snap, nil
		}
	} else {
		state, err := c.repo.LoadQueue(ctx, key)
		if err != nil {
			return nil, &PersistenceError{Op: "load", Key: key, Err: err}
		}
		if state == nil || len(state.Entries) == 0 {
			return emptySnapshot(key, c.now()), nil
		}
	}
	snap, err := c.WithQueue(ctx, key, func(*Store) error { return nil })
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = emptySnapshot(key, c.now())
	}
	return snap, nil
}

// Locate finds the key an entry belongs to. Entries never change key, so the
// answer is cached.
func (c *Coordinator) Locate(ctx context.Context, id uuid.UUID) (Key, error) {
	c.mu.Lock()
	key, ok := c.located[id]
	c.mu.Unlock()
	if ok {
		return key, nil
	}
	key, err := c.repo.LocateEntry(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Key{}, err
	}
	if err != nil {
		return Key{}, &PersistenceError{Op: "locate", Err: err}
	}
	c.mu.Lock()
	c.located[id] = key
	c.mu.Unlock()
	return key, nil
}

// Result describes one accepted mutation.
type Result struct {
	Entry    Entry
	From     Status
	NoOp     bool
	// Reseated counts the other entries whose position changed.
	Reseated int
	Snapshot *Snapshot
}

// Admit appends an entry to key and renumbers the queue.
func (c *Coordinator) Admit(ctx context.Context, key Key, in NewEntry) (*Result, error) {
	var res Result
	snap, err := c.WithQueue(ctx, key, func(st *Store) error {
		now := c.now()
		e, err := st.Admit(in, now)
		if err != nil {
			return err
		}
		res.Reseated = st.Recompute(now)
		// Recompute may have touched the new entry; read it back.
		e, err = st.Get(e.ID)
		if err != nil {
			return err
		}
		res.Entry = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Snapshot = snap
	return &res, nil
}

// Transition applies ev to an entry. Positions are recomputed only when the
// entry leaves the queue.
func (c *Coordinator) Transition(ctx context.Context, id uuid.UUID, ev Event, reason *string) (*Result, error) {
	key, err := c.Locate(ctx, id)
	if err != nil {
		return nil, err
	}
	var res Result
	snap, err := c.WithQueue(ctx, key, func(st *Store) error {
		cur, err := st.Get(id)
		if err != nil {
			return err
		}
		d, err := c.gate.Check(cur, ev)
		if err != nil {
			return err
		}
		now := c.now()
		e, err := st.apply(id, ev, d, reason, now)
		if err != nil {
			return err
		}
		if d.LeavesQueue {
			n := st.Recompute(now)
			if e.Position > 0 {
				n--
			}
			res.Reseated = n
			if e, err = st.Get(id); err != nil {
				return err
			}
		}
		res.Entry = *e
		res.From = d.From
		res.NoOp = d.NoOp
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Snapshot = snap
	return &res, nil
}

// SetPayment records the payment status of an entry. Completed entries
// accept it too; payment may settle after the visit.
func (c *Coordinator) SetPayment(ctx context.Context, id uuid.UUID, status PaymentStatus) (*Result, error) {
	key, err := c.Locate(ctx, id)
	if err != nil {
		return nil, err
	}
	var res Result
	snap, err := c.WithQueue(ctx, key, func(st *Store) error {
		e, changed, err := st.setPayment(id, status, c.now())
		if err != nil {
			return err
		}
		res.Entry = *e
		res.From = e.Status
		res.NoOp = !changed
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Snapshot = snap
	return &res, nil
}

// Evict drops loaded queues dated before date that nobody is using. They
// are reloaded from the repository on next use.
func (c *Coordinator) Evict(date string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, s := range c.slots {
		if !key.Before(date) || !s.sem.TryAcquire(1) {
			continue
		}
		delete(c.slots, key)
		s.sem.Release(1)
		n++
	}
	for id, key := range c.located {
		if key.Before(date) {
			delete(c.located, id)
		}
	}
	return n
}

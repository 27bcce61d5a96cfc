package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// walkToFinished takes an entry from queued to completed.
func walkToFinished(t *testing.T, c *Coordinator, id uuid.UUID) *Result {
	t.Helper()
	ctx := context.Background()
	if _, err := c.SetPayment(ctx, id, PaymentCompleted); err != nil {
		t.Fatalf("payment: %v", err)
	}
	var res *Result
	for _, ev := range []Event{EventCheckIn, EventDoctorReady, EventDoctorStart, EventDoctorFinish} {
		var err error
		if res, err = c.Transition(ctx, id, ev, nil); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	return res
}

func TestCoordinator_AdmitAndFinishRecomputes(t *testing.T) {
	c := newTestCoordinator(newMockRepo(), Policy{RequirePaymentBeforeVisit: true})
	ctx := context.Background()

	var ids []uuid.UUID
	for i, appt := range []string{"A", "B", "C"} {
		res, err := c.Admit(ctx, testKey, newEntry(appt, "p-"+appt, "doc-1"))
		if err != nil {
			t.Fatalf("admit %s: %v", appt, err)
		}
		if res.Entry.Position != i+1 {
			t.Fatalf("%s: expected position %d, got %d", appt, i+1, res.Entry.Position)
		}
		ids = append(ids, res.Entry.ID)
	}

	res := walkToFinished(t, c, ids[0])
	if res.Entry.Status != StatusCompleted || res.Entry.Position != 0 {
		t.Fatalf("expected A completed with position 0, got %s/%d", res.Entry.Status, res.Entry.Position)
	}
	if res.Reseated != 2 {
		t.Errorf("expected 2 reseated entries, got %d", res.Reseated)
	}

	active := res.Snapshot.Active("")
	if len(active) != 2 || active[0].AppointmentID != "B" || active[0].Position != 1 || active[1].AppointmentID != "C" || active[1].Position != 2 {
		t.Fatalf("unexpected active list %+v", active)
	}
}

func TestCoordinator_StatusChangeDoesNotRecompute(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	ctx := context.Background()
	a, _ := c.Admit(ctx, testKey, newEntry("A", "pA", "doc-1"))
	c.Admit(ctx, testKey, newEntry("B", "pB", "doc-1"))

	res, err := c.Transition(ctx, a.Entry.ID, EventCheckIn, nil)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if res.Reseated != 0 {
		t.Errorf("check-in should not reseat anyone, got %d", res.Reseated)
	}
	if res.Entry.Position != 1 || res.Entry.CheckInTime == nil {
		t.Errorf("unexpected entry after check-in %+v", res.Entry)
	}
}

func TestCoordinator_ConcurrentAdmitsAreContiguous(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	const n = 50

	var g errgroup.Group
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := c.Admit(context.Background(), testKey, newEntry(fmt.Sprintf("appt-%d", i), fmt.Sprintf("p-%d", i), "doc-1"))
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("admit: %v", err)
	}

	positions := make([]int, n)
	seqs := make(map[int64]bool, n)
	for i, r := range results {
		positions[i] = r.Entry.Position
		seqs[r.Entry.Seq] = true
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i+1 {
			t.Fatalf("positions are not 1..%d: %v", n, positions)
		}
	}
	if len(seqs) != n {
		t.Fatalf("expected %d distinct seqs, got %d", n, len(seqs))
	}

	snap, _ := c.Snapshot(context.Background(), testKey)
	if got := len(snap.Active("")); got != n {
		t.Fatalf("expected %d active entries, got %d", n, got)
	}
	if got := len(repo.stored(testKey)); got != n {
		t.Fatalf("expected %d persisted entries, got %d", n, got)
	}
}

func TestCoordinator_KeysDoNotBlockEachOther(t *testing.T) {
	c := newTestCoordinator(newMockRepo(), Policy{})
	other := Key{Department: "dental", Date: testKey.Date, Channel: ChannelOnline}

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.WithQueue(context.Background(), testKey, func(*Store) error {
			close(held)
			<-release
			return nil
		})
		done <- err
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Admit(ctx, other, newEntry("X", "pX", "doc-9")); err != nil {
		t.Fatalf("admit on an unrelated key blocked or failed: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
}

func TestCoordinator_WaitHonorsContext(t *testing.T) {
	c := newTestCoordinator(newMockRepo(), Policy{})

	held := make(chan struct{})
	release := make(chan struct{})
	go c.WithQueue(context.Background(), testKey, func(*Store) error {
		close(held)
		<-release
		return nil
	})
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Admit(ctx, testKey, newEntry("A", "pA", "doc-1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	// The abandoned wait must not leave the key locked.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	res, err := c.Admit(ctx2, testKey, newEntry("A", "pA", "doc-1"))
	if err != nil {
		t.Fatalf("admit after cancellation: %v", err)
	}
	if res.Entry.Position != 1 {
		t.Errorf("cancelled admit must not have taken a position, got %d", res.Entry.Position)
	}
}

func TestCoordinator_FnErrorAndPanicReleaseLock(t *testing.T) {
	c := newTestCoordinator(newMockRepo(), Policy{})
	boom := errors.New("boom")

	if _, err := c.WithQueue(context.Background(), testKey, func(st *Store) error {
		st.Admit(newEntry("A", "pA", "doc-1"), time.Now())
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	func() {
		defer func() { recover() }()
		c.WithQueue(context.Background(), testKey, func(st *Store) error {
			st.Admit(newEntry("B", "pB", "doc-1"), time.Now())
			panic("fn panicked")
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := c.WithQueue(ctx, testKey, func(*Store) error { return nil })
	if err != nil {
		t.Fatalf("key still locked: %v", err)
	}
	if len(snap.Entries()) != 0 {
		t.Errorf("failed mutations became visible: %+v", snap.Entries())
	}
}

func TestCoordinator_PersistenceFailureIsInvisible(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	ctx := context.Background()
	first, err := c.Admit(ctx, testKey, newEntry("A", "pA", "doc-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	repo.failSaves(errors.New("connection reset"))
	_, err = c.Admit(ctx, testKey, newEntry("B", "pB", "doc-1"))
	if !errors.Is(err, ErrPersistence) || !Retryable(err) {
		t.Fatalf("expected retryable persistence error, got %v", err)
	}
	if _, err := c.Transition(ctx, first.Entry.ID, EventCheckIn, nil); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error on transition, got %v", err)
	}

	snap, _ := c.Snapshot(ctx, testKey)
	if len(snap.Entries()) != 1 {
		t.Fatalf("discarded admit is visible: %+v", snap.Entries())
	}
	if e, _ := snap.Entry(first.Entry.ID); e.Status != StatusQueued {
		t.Fatalf("discarded transition is visible: %s", e.Status)
	}

	repo.failSaves(nil)
	retry, err := c.Admit(ctx, testKey, newEntry("B", "pB", "doc-1"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Entry.Seq != 2 || retry.Entry.Position != 2 {
		t.Errorf("retry should reuse the discarded seq, got seq=%d position=%d", retry.Entry.Seq, retry.Entry.Position)
	}
}

func TestCoordinator_LoadFailure(t *testing.T) {
	repo := newMockRepo()
	repo.loadErr = errors.New("db down")
	c := newTestCoordinator(repo, Policy{})

	if _, err := c.Snapshot(context.Background(), testKey); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	repo.mu.Lock()
	repo.loadErr = nil
	repo.mu.Unlock()
	if _, err := c.Snapshot(context.Background(), testKey); err != nil {
		t.Fatalf("expected load to be retried, got %v", err)
	}
}

func TestCoordinator_ReadersDoNotWaitForWriters(t *testing.T) {
	c := newTestCoordinator(newMockRepo(), Policy{})
	ctx := context.Background()
	if _, err := c.Admit(ctx, testKey, newEntry("A", "pA", "doc-1")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	go c.WithQueue(ctx, testKey, func(st *Store) error {
		st.Admit(newEntry("B", "pB", "doc-1"), time.Now())
		close(inside)
		<-release
		return nil
	})
	<-inside

	snap, err := c.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Entries()) != 1 {
		t.Errorf("reader saw an uncommitted mutation: %d entries", len(snap.Entries()))
	}
	close(release)
}

func TestCoordinator_LoadsPersistedQueue(t *testing.T) {
	repo := newMockRepo()
	a, b := uuid.New(), uuid.New()
	repo.queues[testKey] = &QueueState{NextSeq: 3, Entries: []Entry{
		{ID: a, Seq: 1, AppointmentID: "A", ProfileID: "pA", DoctorID: "d", Status: StatusCompleted, Position: 1},
		{ID: b, Seq: 2, AppointmentID: "B", ProfileID: "pB", DoctorID: "d", Status: StatusQueued, Position: 2},
	}}
	c := newTestCoordinator(repo, Policy{})
	ctx := context.Background()

	snap, err := c.Snapshot(ctx, testKey)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	active := snap.Active("")
	if len(active) != 1 || active[0].ID != b || active[0].Position != 1 {
		t.Fatalf("stale positions were not recomputed: %+v", active)
	}

	res, err := c.Admit(ctx, testKey, newEntry("C", "pC", "d"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if res.Entry.Seq != 3 || res.Entry.Position != 2 {
		t.Errorf("expected seq 3 position 2, got %d/%d", res.Entry.Seq, res.Entry.Position)
	}
}

func TestCoordinator_LocateFallsBackToRepository(t *testing.T) {
	repo := newMockRepo()
	ctx := context.Background()
	first := newTestCoordinator(repo, Policy{})
	res, err := first.Admit(ctx, testKey, newEntry("A", "pA", "doc-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	// A fresh process only knows the entry through the repository.
	second := newTestCoordinator(repo, Policy{})
	got, err := second.Transition(ctx, res.Entry.ID, EventCheckIn, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Entry.Status != StatusCheckedIn {
		t.Errorf("expected checked_in, got %s", got.Entry.Status)
	}

	if _, err := second.Transition(ctx, uuid.New(), EventCheckIn, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCoordinator_NoOpSkipsWrite(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	ctx := context.Background()
	res, _ := c.Admit(ctx, testKey, newEntry("A", "pA", "doc-1"))
	c.Transition(ctx, res.Entry.ID, EventCancel, nil)
	saves := repo.saves

	again, err := c.Transition(ctx, res.Entry.ID, EventCancel, nil)
	if err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
	if !again.NoOp {
		t.Error("expected repeated cancel to be a no-op")
	}
	if repo.saves != saves {
		t.Error("no-op should not write")
	}
}

func TestCoordinator_Evict(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	ctx := context.Background()
	yesterday := Key{Department: "cardiology", Date: "2026-10-15", Channel: ChannelOffline}
	old, _ := c.Admit(ctx, yesterday, newEntry("A", "pA", "doc-1"))
	c.Admit(ctx, testKey, newEntry("B", "pB", "doc-1"))

	if n := c.Evict("2026-10-16"); n != 1 {
		t.Fatalf("expected 1 evicted queue, got %d", n)
	}

	// Evicted queues reload transparently.
	res, err := c.Transition(ctx, old.Entry.ID, EventCancel, nil)
	if err != nil {
		t.Fatalf("transition on evicted queue: %v", err)
	}
	if !res.Entry.Cancelled {
		t.Error("expected entry to be cancelled")
	}
	if repo.loads < 3 {
		t.Errorf("expected the evicted queue to be reloaded, loads=%d", repo.loads)
	}
}

func TestCoordinator_ReloadsAfterAmbiguousWrite(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	ctx := context.Background()

	if _, err := c.Admit(ctx, testKey, newEntry("A", "pA", "doc-1")); err != nil {
		t.Fatalf("admit A: %v", err)
	}

	// The write lands but the caller is told it failed.
	repo.mu.Lock()
	repo.ackErr = errors.New("commit acknowledgement lost")
	repo.mu.Unlock()
	if _, err := c.Admit(ctx, testKey, newEntry("B", "pB", "doc-1")); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	// The retry sees the committed row instead of admitting B twice.
	if _, err := c.Admit(ctx, testKey, newEntry("B", "pB", "doc-1")); !errors.Is(err, ErrDuplicateAdmission) {
		t.Fatalf("expected duplicate admission on retry, got %v", err)
	}
	res, err := c.Admit(ctx, testKey, newEntry("C", "pC", "doc-1"))
	if err != nil {
		t.Fatalf("admit C: %v", err)
	}
	if res.Entry.Seq != 3 || res.Entry.Position != 3 {
		t.Errorf("expected seq 3 position 3, got %d/%d", res.Entry.Seq, res.Entry.Position)
	}

	seen := map[int64]string{}
	for _, e := range repo.stored(testKey) {
		if prev, ok := seen[e.Seq]; ok {
			t.Fatalf("seq %d stored for both %s and %s", e.Seq, prev, e.AppointmentID)
		}
		seen[e.Seq] = e.AppointmentID
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 stored entries, got %d", len(seen))
	}

	snap, _ := c.Snapshot(ctx, testKey)
	if len(snap.Active("")) != 3 {
		t.Errorf("expected 3 active entries after reload, got %d", len(snap.Active("")))
	}
}

func TestCoordinator_WriteIgnoresCallerCancellation(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.WithQueue(ctx, testKey, func(st *Store) error {
		_, err := st.Admit(newEntry("A", "pA", "doc-1"), time.Now())
		cancel()
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.saveCtxErr != nil {
		t.Errorf("write ran with a cancelled context: %v", repo.saveCtxErr)
	}
	if len(repo.stored(testKey)) != 1 {
		t.Error("expected the admission to be stored")
	}
}

func TestCoordinator_LocateFailureIsRetryable(t *testing.T) {
	repo := newMockRepo()
	repo.locateErr = errors.New("connection refused")
	c := newTestCoordinator(repo, Policy{})

	_, err := c.Locate(context.Background(), uuid.New())
	if !errors.Is(err, ErrPersistence) || !Retryable(err) {
		t.Fatalf("expected retryable persistence error, got %v", err)
	}
	if _, err := c.Transition(context.Background(), uuid.New(), EventCheckIn, nil); !errors.Is(err, ErrPersistence) {
		t.Errorf("expected persistence error from transition, got %v", err)
	}

	repo.locateErr = nil
	if _, err := c.Locate(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		t.Errorf("expected plain not found, got %v", err)
	}
}

func TestCoordinator_SnapshotOfUnknownKeyIsNotRegistered(t *testing.T) {
	repo := newMockRepo()
	c := newTestCoordinator(repo, Policy{})
	future := Key{Department: "cardiology", Date: "2999-01-01", Channel: ChannelOnline}

	for i := 0; i < 3; i++ {
		snap, err := c.Snapshot(context.Background(), future)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap.Entries()) != 0 {
			t.Fatalf("expected empty snapshot, got %d entries", len(snap.Entries()))
		}
	}
	c.mu.Lock()
	slots := len(c.slots)
	c.mu.Unlock()
	if slots != 0 {
		t.Errorf("expected no registered queues, got %d", slots)
	}
}

// Random admit/advance/cancel/payment sequences keep positions dense, in
// arrival order, and statuses moving forward.
func TestCoordinator_RandomOperationsKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			c := newTestCoordinator(newMockRepo(), Policy{RequirePaymentBeforeVisit: true})
			ctx := context.Background()
			events := []Event{EventCheckIn, EventDoctorReady, EventDoctorStart, EventDoctorFinish, EventCancel}
			var ids []uuid.UUID
			rank := map[uuid.UUID]int{}

			for step := 0; step < 200; step++ {
				switch op := rng.Intn(10); {
				case op < 3 || len(ids) == 0:
					appt := fmt.Sprintf("appt-%d", step)
					res, err := c.Admit(ctx, testKey, newEntry(appt, "p-"+appt, fmt.Sprintf("doc-%d", rng.Intn(2))))
					if err != nil {
						t.Fatalf("step %d admit: %v", step, err)
					}
					ids = append(ids, res.Entry.ID)
				case op < 4:
					id := ids[rng.Intn(len(ids))]
					if _, err := c.SetPayment(ctx, id, PaymentCompleted); err != nil && !errors.Is(err, ErrIllegalTransition) {
						t.Fatalf("step %d payment: %v", step, err)
					}
				default:
					id := ids[rng.Intn(len(ids))]
					_, err := c.Transition(ctx, id, events[rng.Intn(len(events))], nil)
					if err != nil && !errors.Is(err, ErrIllegalTransition) && !errors.Is(err, ErrPaymentRequired) {
						t.Fatalf("step %d transition: %v", step, err)
					}
				}

				snap, err := c.Snapshot(ctx, testKey)
				if err != nil {
					t.Fatalf("step %d snapshot: %v", step, err)
				}
				active := snap.Active("")
				for i, e := range active {
					if e.Position != i+1 {
						t.Fatalf("step %d: positions not dense: %d at index %d", step, e.Position, i)
					}
					if i > 0 && active[i-1].Seq >= e.Seq {
						t.Fatalf("step %d: position order breaks arrival order", step)
					}
				}
				for _, e := range snap.Entries() {
					if e.Status == StatusCompleted && e.Position != 0 {
						t.Fatalf("step %d: completed entry holds position %d", step, e.Position)
					}
					if e.Status.Rank() < rank[e.ID] {
						t.Fatalf("step %d: status of %s went back to %s", step, e.ID, e.Status)
					}
					rank[e.ID] = e.Status.Rank()
				}
			}
		})
	}
}

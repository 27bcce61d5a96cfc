package queue

import (
	"context"
	"errors"
	"testing"
)

func seededCoordinator(t *testing.T) (*Coordinator, map[string]*Result) {
	t.Helper()
	c := newTestCoordinator(newMockRepo(), Policy{})
	ctx := context.Background()
	out := make(map[string]*Result)
	for _, row := range [][3]string{
		{"A", "pA", "doc-1"},
		{"B", "pB", "doc-2"},
		{"C", "pC", "doc-1"},
		{"D", "pD", "doc-2"},
	} {
		res, err := c.Admit(ctx, testKey, newEntry(row[0], row[1], row[2]))
		if err != nil {
			t.Fatalf("admit %s: %v", row[0], err)
		}
		out[row[0]] = res
	}
	return c, out
}

func advance(t *testing.T, c *Coordinator, r *Result, events ...Event) {
	t.Helper()
	for _, ev := range events {
		if _, err := c.Transition(context.Background(), r.Entry.ID, ev, nil); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
}

func TestProjector_ListActive(t *testing.T) {
	c, rows := seededCoordinator(t)
	advance(t, c, rows["A"], EventCancel)
	p := NewProjector(c)

	all, err := p.ListActive(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 active entries, got %d", len(all))
	}
	for i, e := range all {
		if e.Position != i+1 {
			t.Errorf("entry %d has position %d", i, e.Position)
		}
	}

	mine, _ := p.ListActive(context.Background(), testKey, "doc-2")
	if len(mine) != 2 || mine[0].AppointmentID != "B" || mine[1].AppointmentID != "D" {
		t.Fatalf("unexpected doctor filter result %+v", mine)
	}
}

func TestProjector_CurrentServing(t *testing.T) {
	c, rows := seededCoordinator(t)
	p := NewProjector(c)
	ctx := context.Background()

	if e, err := p.CurrentServing(ctx, testKey, ""); err != nil || e != nil {
		t.Fatalf("expected nobody serving, got %v (%v)", e, err)
	}

	advance(t, c, rows["D"], EventCheckIn, EventDoctorReady, EventDoctorStart)
	advance(t, c, rows["B"], EventCheckIn, EventDoctorReady, EventDoctorStart)

	e, err := p.CurrentServing(ctx, testKey, "")
	if err != nil || e == nil || e.AppointmentID != "B" {
		t.Fatalf("expected B (lowest position) to be serving, got %v (%v)", e, err)
	}
	if e, _ := p.CurrentServing(ctx, testKey, "doc-1"); e != nil {
		t.Fatalf("doc-1 is serving nobody, got %+v", e)
	}
}

func TestProjector_PositionOf(t *testing.T) {
	c, rows := seededCoordinator(t)
	p := NewProjector(c)
	ctx := context.Background()

	if pos, err := p.PositionOf(ctx, testKey, "pC"); err != nil || pos != 3 {
		t.Fatalf("expected pC at 3, got %d (%v)", pos, err)
	}

	advance(t, c, rows["A"], EventCancel)
	if pos, _ := p.PositionOf(ctx, testKey, "pC"); pos != 2 {
		t.Fatalf("expected pC to move up to 2, got %d", pos)
	}
	if _, err := p.PositionOf(ctx, testKey, "pA"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed profile should not have a position, got %v", err)
	}
}

func TestProjector_History(t *testing.T) {
	c, rows := seededCoordinator(t)
	advance(t, c, rows["C"], EventCancel)
	advance(t, c, rows["A"], EventCancel)
	advance(t, c, rows["D"], EventCancel)
	p := NewProjector(c)
	ctx := context.Background()

	items, total, err := p.History(ctx, testKey, 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].AppointmentID != "D" || items[1].AppointmentID != "A" {
		t.Fatalf("expected newest first, got %s, %s", items[0].AppointmentID, items[1].AppointmentID)
	}

	rest, _, _ := p.History(ctx, testKey, 2, 2)
	if len(rest) != 1 || rest[0].AppointmentID != "C" {
		t.Fatalf("unexpected second page %+v", rest)
	}
	empty, _, _ := p.History(ctx, testKey, 2, 10)
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}

func TestSnapshot_IsImmutable(t *testing.T) {
	c, rows := seededCoordinator(t)
	snap, _ := c.Snapshot(context.Background(), testKey)

	list := snap.Active("")
	list[0].Status = StatusCompleted
	advance(t, c, rows["A"], EventCheckIn)

	again := snap.Active("")
	if again[0].Status != StatusQueued {
		t.Error("published snapshot changed after the fact")
	}
}

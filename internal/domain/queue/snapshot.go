package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable copy of a queue published after each committed
// mutation. Accessors return copies so callers cannot alter it.
type Snapshot struct {
	Key     Key
	Version uint64
	TakenAt time.Time
	entries []Entry
}

func emptySnapshot(key Key, at time.Time) *Snapshot {
	return &Snapshot{Key: key, TakenAt: at}
}

// Entries returns every entry in seq order, completed ones included.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	for i := range s.entries {
		out[i] = *s.entries[i].clone()
	}
	return out
}

func (s *Snapshot) Entry(id uuid.UUID) (Entry, bool) {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return *s.entries[i].clone(), true
		}
	}
	return Entry{}, false
}

// Active returns active entries by position. An empty doctorID matches every
// doctor.
func (s *Snapshot) Active(doctorID string) []Entry {
	out := make([]Entry, 0, len(s.entries))
	for i := range s.entries {
		e := &s.entries[i]
		if !e.Active() || (doctorID != "" && e.DoctorID != doctorID) {
			continue
		}
		out = append(out, *e.clone())
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Position < out[b].Position })
	return out
}

// Serving returns the lowest-position in-progress entry, or nil.
func (s *Snapshot) Serving(doctorID string) *Entry {
	var best *Entry
	for i := range s.entries {
		e := &s.entries[i]
		if e.Status != StatusInProgress || (doctorID != "" && e.DoctorID != doctorID) {
			continue
		}
		if best == nil || e.Position < best.Position {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.clone()
}

// PositionOf returns the position of the profile's active entry.
func (s *Snapshot) PositionOf(profileID string) (int, error) {
	for i := range s.entries {
		e := &s.entries[i]
		if e.ProfileID == profileID && e.Active() {
			return e.Position, nil
		}
	}
	return 0, fmt.Errorf("%w: no active entry for profile %s", ErrNotFound, profileID)
}

// History returns completed entries, most recently completed first.
func (s *Snapshot) History() []Entry {
	var out []Entry
	for i := range s.entries {
		if !s.entries[i].Active() {
			out = append(out, *s.entries[i].clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		ta, tb := completedAt(&out[a]), completedAt(&out[b])
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return out[a].Seq > out[b].Seq
	})
	return out
}

func completedAt(e *Entry) time.Time {
	if e.CompletedTime != nil {
		return *e.CompletedTime
	}
	return e.UpdatedAt
}

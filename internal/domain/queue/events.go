package queue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/clinicqueue/clinicqueue/internal/platform/websocket"
)

// Event types published after committed mutations.
const (
	EventEntryAdmitted       = "entry_admitted"
	EventEntryCheckedIn      = "entry_checked_in"
	EventEntryStatusChanged  = "entry_status_changed"
	EventEntryCompleted      = "entry_completed"
	EventEntryCancelled      = "entry_cancelled"
	EventPaymentUpdated      = "payment_updated"
	EventPositionsRecomputed = "positions_recomputed"
	EventQueueSnapshot       = "queue_snapshot"
)

// eventPayload is the Data of a queue event: the entry that changed and the
// active line as of the snapshot the change produced.
type eventPayload struct {
	Entry  *Entry  `json:"entry,omitempty"`
	From   Status  `json:"from,omitempty"`
	Active []Entry `json:"active"`
}

func buildEvent(typ string, snap *Snapshot, entry *Entry, from Status) (websocket.Event, error) {
	payload := eventPayload{Entry: entry, From: from, Active: snap.Active("")}
	data, err := json.Marshal(payload)
	if err != nil {
		return websocket.Event{}, err
	}
	ev := websocket.Event{
		Type:      typ,
		Topic:     snap.Key.Topic(),
		Version:   snap.Version,
		Timestamp: snap.TakenAt,
		Data:      data,
	}
	if entry != nil {
		ev.EntryID = entry.ID.String()
	}
	return ev, nil
}

// transitionEventType names the event for a status change.
func transitionEventType(ev Event, e *Entry) string {
	switch {
	case ev == EventCancel:
		return EventEntryCancelled
	case e.Status == StatusCompleted:
		return EventEntryCompleted
	case e.Status == StatusCheckedIn:
		return EventEntryCheckedIn
	}
	return EventEntryStatusChanged
}

// KeyFromTopic parses a "queue/{department}/{date}/{channel}" topic.
func KeyFromTopic(topic string) (Key, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "queue" {
		return Key{}, ErrInvalidQueueKey
	}
	return ResolveKey(parts[1], parts[2], parts[3])
}

// IsQueueTopic reports whether topic names a queue.
func IsQueueTopic(topic string) bool {
	_, err := KeyFromTopic(topic)
	return err == nil
}

// Greeter returns the current snapshot of a queue topic, for boards that
// just subscribed.
func (s *Service) Greeter() websocket.Greeter {
	return func(ctx context.Context, topic string) (*websocket.Event, error) {
		key, err := KeyFromTopic(topic)
		if err != nil {
			return nil, err
		}
		if key, err = s.resolve(ctx, key.Department, key.Date, string(key.Channel)); err != nil {
			return nil, err
		}
		snap, err := s.coord.Snapshot(ctx, key)
		if err != nil {
			return nil, err
		}
		ev, err := buildEvent(EventQueueSnapshot, snap, nil, "")
		if err != nil {
			return nil, err
		}
		return &ev, nil
	}
}

package queue

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of a queue date.
const DateLayout = "2006-01-02"

// Channel is the admission route of a queue.
type Channel string

const (
	ChannelOnline  Channel = "online"
	ChannelOffline Channel = "offline"
)

// ParseChannel accepts "online"/"offline" in any case.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelOnline:
		return ChannelOnline, nil
	case ChannelOffline:
		return ChannelOffline, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidQueueKey, s)
}

// Key identifies one department's queue for one day and channel.
type Key struct {
	Department string  `json:"department"`
	Date       string  `json:"date"`
	Channel    Channel `json:"channel"`
}

// ResolveKey validates and normalizes the three parts of a queue key. It is
// a pure function; whether the department exists is checked elsewhere.
func ResolveKey(department, date, channel string) (Key, error) {
	dept := strings.TrimSpace(department)
	if dept == "" || strings.ContainsAny(dept, "/ ") {
		return Key{}, fmt.Errorf("%w: department %q", ErrInvalidQueueKey, department)
	}
	day, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return Key{}, fmt.Errorf("%w: date %q", ErrInvalidQueueKey, date)
	}
	ch, err := ParseChannel(channel)
	if err != nil {
		return Key{}, err
	}
	return Key{Department: dept, Date: day.Format(DateLayout), Channel: ch}, nil
}

// KeyAt builds the key for the calendar day t falls on in loc.
func KeyAt(department string, t time.Time, loc *time.Location, ch Channel) (Key, error) {
	if loc == nil {
		loc = time.UTC
	}
	return ResolveKey(department, t.In(loc).Format(DateLayout), string(ch))
}

func (k Key) String() string {
	return k.Department + "/" + k.Date + "/" + string(k.Channel)
}

// Topic is the websocket topic display boards subscribe to.
func (k Key) Topic() string {
	return "queue/" + k.String()
}

// Before reports whether the key's date is strictly before date (YYYY-MM-DD).
func (k Key) Before(date string) bool {
	return k.Date < date
}

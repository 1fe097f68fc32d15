package db

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionEvent is one journal row describing a terminal session state change.
type SessionEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionEventFilter narrows SessionEventRepo.List. Zero values match everything.
type SessionEventFilter struct {
	SessionID string
	Kind      string
	Limit     int
}

// NewID returns a lexicographically time-ordered identifier.
func NewID() string {
	return "evt_" + ulid.Make().String()
}

// timestampLayout is fixed-width so stored values sort lexically in time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

package domain

import "time"

// Event is a monitor occurrence queued on the in-process bus.
type Event struct {
	Type      EventType
	Data      map[string]any
	Scope     Scope
	CreatedAt time.Time
}

package domain

import "time"

type EventType string

const (
	// EventConfigsChanged follows every successful registry mutation,
	// after any restart attempt it triggered.
	EventConfigsChanged EventType = "configs_changed"
	// EventEngineChanged follows an explicit engine up/down.
	EventEngineChanged EventType = "engine_changed"
	// EventSnapshot is sent once to a streaming client when it connects.
	EventSnapshot EventType = "snapshot"
)

// Event is broadcast to observers (status indicator, streaming clients).
type Event struct {
	Type      EventType `json:"type"`
	ActiveID  string    `json:"activeId,omitempty"`
	Running   bool      `json:"running"`
	LastError string    `json:"lastError,omitempty"`
	At        time.Time `json:"at"`
}

// EventPublisher fans events out to observers without blocking the caller.
type EventPublisher interface {
	Broadcast(ev Event)
}

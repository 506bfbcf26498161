package events

import (
	"time"

	"atreyu-bridge/pkg/exchanges/atreyu"
)

// Event enumerates topics published inside the bridge.
type Event string

const (
	EventOrderUpdate Event = "order_update"
	EventConnection  Event = "connection"
)

// ConnectionChange is published on EventConnection.
type ConnectionChange struct {
	Connected bool      `json:"connected"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

func (c ConnectionChange) EventKey() string { return c.SessionID }

// PublishLinks turns venue channel losses and recoveries into
// ConnectionChange events on bus.
func PublishLinks(bus *Bus) func(atreyu.LinkEvent) {
	return func(ev atreyu.LinkEvent) {
		bus.Publish(EventConnection, ConnectionChange{
			Connected: ev.Up,
			SessionID: ev.SessionID,
			Reason:    ev.Reason,
			Time:      ev.Time,
		})
	}
}

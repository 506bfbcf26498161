package db

import "time"

// Message is one journaled wire frame.
type Message struct {
	ID         int64     `json:"id"`
	Channel    string    `json:"channel"`   // request or subscribe
	Direction  string    `json:"direction"` // out or in
	MsgType    string    `json:"msg_type"`
	ClOrdID    string    `json:"cl_ord_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Payload    string    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MessageFilter narrows RecentMessages. Zero fields match everything.
type MessageFilter struct {
	Channel string
	ClOrdID string
	Limit   int
}

package common

import "context"

// Session is the connection lifecycle shared by venue clients.
// Connect and Disconnect are idempotent.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

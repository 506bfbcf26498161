package atreyu

import (
	"context"
	"sync/atomic"
)

// RoundTripper sends one frame and returns the single reply that follows it.
type RoundTripper interface {
	RoundTrip(ctx context.Context, frame []byte) ([]byte, error)
}

// Gate serializes request/reply exchanges. The request channel pairs replies
// with requests by position only, so a second send before the first reply
// would shift every later pairing; all request traffic must pass through here.
type Gate struct {
	rt   RoundTripper
	slot chan struct{}

	exchanges atomic.Uint64
	failures  atomic.Uint64
}

// GateStats counts completed and failed exchanges.
type GateStats struct {
	Exchanges uint64 `json:"exchanges"`
	Failures  uint64 `json:"failures"`
	InFlight  bool   `json:"in_flight"`
}

// NewGate wraps rt.
func NewGate(rt RoundTripper) *Gate {
	return &Gate{rt: rt, slot: make(chan struct{}, 1)}
}

// Exchange encodes cmd, sends it, waits for its reply and hands the reply to
// decode, all while holding the gate. Waiting for the gate honours ctx.
// Failures to acquire, send, receive or decode are returned as *TransportError.
func (g *Gate) Exchange(ctx context.Context, cmd Command, decode func([]byte) error) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return &TransportError{Op: "acquire", Err: ctx.Err()}
	}
	defer func() { <-g.slot }()
	return g.exchangeLocked(ctx, cmd, decode)
}

// TryExchange is Exchange without waiting: it fails with ErrGateBusy when
// another exchange holds the gate.
func (g *Gate) TryExchange(ctx context.Context, cmd Command, decode func([]byte) error) error {
	select {
	case g.slot <- struct{}{}:
	default:
		return ErrGateBusy
	}
	defer func() { <-g.slot }()
	return g.exchangeLocked(ctx, cmd, decode)
}

func (g *Gate) exchangeLocked(ctx context.Context, cmd Command, decode func([]byte) error) error {
	frame, err := Encode(cmd)
	if err != nil {
		return err
	}

	g.exchanges.Add(1)
	reply, err := g.rt.RoundTrip(ctx, frame)
	if err != nil {
		g.failures.Add(1)
		if IsTransportFailure(err) {
			return err
		}
		return &TransportError{Op: "exchange", Err: err}
	}
	if decode == nil {
		return nil
	}
	if err := decode(reply); err != nil {
		g.failures.Add(1)
		return &TransportError{Op: "decode", Err: err}
	}
	return nil
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Exchanges: g.exchanges.Load(),
		Failures:  g.failures.Load(),
		InFlight:  len(g.slot) > 0,
	}
}

// Package atreyu speaks the Atreyu venue protocol: JSON frames with FIX-style
// fields over a request/reply websocket and a push-only subscribe websocket.
package atreyu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Config holds venue endpoints and credentials.
type Config struct {
	TransportConfig
	Username string
	Password string
	Account  string
}

// Client owns the connection pair for one venue session.
type Client struct {
	cfg       Config
	transport *Transport
	gate      *Gate

	connectMu sync.Mutex // serializes Connect; Disconnect never waits on it

	mu        sync.Mutex
	onReport  func(ExecutionReport)
	onLink    func(LinkEvent)
	loggedOn  bool
	sessionID string
}

// New builds a disconnected client.
func New(cfg Config) *Client {
	t := NewTransport(cfg.TransportConfig)
	c := &Client{
		cfg:       cfg,
		transport: t,
		gate:      NewGate(t),
	}
	t.SetPushHandler(c.handleFrame)
	t.SetLinkHandler(c.handleLink)
	return c
}

// SetLinkHandler installs the receiver of channel state changes. It runs on
// transport goroutines and must not block.
func (c *Client) SetLinkHandler(fn func(LinkEvent)) {
	c.mu.Lock()
	c.onLink = fn
	c.mu.Unlock()
}

func (c *Client) handleLink(ev LinkEvent) {
	c.mu.Lock()
	fn := c.onLink
	ev.SessionID = c.sessionID
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// SetPushHandler installs the receiver of decoded execution reports. It is
// called on the receive goroutine and must not block.
func (c *Client) SetPushHandler(fn func(ExecutionReport)) {
	c.mu.Lock()
	c.onReport = fn
	c.mu.Unlock()
}

// SetRecorder forwards every frame to r.
func (c *Client) SetRecorder(r Recorder) {
	c.transport.SetRecorder(r)
}

func (c *Client) handleFrame(frame []byte) {
	rep, err := DecodePush(frame)
	if err != nil {
		if !errors.Is(err, ErrIgnoredMessage) {
			log.Printf("atreyu: dropping push: %v", err)
		}
		return
	}
	c.mu.Lock()
	fn := c.onReport
	c.mu.Unlock()
	if fn != nil {
		fn(rep)
	}
}

// Connect dials the venue and logs on. It is a no-op when already logged on.
// Other commands fail with ErrNotConnected until the logon reply is accepted.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.isLoggedOn() {
		return nil
	}
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	var resp LogonResponse
	err := c.gate.Exchange(ctx, Logon{Username: c.cfg.Username, Password: c.cfg.Password}, func(b []byte) error {
		var err error
		resp, err = DecodeLogonResponse(b)
		return err
	})
	if err != nil {
		_ = c.transport.Disconnect()
		return err
	}
	if resp.Status != 0 {
		_ = c.transport.Disconnect()
		return fmt.Errorf("%w: status %d: %s", ErrLogonRejected, resp.Status, resp.Text)
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.loggedOn = true
	c.mu.Unlock()
	log.Printf("atreyu: logged on as %s (session %s)", c.cfg.Username, resp.SessionID)
	return nil
}

// Disconnect logs off when the request channel is idle and closes both
// channels regardless. It is a no-op when already disconnected.
func (c *Client) Disconnect() error {
	if !c.transport.IsConnected() {
		return nil
	}
	c.mu.Lock()
	c.loggedOn = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := c.gate.TryExchange(ctx, Logout{}, nil)
	cancel()
	if err != nil {
		log.Printf("atreyu: logout skipped: %v", err)
	}

	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return c.transport.Disconnect()
}

// IsConnected reports a logged-on session with both channels attached. It
// is false while the subscribe channel is being redialled.
func (c *Client) IsConnected() bool {
	return c.isLoggedOn() && c.transport.Healthy()
}

func (c *Client) isLoggedOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOn
}

// exchange runs a session command through the gate once logon has completed.
func (c *Client) exchange(ctx context.Context, cmd Command, decode func([]byte) error) error {
	if !c.isLoggedOn() {
		return &TransportError{Op: "session", Err: ErrNotConnected}
	}
	return c.gate.Exchange(ctx, cmd, decode)
}

// SessionID returns the identifier assigned at logon.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Stats exposes the gate counters.
func (c *Client) Stats() GateStats {
	return c.gate.Stats()
}

func (c *Client) submit(ctx context.Context, cmd Command) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.exchange(ctx, cmd, func(b []byte) error {
		var err error
		resp, err = DecodeSubmitResponse(b)
		return err
	})
	return resp, err
}

// NewOrder sends a NewOrderSingle.
func (c *Client) NewOrder(ctx context.Context, cmd NewOrderSingle) (SubmitResponse, error) {
	if cmd.Account == "" {
		cmd.Account = c.cfg.Account
	}
	return c.submit(ctx, cmd)
}

// ReplaceOrder sends an OrderCancelReplaceRequest.
func (c *Client) ReplaceOrder(ctx context.Context, cmd OrderCancelReplaceRequest) (SubmitResponse, error) {
	if cmd.Account == "" {
		cmd.Account = c.cfg.Account
	}
	return c.submit(ctx, cmd)
}

// CancelOrder sends an OrderCancelRequest.
func (c *Client) CancelOrder(ctx context.Context, cmd OrderCancelRequest) (SubmitResponse, error) {
	return c.submit(ctx, cmd)
}

// OpenOrders lists working orders.
func (c *Client) OpenOrders(ctx context.Context) (OpenOrdersResult, error) {
	var res OpenOrdersResult
	err := c.exchange(ctx, OpenOrdersRequest{Account: c.cfg.Account}, func(b []byte) error {
		var err error
		res, err = DecodeOpenOrders(b)
		return err
	})
	return res, err
}

// Positions lists open positions.
func (c *Client) Positions(ctx context.Context) (OpenPositionsResult, error) {
	var res OpenPositionsResult
	err := c.exchange(ctx, PositionsRequest{Account: c.cfg.Account}, func(b []byte) error {
		var err error
		res, err = DecodePositions(b)
		return err
	})
	return res, err
}

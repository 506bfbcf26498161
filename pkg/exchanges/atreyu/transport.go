package atreyu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel names one side of the transport pair.
type Channel string

const (
	ChannelRequest   Channel = "request"
	ChannelSubscribe Channel = "subscribe"
)

// Direction of a recorded frame.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
)

// Recorder observes every frame crossing the transport. Implementations must not block.
type Recorder interface {
	Record(ch Channel, dir Direction, frame []byte)
}

// LinkEvent reports a channel going down or coming back while the session
// is open. Operator Connect and Disconnect do not produce one.
type LinkEvent struct {
	Channel   Channel
	Up        bool
	Reason    string
	SessionID string // filled in by Client
	Time      time.Time
}

// TransportConfig locates the venue's two endpoints.
type TransportConfig struct {
	Host          string
	RequestPort   int
	SubscribePort int
	Timeout       time.Duration // bound on one send/receive pair
	PingInterval  time.Duration // subscribe-channel keepalive; 0 disables
}

const (
	defaultExchangeTimeout = 10 * time.Second
	baseRedialDelay        = 500 * time.Millisecond
	maxRedialDelay         = 30 * time.Second
)

// Transport owns the request and subscribe websocket connections.
// RoundTrip is not safe for concurrent use; callers serialize through a Gate.
type Transport struct {
	cfg      TransportConfig
	dialer   *websocket.Dialer
	onPush   func([]byte)
	onLink   func(LinkEvent)
	recorder Recorder

	mu        sync.Mutex
	connected bool
	subUp     bool // subscribe channel attached; false while redialling
	req       *websocket.Conn
	sub       *websocket.Conn
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewTransport builds an unconnected transport pair.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExchangeTimeout
	}
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
	}
}

// SetPushHandler installs the callback that receives subscribe frames.
// It runs on the receive goroutine and must return quickly.
func (t *Transport) SetPushHandler(fn func([]byte)) {
	t.mu.Lock()
	t.onPush = fn
	t.mu.Unlock()
}

// SetLinkHandler installs the callback for channel state changes. It runs
// on transport goroutines and must not block.
func (t *Transport) SetLinkHandler(fn func(LinkEvent)) {
	t.mu.Lock()
	t.onLink = fn
	t.mu.Unlock()
}

func (t *Transport) link(ch Channel, up bool, reason string) {
	t.mu.Lock()
	fn := t.onLink
	t.mu.Unlock()
	if fn != nil {
		fn(LinkEvent{Channel: ch, Up: up, Reason: reason, Time: time.Now().UTC()})
	}
}

// SetRecorder installs a frame recorder.
func (t *Transport) SetRecorder(r Recorder) {
	t.mu.Lock()
	t.recorder = r
	t.mu.Unlock()
}

func (t *Transport) endpoint(port int) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(t.cfg.Host, strconv.Itoa(port)), Path: "/"}
	return u.String()
}

func (t *Transport) dial(ctx context.Context, ch Channel) (*websocket.Conn, error) {
	port := t.cfg.RequestPort
	if ch == ChannelSubscribe {
		port = t.cfg.SubscribePort
	}
	conn, _, err := t.dialer.DialContext(ctx, t.endpoint(port), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s channel: %w", ch, err)
	}
	return conn, nil
}

// Connect dials both channels. Calling it while connected is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	req, err := t.dial(ctx, ChannelRequest)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	sub, err := t.dial(ctx, ChannelSubscribe)
	if err != nil {
		_ = req.Close()
		return &TransportError{Op: "dial", Err: err}
	}

	t.req = req
	t.sub = sub
	t.connected = true
	t.subUp = true
	t.stop = make(chan struct{})

	t.wg.Add(1)
	go t.receiveLoop(sub, t.stop)
	log.Printf("atreyu transport: connected to %s (request=%d subscribe=%d)", t.cfg.Host, t.cfg.RequestPort, t.cfg.SubscribePort)
	return nil
}

// Disconnect closes both channels and waits for the receive loop to exit.
// An exchange in flight fails with a TransportError. Calling it while
// disconnected is a no-op.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.subUp = false
	req, sub := t.req, t.sub
	t.req, t.sub = nil, nil
	close(t.stop)
	t.mu.Unlock()

	if req != nil {
		_ = req.Close()
	}
	if sub != nil {
		_ = sub.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = sub.Close()
	}
	t.wg.Wait()
	log.Printf("atreyu transport: disconnected from %s", t.cfg.Host)
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect has not been called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Healthy reports whether the pair is open and the subscribe channel is
// attached.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.subUp
}

// requestConn returns the live request connection, redialling it if a
// previous exchange poisoned it.
func (t *Transport) requestConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	if t.req != nil {
		conn := t.req
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx, ChannelRequest)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, ErrNotConnected
	}
	if t.req != nil {
		current := t.req
		t.mu.Unlock()
		_ = conn.Close()
		return current, nil
	}
	t.req = conn
	t.mu.Unlock()
	log.Printf("atreyu transport: request channel redialled")
	t.link(ChannelRequest, true, "request channel redialled")
	return conn, nil
}

// dropRequest discards a request connection whose send/receive pairing can
// no longer be trusted.
func (t *Transport) dropRequest(conn *websocket.Conn) {
	t.mu.Lock()
	dropped := t.connected && t.req == conn
	if t.req == conn {
		t.req = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
	if dropped {
		t.link(ChannelRequest, false, "request channel dropped")
	}
}

func (t *Transport) record(ch Channel, dir Direction, frame []byte) {
	t.mu.Lock()
	r := t.recorder
	t.mu.Unlock()
	if r != nil {
		r.Record(ch, dir, frame)
	}
}

// RoundTrip writes one frame on the request channel and reads exactly one reply.
func (t *Transport) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	conn, err := t.requestConn(ctx)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// Unblock the socket if the caller gives up early.
	release := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = conn.SetWriteDeadline(now)
		_ = conn.SetReadDeadline(now)
	})
	defer release()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.dropRequest(conn)
		return nil, &TransportError{Op: "send", Err: causeOf(ctx, err)}
	}
	t.record(ChannelRequest, Outbound, frame)

	_ = conn.SetReadDeadline(deadline)
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.dropRequest(conn)
		return nil, &TransportError{Op: "receive", Err: causeOf(ctx, err)}
	}
	t.record(ChannelRequest, Inbound, reply)
	return reply, nil
}

func causeOf(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("exchange timed out: %w", err)
	}
	return err
}

func (t *Transport) stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// receiveLoop reads the subscribe channel until Disconnect, redialling with
// exponential backoff when the venue drops it.
func (t *Transport) receiveLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer t.wg.Done()
	retry := 0
	for {
		t.readPushes(conn, stop)
		if t.stopped(stop) {
			return
		}
		t.mu.Lock()
		t.subUp = false
		t.mu.Unlock()
		t.link(ChannelSubscribe, false, "subscribe channel lost")

		for {
			delay := redialBackoff(retry)
			retry++
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}

			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
			next, err := t.dial(ctx, ChannelSubscribe)
			cancel()
			if err != nil {
				log.Printf("atreyu transport: subscribe redial failed (retry %d): %v", retry, err)
				continue
			}

			t.mu.Lock()
			if !t.connected {
				t.mu.Unlock()
				_ = next.Close()
				return
			}
			t.sub = next
			t.subUp = true
			t.mu.Unlock()
			conn = next
			retry = 0
			log.Printf("atreyu transport: subscribe channel redialled; pushes sent while down are lost, reconcile with a query")
			t.link(ChannelSubscribe, true, "subscribe channel redialled")
			break
		}
	}
}

func (t *Transport) readPushes(conn *websocket.Conn, stop <-chan struct{}) {
	var pingDone chan struct{}
	if t.cfg.PingInterval > 0 {
		pingDone = make(chan struct{})
		defer close(pingDone)
		readWindow := 3 * t.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWindow))
		})
		go t.keepAlive(conn, stop, pingDone)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if t.stopped(stop) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("atreyu transport: subscribe channel closed by venue")
			} else {
				log.Printf("atreyu transport: subscribe read error: %v", err)
			}
			_ = conn.Close()
			return
		}
		t.record(ChannelSubscribe, Inbound, msg)

		t.mu.Lock()
		fn := t.onPush
		t.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (t *Transport) keepAlive(conn *websocket.Conn, stop <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.Timeout)); err != nil {
				log.Printf("atreyu transport: subscribe keepalive error: %v", err)
				return
			}
		}
	}
}

// redialBackoff doubles from baseRedialDelay up to maxRedialDelay.
func redialBackoff(retry int) time.Duration {
	if retry <= 0 {
		return baseRedialDelay
	}
	if retry > 16 {
		return maxRedialDelay
	}
	d := baseRedialDelay * time.Duration(1<<retry)
	if d > maxRedialDelay {
		return maxRedialDelay
	}
	return d
}

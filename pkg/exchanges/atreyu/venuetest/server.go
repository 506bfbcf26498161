// Package venuetest runs an in-process Atreyu venue for tests: one websocket
// endpoint answering request frames and one pushing subscribe frames.
package venuetest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"atreyu-bridge/pkg/exchanges/atreyu"
)

// Request is one frame received on the request endpoint.
type Request struct {
	MsgType string
	Fields  map[string]any
	Raw     []byte
}

// Str returns a string field or "".
func (r Request) Str(key string) string {
	v, _ := r.Fields[key].(string)
	return v
}

// Handler produces the reply for a request. Returning nil sends nothing,
// which the client observes as a timeout.
type Handler func(Request) any

// Server is a fake venue.
type Server struct {
	request   *httptest.Server
	subscribe *httptest.Server
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	handler  Handler
	requests []Request
	subs     map[*websocket.Conn]struct{}
	reqConns map[*websocket.Conn]struct{}
}

// New starts both endpoints. A nil handler uses Accepting.
func New(h Handler) *Server {
	if h == nil {
		h = Accepting
	}
	s := &Server{
		handler:  h,
		subs:     make(map[*websocket.Conn]struct{}),
		reqConns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.request = httptest.NewServer(http.HandlerFunc(s.serveRequest))
	s.subscribe = httptest.NewServer(http.HandlerFunc(s.serveSubscribe))
	return s
}

// Config returns transport settings pointing at the server.
func (s *Server) Config() atreyu.TransportConfig {
	host, reqPort := splitAddr(s.request.Listener.Addr().String())
	_, subPort := splitAddr(s.subscribe.Listener.Addr().String())
	return atreyu.TransportConfig{
		Host:          host,
		RequestPort:   reqPort,
		SubscribePort: subPort,
		Timeout:       2 * time.Second,
	}
}

func splitAddr(addr string) (string, int) {
	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)
	return host, p
}

// SetHandler swaps the reply handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsOf filters Requests by message type.
func (s *Server) RequestsOf(msgType string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.MsgType == msgType {
			out = append(out, r)
		}
	}
	return out
}

// Push sends v as JSON to every subscriber.
func (s *Server) Push(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subs {
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

// WaitSubscribers blocks until n subscribers are attached or timeout passes.
func (s *Server) WaitSubscribers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.subs)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// DropSubscribers closes every subscribe connection from the venue side.
func (s *Server) DropSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subs {
		_ = c.Close()
		delete(s.subs, c)
	}
}

// Close stops both endpoints.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.subs {
		_ = c.Close()
	}
	for c := range s.reqConns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.request.Close()
	s.subscribe.Close()
}

func (s *Server) serveRequest(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.reqConns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.reqConns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req := Request{Raw: msg, Fields: map[string]any{}}
		_ = json.Unmarshal(msg, &req.Fields)
		req.MsgType, _ = req.Fields["MsgType"].(string)

		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handler
		s.mu.Unlock()

		reply := h(req)
		if reply == nil {
			continue
		}
		var b []byte
		if raw, ok := reply.([]byte); ok {
			b = raw
		} else if b, err = json.Marshal(reply); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (s *Server) serveSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.subs[conn] = struct{}{}
	s.mu.Unlock()

	// Drain control frames until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			delete(s.subs, conn)
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

// Now formats t the way the venue stamps TransactTime.
func Now() string {
	return time.Now().UTC().Format(atreyu.TransactTimeLayout)
}

// Accepting acknowledges every request with status 0.
func Accepting(req Request) any {
	switch req.MsgType {
	case atreyu.MsgLogon:
		return map[string]any{"Status": 0, "SessionID": "session-1"}
	case atreyu.MsgLogout:
		return map[string]any{"Status": 0}
	case atreyu.MsgOpenOrders:
		return map[string]any{"Status": 0, "Orders": []any{}}
	case atreyu.MsgPositions:
		return map[string]any{"Status": 0, "Positions": []any{}}
	default:
		return map[string]any{
			"Status":       0,
			"ClOrdID":      req.Str("ClOrdID"),
			"OrigClOrdID":  req.Str("OrigClOrdID"),
			"TransactTime": Now(),
		}
	}
}

// Rejecting answers order commands with status and text; session and query
// requests are still accepted.
func Rejecting(status int, text string) Handler {
	return func(req Request) any {
		switch req.MsgType {
		case atreyu.MsgNewOrderSingle, atreyu.MsgOrderCancelReplace, atreyu.MsgOrderCancel:
			return map[string]any{"Status": status, "Text": text, "ClOrdID": req.Str("ClOrdID")}
		}
		return Accepting(req)
	}
}

package api

import (
	"log"
	"net/http"
	"time"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/order"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

func streamType(payload any) events.Event {
	switch payload.(type) {
	case order.LifecycleEvent:
		return events.EventOrderUpdate
	case events.ConnectionChange:
		return events.EventConnection
	}
	return ""
}

// websocket streams order lifecycle and connection events. Browsers cannot
// set headers on the upgrade, so the token comes in the query string.
func (s *Server) websocket(c *gin.Context) {
	if _, err := parseToken(c.Query("token"), s.JWTSecret); err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeMany([]events.Event{events.EventOrderUpdate, events.EventConnection}, 100)
	defer unsub()

	// Inbound frames are ignored; reading surfaces the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(streamMessage{Type: streamType(msg), Data: msg}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}

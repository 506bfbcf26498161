package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/order"
)

// Monitor watches the bus and raises alerts for session loss and venue
// rejections.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

// Start runs until ctx is done. It returns immediately when not configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{events.EventConnection, events.EventOrderUpdate}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				text, alert := formatAlert(msg)
				if !alert {
					continue
				}
				if err := m.Sink.Send(text); err != nil {
					log.Printf("monitor: alert delivery failed: %v", err)
				}
			}
		}
	}()
}

func formatAlert(msg any) (string, bool) {
	stamp := "[" + time.Now().Format(time.RFC3339) + "] "
	switch t := msg.(type) {
	case events.ConnectionChange:
		if t.Connected {
			return "", false
		}
		return stamp + fmt.Sprintf("venue session %s closed: %s", t.SessionID, t.Reason), true
	case order.LifecycleEvent:
		if t.Status != order.StatusInvalid {
			return "", false
		}
		return stamp + fmt.Sprintf("order %s (%s) rejected: %s", t.OrderID, t.BrokerID, t.Message), true
	}
	return "", false
}

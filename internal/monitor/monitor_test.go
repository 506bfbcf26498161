package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/order"
	"atreyu-bridge/pkg/exchanges/atreyu"
	"atreyu-bridge/pkg/exchanges/atreyu/venuetest"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(message string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, message)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMonitorAlertsOnSessionLossAndRejection(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.EventConnection, events.ConnectionChange{Connected: true, SessionID: "s1"})
	bus.Publish(events.EventOrderUpdate, order.LifecycleEvent{OrderID: "o1", Status: order.StatusSubmitted})
	bus.Publish(events.EventOrderUpdate, order.LifecycleEvent{OrderID: "o2", BrokerID: "b2", Status: order.StatusInvalid, Message: "halted"})
	bus.Publish(events.EventConnection, events.ConnectionChange{Connected: false, SessionID: "s1", Reason: "logout"})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("alerts = %q", got)
	}
	if !strings.Contains(got[0], "order o2 (b2) rejected: halted") {
		t.Fatalf("first alert = %q", got[0])
	}
	if !strings.Contains(got[1], "venue session s1 closed: logout") {
		t.Fatalf("second alert = %q", got[1])
	}
}

func TestMonitorUnconfiguredIsNoop(t *testing.T) {
	bus := events.NewBus()
	(&Monitor{Bus: bus}).Start(context.Background())
	if n := bus.Subscribers(events.EventConnection); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}

func TestMonitorAlertsWhenVenueDropsSubscribeChannel(t *testing.T) {
	srv := venuetest.New(nil)
	defer srv.Close()
	client := atreyu.New(atreyu.Config{TransportConfig: srv.Config(), Username: "trader", Password: "secret"})
	defer client.Disconnect()

	bus := events.NewBus()
	client.SetLinkHandler(events.PublishLinks(bus))
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !srv.WaitSubscribers(1, 2*time.Second) {
		t.Fatal("no subscriber")
	}
	srv.DropSubscribers()

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.all()
	if len(got) == 0 || !strings.Contains(got[0], "venue session session-1 closed: subscribe channel lost") {
		t.Fatalf("alerts = %q", got)
	}
}

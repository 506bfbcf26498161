package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"atreyu-bridge/pkg/exchanges/atreyu"
	"atreyu-bridge/pkg/exchanges/atreyu/venuetest"
)

func connectedGateway(t *testing.T, h venuetest.Handler) (*Gateway, *atreyu.Client, *venuetest.Server, *eventLog) {
	t.Helper()
	srv := venuetest.New(h)
	t.Cleanup(srv.Close)

	client := atreyu.New(atreyu.Config{TransportConfig: srv.Config(), Username: "trader", Password: "secret", Account: "ACC1"})
	g := NewGateway(client, Config{})
	events := &eventLog{}
	g.OnEvent(events.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = g.Disconnect() })
	if !srv.WaitSubscribers(1, 2*time.Second) {
		t.Fatal("subscribe channel never attached")
	}
	return g, client, srv, events
}

func TestConcurrentSubmitsSerializeOnRequestChannel(t *testing.T) {
	g, client, srv, events := connectedGateway(t, nil)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Submit(context.Background(), limitOrder(100, "10.50"))
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				t.Error("submit not accepted")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}

	news := srv.RequestsOf(atreyu.MsgNewOrderSingle)
	if len(news) != n {
		t.Fatalf("venue saw %d NewOrderSingle frames, want %d", len(news), n)
	}
	ids := map[string]bool{}
	for _, r := range news {
		ids[r.Str("ClOrdID")] = true
		if r.Str("Account") != "ACC1" {
			t.Fatalf("account = %q", r.Str("Account"))
		}
	}
	if len(ids) != n {
		t.Fatalf("%d distinct identifiers, want %d", len(ids), n)
	}
	// Logon plus one exchange per submit.
	if st := client.Stats(); st.Exchanges != n+1 || st.Failures != 0 {
		t.Fatalf("gate stats = %+v", st)
	}
	if got := len(events.all()); got != n {
		t.Fatalf("got %d events, want %d", got, n)
	}
}

func TestVenuePushReachesOrder(t *testing.T) {
	g, _, srv, _ := connectedGateway(t, nil)
	filled := make(chan LifecycleEvent, 1)
	g.OnEvent(func(ev LifecycleEvent) {
		if ev.Status == StatusFilled {
			filled <- ev
		}
	})

	o := limitOrder(100, "10.50")
	if ok, err := g.Submit(context.Background(), o); err != nil || !ok {
		t.Fatalf("submit = %v, %v", ok, err)
	}
	id := o.BrokerIDs()[0]

	err := srv.Push(map[string]any{
		"MsgType":      atreyu.MsgExecutionReport,
		"ClOrdID":      id,
		"OrdStatus":    string(atreyu.OrdStatusFilled),
		"Side":         "1",
		"CumQty":       "100",
		"LastQty":      "100",
		"LastPx":       "10.50",
		"AvgPx":        "10.50",
		"TransactTime": venuetest.Now(),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case ev := <-filled:
		if !ev.FillPrice.Equal(decimal.RequireFromString("10.5")) {
			t.Fatalf("fill price = %s", ev.FillPrice)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fill never applied")
	}
	if o.Status() != StatusFilled {
		t.Fatalf("status = %s", o.Status())
	}
}

func TestVenueRejectionProducesInvalid(t *testing.T) {
	g, _, _, events := connectedGateway(t, venuetest.Rejecting(5, "unknown order"))
	o := limitOrder(10, "1.00")
	o.AddBrokerID("abc")

	ok, err := g.Cancel(context.Background(), o)
	if err != nil || ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	evs := events.all()
	if len(evs) != 1 || evs[0].Status != StatusInvalid || evs[0].Message != "unknown order" {
		t.Fatalf("events = %+v", evs)
	}
}

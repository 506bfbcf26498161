package atreyu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// probe records overlapping round trips.
type probe struct {
	active   atomic.Int32
	overlaps atomic.Int32
	calls    atomic.Int32
	delay    time.Duration
	reply    []byte
	err      error
	block    chan struct{}
}

func (p *probe) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	if p.active.Add(1) != 1 {
		p.overlaps.Add(1)
	}
	defer p.active.Add(-1)
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, &TransportError{Op: "receive", Err: ctx.Err()}
		}
	}
	time.Sleep(p.delay)
	return p.reply, p.err
}

func TestGateSerializesConcurrentExchanges(t *testing.T) {
	p := &probe{delay: time.Millisecond, reply: []byte(`{"Status":0,"ClOrdID":"c1","TransactTime":"20240301-14:30:00.000"}`)}
	g := NewGate(p)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Exchange(context.Background(), limitBuy(), func(b []byte) error {
				_, err := DecodeSubmitResponse(b)
				return err
			})
			if err != nil {
				t.Errorf("exchange: %v", err)
			}
		}()
	}
	wg.Wait()

	if p.overlaps.Load() != 0 {
		t.Fatalf("%d overlapping round trips", p.overlaps.Load())
	}
	if p.calls.Load() != n {
		t.Fatalf("round trips = %d, want %d", p.calls.Load(), n)
	}
	st := g.Stats()
	if st.Exchanges != n || st.Failures != 0 || st.InFlight {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGateAcquireHonoursContext(t *testing.T) {
	p := &probe{block: make(chan struct{}), reply: []byte(`{"Status":0}`)}
	g := NewGate(p)

	held := make(chan error, 1)
	go func() { held <- g.Exchange(context.Background(), Logout{}, nil) }()
	for p.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := g.Exchange(ctx, Logout{}, nil)
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "acquire" || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want acquire timeout", err)
	}
	if err := g.TryExchange(context.Background(), Logout{}, nil); !errors.Is(err, ErrGateBusy) {
		t.Fatalf("try err = %v, want ErrGateBusy", err)
	}
	if !g.Stats().InFlight {
		t.Fatal("gate not reported in flight")
	}

	close(p.block)
	if err := <-held; err != nil {
		t.Fatalf("held exchange: %v", err)
	}
	if err := g.TryExchange(context.Background(), Logout{}, nil); err != nil {
		t.Fatalf("gate not released: %v", err)
	}
}

func TestGateTimeoutReleasesSlot(t *testing.T) {
	p := &probe{block: make(chan struct{})}
	g := NewGate(p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Exchange(ctx, Logout{}, nil); !IsTransportFailure(err) {
		t.Fatalf("err = %v, want transport failure", err)
	}

	close(p.block)
	p.reply = []byte(`{"Status":0}`)
	if err := g.Exchange(context.Background(), Logout{}, nil); err != nil {
		t.Fatalf("exchange after timeout: %v", err)
	}
	if st := g.Stats(); st.Exchanges != 2 || st.Failures != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGateErrorClassification(t *testing.T) {
	cases := []struct {
		name          string
		rt            *probe
		cmd           Command
		decode        func([]byte) error
		wantOp        string
		wantTransport bool
		wantCalls     int32
	}{
		{
			name:      "encode failure stays local",
			rt:        &probe{},
			cmd:       NewOrderSingle{},
			wantCalls: 0,
		},
		{
			name:          "transport error passes through",
			rt:            &probe{err: &TransportError{Op: "send", Err: errors.New("broken pipe")}},
			cmd:           Logout{},
			wantOp:        "send",
			wantTransport: true,
			wantCalls:     1,
		},
		{
			name:          "plain error is wrapped",
			rt:            &probe{err: errors.New("boom")},
			cmd:           Logout{},
			wantOp:        "exchange",
			wantTransport: true,
			wantCalls:     1,
		},
		{
			name:          "decode failure",
			rt:            &probe{reply: []byte(`{}`)},
			cmd:           Logout{},
			decode:        func(b []byte) error { _, err := DecodeLogonResponse(b); return err },
			wantOp:        "decode",
			wantTransport: true,
			wantCalls:     1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(tc.rt)
			err := g.Exchange(context.Background(), tc.cmd, tc.decode)
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTransportFailure(err) != tc.wantTransport {
				t.Fatalf("transport = %v, want %v (%v)", IsTransportFailure(err), tc.wantTransport, err)
			}
			if tc.wantTransport {
				var te *TransportError
				errors.As(err, &te)
				if te.Op != tc.wantOp {
					t.Fatalf("op = %s, want %s", te.Op, tc.wantOp)
				}
			} else if !errors.Is(err, ErrEncode) {
				t.Fatalf("err = %v, want ErrEncode", err)
			}
			if tc.rt.calls.Load() != tc.wantCalls {
				t.Fatalf("round trips = %d, want %d", tc.rt.calls.Load(), tc.wantCalls)
			}
		})
	}
}

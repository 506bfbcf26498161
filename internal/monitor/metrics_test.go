package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"atreyu-bridge/internal/order"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	if st := h.Stats(); st.Count != 0 {
		t.Fatalf("empty stats = %+v", st)
	}
	for _, v := range []float64{5, 1, 3, 2, 4} {
		h.Record(v)
	}
	st := h.Stats()
	// window keeps the last four samples: 1 3 2 4
	if st.Count != 4 || st.Min != 1 || st.Max != 4 || st.Avg != 2.5 {
		t.Fatalf("stats = %+v", st)
	}
	h.RecordDuration(10 * time.Millisecond)
	if st := h.Stats(); st.Max != 10 || st.Count != 4 {
		t.Fatalf("stats after duration = %+v", st)
	}
}

func TestRecordCommandOutcomes(t *testing.T) {
	m := NewSystemMetrics()
	m.RecordCommand(true, nil, time.Millisecond)
	m.RecordCommand(false, nil, time.Millisecond)
	m.RecordCommand(false, errors.New("transport"), time.Millisecond)
	m.RecordQuery(nil, time.Millisecond)
	m.ObserveEvent(order.LifecycleEvent{Status: order.StatusSubmitted})
	m.ObserveEvent(order.LifecycleEvent{Status: order.StatusFilled, FillQty: decimal.NewFromInt(10)})

	snap := m.GetSnapshot()
	if snap.CommandsAccepted != 1 || snap.CommandsRejected != 1 || snap.ErrorsCount != 1 {
		t.Fatalf("command counters = %+v", snap)
	}
	if snap.CommandLatency.Count != 3 || snap.QueryLatency.Count != 1 {
		t.Fatalf("latency counts = %d/%d", snap.CommandLatency.Count, snap.QueryLatency.Count)
	}
	if snap.EventsSeen != 2 || snap.FillsSeen != 1 {
		t.Fatalf("event counters = %d/%d", snap.EventsSeen, snap.FillsSeen)
	}
}

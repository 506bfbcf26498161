package reconciliation

import (
	"context"
	"errors"
	"sort"
	"testing"

	"atreyu-bridge/internal/order"
)

type fakeSource struct {
	connected bool
	working   []*order.Order
	open      []*order.Order
	err       error
}

func (f *fakeSource) IsConnected() bool                                  { return f.connected }
func (f *fakeSource) Working() []*order.Order                            { return f.working }
func (f *fakeSource) OpenOrders(context.Context) ([]*order.Order, error) { return f.open, f.err }

func tracked(id string) *order.Order {
	o := &order.Order{ID: "local-" + id}
	o.AddBrokerID(id)
	return o
}

func TestReconcile(t *testing.T) {
	a, b, c := tracked("a"), tracked("b"), tracked("ext")

	cases := []struct {
		name        string
		src         *fakeSource
		wantAdopted []string
		wantMissing []string
		wantSkipped bool
	}{
		{
			name:        "disconnected",
			src:         &fakeSource{working: []*order.Order{a}},
			wantSkipped: true,
		},
		{
			name: "in sync",
			src:  &fakeSource{connected: true, working: []*order.Order{a, b}, open: []*order.Order{b, a}},
		},
		{
			name:        "adopted and missing",
			src:         &fakeSource{connected: true, working: []*order.Order{a, b}, open: []*order.Order{a, c}},
			wantAdopted: []string{"ext"},
			wantMissing: []string{"b"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewService(tc.src, 0)
			r, err := s.Reconcile(context.Background())
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if r.Skipped != tc.wantSkipped {
				t.Fatalf("skipped = %v", r.Skipped)
			}
			sort.Strings(r.Missing)
			if !equal(r.Adopted, tc.wantAdopted) || !equal(r.Missing, tc.wantMissing) {
				t.Fatalf("report = %+v", r)
			}
			if s.Last() != r {
				t.Fatal("last report not kept")
			}
		})
	}
}

func TestReconcileQueryError(t *testing.T) {
	boom := errors.New("venue down")
	s := NewService(&fakeSource{connected: true, err: boom}, 0)
	if _, err := s.Reconcile(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.Last() != nil {
		t.Fatal("failed run stored a report")
	}
}

func equal(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

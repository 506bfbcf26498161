package reconciliation

import (
	"context"
	"log"
	"sync"
	"time"

	"atreyu-bridge/internal/order"
)

// OrderSource is the part of the order gateway reconciliation needs.
type OrderSource interface {
	IsConnected() bool
	Working() []*order.Order
	OpenOrders(ctx context.Context) ([]*order.Order, error)
}

// Service periodically compares locally working orders with the venue's
// open-order list. Querying the venue also adopts orders placed elsewhere.
type Service struct {
	orders   OrderSource
	interval time.Duration

	mu   sync.Mutex
	last *Report
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	VenueOpen int       `json:"venue_open"`
	Adopted   []string  `json:"adopted"` // venue orders unknown before this run
	Missing   []string  `json:"missing"` // working locally, absent at the venue
	Skipped   bool      `json:"skipped"` // session was down
}

// HasDiffs reports whether the run found anything to act on.
func (r *Report) HasDiffs() bool {
	return len(r.Adopted) > 0 || len(r.Missing) > 0
}

// NewService creates a reconciliation service.
func NewService(orders OrderSource, interval time.Duration) *Service {
	return &Service{orders: orders, interval: interval}
}

// Start begins periodic reconciliation. A non-positive interval disables it.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		log.Println("reconciliation disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("reconciliation error: %v", err)
					continue
				}
				s.handleReport(report)

			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("reconciliation service started (interval: %v)", s.interval)
}

// Reconcile performs one check. Missing orders are reported, not changed:
// their final state arrives as a push or shows up in a later run.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{
		Timestamp: time.Now().UTC(),
		Adopted:   []string{},
		Missing:   []string{},
	}
	if !s.orders.IsConnected() {
		report.Skipped = true
		s.last = report
		return report, nil
	}

	known := make(map[*order.Order]bool)
	for _, o := range s.orders.Working() {
		known[o] = true
	}

	open, err := s.orders.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	report.VenueOpen = len(open)

	seen := make(map[*order.Order]bool, len(open))
	for _, o := range open {
		seen[o] = true
		if !known[o] {
			report.Adopted = append(report.Adopted, brokerID(o))
		}
	}
	for o := range known {
		if !seen[o] {
			report.Missing = append(report.Missing, brokerID(o))
		}
	}

	s.last = report
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func brokerID(o *order.Order) string {
	ids := o.BrokerIDs()
	if len(ids) == 0 {
		return o.ID
	}
	return ids[len(ids)-1]
}

func (s *Service) handleReport(report *Report) {
	switch {
	case report.Skipped:
		log.Printf("reconciliation skipped: venue session down")
	case report.HasDiffs():
		log.Printf("reconciliation: venue open=%d adopted=%v missing=%v",
			report.VenueOpen, report.Adopted, report.Missing)
	default:
		log.Printf("reconciliation OK: %d open orders match", report.VenueOpen)
	}
}

package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"atreyu-bridge/pkg/exchanges/common"
)

// Status is the canonical lifecycle state of an order.
type Status string

const (
	StatusUnsubmitted     Status = "UNSUBMITTED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusUpdateSubmitted Status = "UPDATE_SUBMITTED"
	StatusCancelPending   Status = "CANCEL_PENDING"
	StatusInvalid         Status = "INVALID"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
)

// Terminal reports whether no further venue transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusInvalid:
		return true
	}
	return false
}

// Route carries venue routing options.
type Route struct {
	Destination string // ExDestination
	Account     string
}

// Order is a caller-owned order intent. The gateway mutates only the broker
// identifiers, the status and the fill summary, always under the order's lock.
// Once an order is shared, change its quantity and prices through Amend.
type Order struct {
	ID          string
	Symbol      string
	Side        common.Side
	Type        common.OrderType
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal // LIMIT and STOP_LIMIT
	StopPrice   decimal.Decimal // STOP and STOP_LIMIT
	TimeInForce common.TimeInForce
	Route       Route
	CreatedAt   time.Time

	mu        sync.Mutex
	brokerIDs []string
	status    Status
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal

	submitting bool // a Submit exchange is in flight
	// The venue refused the last replace or cancel; the order still works
	// under its original identifier.
	commandRejected bool
}

// Amend changes quantity and prices under the order's lock. Nil leaves a
// field unchanged.
func (o *Order) Amend(qty, limit, stop *decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if qty != nil {
		o.Quantity = *qty
	}
	if limit != nil {
		o.LimitPrice = *limit
	}
	if stop != nil {
		o.StopPrice = *stop
	}
}

// BrokerIDs returns a copy of the venue identifiers assigned to the order.
func (o *Order) BrokerIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.brokerIDs))
	copy(out, o.brokerIDs)
	return out
}

// AddBrokerID attaches an identifier obtained outside the gateway, e.g. when
// an order is rebuilt from the caller's own records.
func (o *Order) AddBrokerID(id string) {
	o.mu.Lock()
	o.brokerIDs = append(o.brokerIDs, id)
	o.mu.Unlock()
}

// Status returns the current lifecycle state.
func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == "" {
		return StatusUnsubmitted
	}
	return o.status
}

// Live reports whether the order is expected to be working at the venue.
// An order whose replace or cancel was refused is Invalid but still live.
func (o *Order) Live() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusInvalid {
		return o.commandRejected && len(o.brokerIDs) > 0
	}
	return !o.status.Terminal()
}

// Snapshot is a consistent copy of an order for serialization.
type Snapshot struct {
	ID          string             `json:"id"`
	BrokerIDs   []string           `json:"broker_ids"`
	Symbol      string             `json:"symbol"`
	Side        common.Side        `json:"side"`
	Type        common.OrderType   `json:"type"`
	Quantity    decimal.Decimal    `json:"quantity"`
	LimitPrice  decimal.Decimal    `json:"limit_price"`
	StopPrice   decimal.Decimal    `json:"stop_price"`
	TimeInForce common.TimeInForce `json:"time_in_force"`
	Status      Status             `json:"status"`
	FilledQty   decimal.Decimal    `json:"filled_qty"`
	AvgPrice    decimal.Decimal    `json:"avg_price"`

	// Set when the venue refused the last replace or cancel.
	CommandRejected bool `json:"command_rejected,omitempty"`
}

// Snapshot copies the order under its lock.
func (o *Order) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Order) snapshotLocked() Snapshot {
	ids := make([]string, len(o.brokerIDs))
	copy(ids, o.brokerIDs)
	status := o.status
	if status == "" {
		status = StatusUnsubmitted
	}
	return Snapshot{
		ID:          o.ID,
		BrokerIDs:   ids,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Quantity:    o.Quantity,
		LimitPrice:  o.LimitPrice,
		StopPrice:   o.StopPrice,
		TimeInForce: o.TimeInForce,
		Status:      status,
		FilledQty:   o.filledQty,
		AvgPrice:    o.avgPrice,

		CommandRejected: o.commandRejected,
	}
}

// Holding is an open position. Quantity is negative for shorts.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	MarketPrice  decimal.Decimal `json:"market_price"`
}

// CashAmount is a balance in one currency.
type CashAmount struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// HistoryRequest asks for historical bars.
type HistoryRequest struct {
	Symbol     string
	Resolution string
	Start      time.Time
	End        time.Time
}

// Bar is one historical OHLCV bar.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

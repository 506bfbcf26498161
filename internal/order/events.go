package order

import (
	"time"

	"github.com/shopspring/decimal"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/pkg/exchanges/common"
)

// LifecycleEvent reports one state transition of an order.
type LifecycleEvent struct {
	Order     *Order          `json:"-"`
	OrderID   string          `json:"order_id"`
	BrokerID  string          `json:"broker_id,omitempty"`
	Symbol    string          `json:"symbol"`
	Side      common.Side     `json:"side"`
	Status    Status          `json:"status"`
	Time      time.Time       `json:"time"`
	Message   string          `json:"message,omitempty"`
	Fee       decimal.Decimal `json:"fee"` // always zero for this venue
	FillQty   decimal.Decimal `json:"fill_qty"`
	FillPrice decimal.Decimal `json:"fill_price"`
}

// EventHandler receives lifecycle events. It runs while the order's lock is
// held, so it must not call methods on ev.Order and must return quickly.
type EventHandler func(ev LifecycleEvent)

// PublishTo forwards lifecycle events to the bus under EventOrderUpdate.
func PublishTo(bus *events.Bus) EventHandler {
	return func(ev LifecycleEvent) {
		if bus == nil {
			return
		}
		bus.Publish(events.EventOrderUpdate, ev)
	}
}

// EventKey keys lifecycle events by order so one order's events stay ordered.
func (ev LifecycleEvent) EventKey() string { return ev.OrderID }

package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"atreyu-bridge/pkg/exchanges/atreyu"
	"atreyu-bridge/pkg/exchanges/common"
)

// Venue is the request/reply surface of one venue session.
type Venue interface {
	common.Session
	NewOrder(ctx context.Context, cmd atreyu.NewOrderSingle) (atreyu.SubmitResponse, error)
	ReplaceOrder(ctx context.Context, cmd atreyu.OrderCancelReplaceRequest) (atreyu.SubmitResponse, error)
	CancelOrder(ctx context.Context, cmd atreyu.OrderCancelRequest) (atreyu.SubmitResponse, error)
	OpenOrders(ctx context.Context) (atreyu.OpenOrdersResult, error)
	Positions(ctx context.Context) (atreyu.OpenPositionsResult, error)
	SetPushHandler(fn func(atreyu.ExecutionReport))
}

// Config tunes the gateway.
type Config struct {
	CommandRate  float64 // venue calls per second; <= 0 disables throttling
	CommandBurst int
	CashCurrency string
	CashBalance  decimal.Decimal
}

// Gateway drives order lifecycles against one venue. Synchronous replies are
// applied on the caller's goroutine; execution reports arrive through the
// dispatcher. Both paths take the order's lock before touching its state.
type Gateway struct {
	venue      Venue
	cfg        Config
	limiter    *rate.Limiter
	dispatcher *Dispatcher
	newID      func() string
	now        func() time.Time

	mu     sync.RWMutex
	orders map[string]*Order // by venue ClOrdID

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// NewGateway wires venue pushes through a dispatcher into HandlePush.
func NewGateway(venue Venue, cfg Config) *Gateway {
	limit := rate.Inf
	if cfg.CommandRate > 0 {
		limit = rate.Limit(cfg.CommandRate)
	}
	burst := cfg.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.CashCurrency == "" {
		cfg.CashCurrency = "USD"
	}
	g := &Gateway{
		venue:   venue,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		newID:   uuid.NewString,
		now:     time.Now,
		orders:  make(map[string]*Order),
	}
	g.dispatcher = NewDispatcher(g.HandlePush)
	venue.SetPushHandler(g.dispatcher.Enqueue)
	return g
}

// OnEvent registers a lifecycle event handler.
func (g *Gateway) OnEvent(h EventHandler) {
	g.handlersMu.Lock()
	g.handlers = append(g.handlers, h)
	g.handlersMu.Unlock()
}

// emitLocked must be called with o.mu held.
func (g *Gateway) emitLocked(o *Order, ev LifecycleEvent) {
	ev.Order = o
	ev.OrderID = o.ID
	ev.Symbol = o.Symbol
	ev.Side = o.Side
	ev.Status = o.status
	if ev.Time.IsZero() {
		ev.Time = g.now()
	}
	g.handlersMu.RLock()
	hs := g.handlers
	g.handlersMu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// Connect starts push dispatch and opens the venue session.
func (g *Gateway) Connect(ctx context.Context) error {
	g.dispatcher.Start()
	if err := g.venue.Connect(ctx); err != nil {
		g.dispatcher.Stop()
		return err
	}
	return nil
}

// Disconnect closes the venue session, then delivers reports already queued.
func (g *Gateway) Disconnect() error {
	err := g.venue.Disconnect()
	g.dispatcher.Stop()
	return err
}

func (g *Gateway) IsConnected() bool {
	return g.venue.IsConnected()
}

func (g *Gateway) throttle(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &atreyu.TransportError{Op: "acquire", Err: err}
	}
	return nil
}

func (g *Gateway) track(id string, o *Order) {
	g.mu.Lock()
	g.orders[id] = o
	g.mu.Unlock()
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.orders, id)
	g.mu.Unlock()
}

func (g *Gateway) lookup(id string) *Order {
	if id == "" {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orders[id]
}

// Tracked returns the order registered under a venue identifier.
func (g *Gateway) Tracked(brokerID string) (*Order, bool) {
	o := g.lookup(brokerID)
	return o, o != nil
}

// Working returns each tracked live order, once even when it is registered
// under several identifiers. See Order.Live.
func (g *Gateway) Working() []*Order {
	g.mu.RLock()
	seen := make(map[*Order]bool, len(g.orders))
	all := make([]*Order, 0, len(g.orders))
	for _, o := range g.orders {
		if !seen[o] {
			seen[o] = true
			all = append(all, o)
		}
	}
	g.mu.RUnlock()

	out := all[:0]
	for _, o := range all {
		if o.Live() {
			out = append(out, o)
		}
	}
	return out
}

func wholeShares(q decimal.Decimal) (int64, error) {
	if !q.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrFractionalQuantity, q)
	}
	if !q.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrNonPositiveQuantity, q)
	}
	return q.IntPart(), nil
}

// soleBrokerID enforces the at-most-one identifier rule for modify and cancel.
func soleBrokerID(o *Order) (string, error) {
	ids := o.BrokerIDs()
	switch len(ids) {
	case 0:
		return "", ErrNoBrokerageID
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%w: order %s has %d ids", ErrMultipleOrderUpdate, o.ID, len(ids))
}

// venueError keeps transport failures intact and turns encoder refusals into
// validation errors.
func venueError(op string, o *Order, err error) error {
	if errors.Is(err, atreyu.ErrEncode) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return fmt.Errorf("gateway: %s %s: %w", op, o.ID, err)
}

// orderCommand validates o's quantity and copies its terms under its lock.
func orderCommand(o *Order, id string) (atreyu.NewOrderSingle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	qty, err := wholeShares(o.Quantity)
	if err != nil {
		return atreyu.NewOrderSingle{}, err
	}
	return atreyu.NewOrderSingle{
		ClOrdID:       id,
		Symbol:        o.Symbol,
		Side:          o.Side,
		OrderQty:      qty,
		OrdType:       o.Type,
		Price:         o.LimitPrice,
		StopPx:        o.StopPrice,
		TimeInForce:   o.TimeInForce,
		ExDestination: o.Route.Destination,
		Account:       o.Route.Account,
	}, nil
}

// reserve claims o for one Submit. An order that already carries an
// identifier, or has a Submit in flight, is refused.
func reserve(o *Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.brokerIDs) > 0 || o.submitting {
		return fmt.Errorf("%w: order %s", ErrAlreadySubmitted, o.ID)
	}
	o.submitting = true
	return nil
}

func release(o *Order) {
	o.mu.Lock()
	o.submitting = false
	o.mu.Unlock()
}

// Submit places o under a fresh client identifier. It returns false with a
// nil error when the venue rejects the order; an Invalid event carries the
// venue's text. A non-nil error means no event was emitted. An order that
// already carries an identifier is refused with ErrAlreadySubmitted.
func (g *Gateway) Submit(ctx context.Context, o *Order) (bool, error) {
	if o == nil {
		return false, ErrNilOrder
	}
	if err := reserve(o); err != nil {
		return false, err
	}
	defer release(o)

	id := g.newID()
	cmd, err := orderCommand(o, id)
	if err != nil {
		return false, err
	}
	if err := g.throttle(ctx); err != nil {
		return false, err
	}
	cmd.TransactTime = g.now()

	// Registered first so a push that beats the reply finds the order.
	g.track(id, o)
	resp, err := g.venue.NewOrder(ctx, cmd)
	if err != nil {
		g.untrack(id)
		return false, venueError("submit", o, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !resp.Accepted() {
		g.untrack(id)
		o.status = StatusInvalid
		g.emitLocked(o, LifecycleEvent{BrokerID: id, Time: resp.TransactTime, Message: resp.Text})
		log.Printf("gateway: submit %s rejected (status %d): %s", o.ID, resp.Status, resp.Text)
		return false, nil
	}
	o.brokerIDs = append(o.brokerIDs, id)
	o.status = StatusSubmitted
	g.emitLocked(o, LifecycleEvent{BrokerID: id, Time: resp.TransactTime, Message: resp.Text})
	return true, nil
}

// Update replaces the working order with o's current quantity and prices,
// reusing its identifier.
func (g *Gateway) Update(ctx context.Context, o *Order) (bool, error) {
	if o == nil {
		return false, ErrNilOrder
	}
	id, err := soleBrokerID(o)
	if err != nil {
		return false, err
	}
	nos, err := orderCommand(o, id)
	if err != nil {
		return false, err
	}
	if err := g.throttle(ctx); err != nil {
		return false, err
	}

	cmd := atreyu.OrderCancelReplaceRequest{OrigClOrdID: id, NewOrderSingle: nos}
	cmd.TransactTime = g.now()
	resp, err := g.venue.ReplaceOrder(ctx, cmd)
	if err != nil {
		return false, venueError("update", o, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !resp.Accepted() {
		o.status = StatusInvalid
		o.commandRejected = true
		g.emitLocked(o, LifecycleEvent{BrokerID: id, Time: resp.TransactTime, Message: resp.Text})
		log.Printf("gateway: update %s rejected (status %d): %s", o.ID, resp.Status, resp.Text)
		return false, nil
	}
	o.commandRejected = false
	o.status = StatusUpdateSubmitted
	g.emitLocked(o, LifecycleEvent{BrokerID: id, Time: resp.TransactTime, Message: resp.Text})
	return true, nil
}

// Cancel requests cancellation. An order that was never submitted is not an
// error: Cancel returns false without contacting the venue.
func (g *Gateway) Cancel(ctx context.Context, o *Order) (bool, error) {
	if o == nil {
		return false, ErrNilOrder
	}
	id, err := soleBrokerID(o)
	if errors.Is(err, ErrNoBrokerageID) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	o.mu.Lock()
	qty, err := wholeShares(o.Quantity)
	o.mu.Unlock()
	if err != nil {
		return false, err
	}
	if err := g.throttle(ctx); err != nil {
		return false, err
	}

	resp, err := g.venue.CancelOrder(ctx, atreyu.OrderCancelRequest{
		OrigClOrdID:  id,
		ClOrdID:      id,
		Symbol:       o.Symbol,
		Side:         o.Side,
		OrderQty:     qty,
		TransactTime: g.now(),
	})
	if err != nil {
		return false, venueError("cancel", o, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !resp.Accepted() {
		o.status = StatusInvalid
		o.commandRejected = true
		g.emitLocked(o, LifecycleEvent{BrokerID: id, Time: resp.TransactTime, Message: resp.Text})
		log.Printf("gateway: cancel %s rejected (status %d): %s", o.ID, resp.Status, resp.Text)
		return false, nil
	}
	o.commandRejected = false
	o.status = StatusCancelPending
	g.emitLocked(o, LifecycleEvent{BrokerID: id, Time: resp.TransactTime, Message: resp.Text})
	return true, nil
}

// OpenOrders lists the venue's working orders. Known identifiers resolve to
// the tracked order; unknown ones become newly tracked orders.
func (g *Gateway) OpenOrders(ctx context.Context) ([]*Order, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}
	res, err := g.venue.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: open orders: %w", err)
	}
	if res.Status != 0 {
		return nil, fmt.Errorf("%w: open orders status %d: %s", ErrQueryRejected, res.Status, res.Text)
	}

	out := make([]*Order, 0, len(res.Orders))
	for _, oo := range res.Orders {
		out = append(out, g.adopt(oo))
	}
	return out, nil
}

func (g *Gateway) adopt(oo atreyu.OpenOrder) *Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[oo.ClOrdID]; ok {
		return o
	}
	status := StatusSubmitted
	if s, ok := statusFromVenue(oo.OrdStatus); ok {
		status = s
	}
	o := &Order{
		ID:          oo.ClOrdID,
		Symbol:      oo.Symbol,
		Side:        oo.Side,
		Type:        oo.OrdType,
		Quantity:    oo.OrderQty,
		LimitPrice:  oo.Price,
		StopPrice:   oo.StopPx,
		TimeInForce: oo.TimeInForce,
		CreatedAt:   oo.TransactTime,
		brokerIDs:   []string{oo.ClOrdID},
		status:      status,
		filledQty:   oo.CumQty,
	}
	g.orders[oo.ClOrdID] = o
	return o
}

// Positions lists open holdings.
func (g *Gateway) Positions(ctx context.Context) ([]Holding, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}
	res, err := g.venue.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: positions: %w", err)
	}
	if res.Status != 0 {
		return nil, fmt.Errorf("%w: positions status %d: %s", ErrQueryRejected, res.Status, res.Text)
	}
	out := make([]Holding, 0, len(res.Positions))
	for _, p := range res.Positions {
		out = append(out, Holding{
			Symbol:       p.Symbol,
			Quantity:     p.Quantity,
			AveragePrice: p.AvgPx,
			MarketPrice:  p.LastPx,
		})
	}
	return out, nil
}

// CashBalances returns the configured balance. The venue exposes no cash
// query, so this is not backed by venue data.
func (g *Gateway) CashBalances() []CashAmount {
	return []CashAmount{{Currency: g.cfg.CashCurrency, Amount: g.cfg.CashBalance}}
}

// History always fails: the venue serves no historical data.
func (g *Gateway) History(ctx context.Context, req HistoryRequest) ([]Bar, error) {
	return nil, fmt.Errorf("%w: %s", ErrHistoryUnsupported, req.Symbol)
}

func statusFromVenue(s atreyu.OrdStatus) (Status, bool) {
	switch s {
	case atreyu.OrdStatusNew, atreyu.OrdStatusReplaced:
		return StatusSubmitted, true
	case atreyu.OrdStatusPartiallyFilled:
		return StatusPartiallyFilled, true
	case atreyu.OrdStatusFilled:
		return StatusFilled, true
	case atreyu.OrdStatusCanceled, atreyu.OrdStatusExpired:
		return StatusCanceled, true
	case atreyu.OrdStatusPendingCancel:
		return StatusCancelPending, true
	case atreyu.OrdStatusPendingReplace:
		return StatusUpdateSubmitted, true
	case atreyu.OrdStatusRejected:
		return StatusInvalid, true
	}
	return "", false
}

// HandlePush applies an execution report. Reports always overwrite local
// state; repeats are applied and emitted again.
func (g *Gateway) HandlePush(rep atreyu.ExecutionReport) {
	o := g.lookup(rep.ClOrdID)
	if o == nil {
		if o = g.lookup(rep.OrigClOrdID); o != nil {
			g.track(rep.ClOrdID, o)
		}
	}
	if o == nil {
		log.Printf("gateway: execution report for unknown order %s dropped", rep.ClOrdID)
		return
	}
	status, ok := statusFromVenue(rep.OrdStatus)
	if !ok {
		log.Printf("gateway: execution report for %s has unmapped status %q", rep.ClOrdID, rep.OrdStatus)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = status
	o.commandRejected = false
	if !rep.CumQty.IsZero() {
		o.filledQty = rep.CumQty
	}
	if !rep.AvgPx.IsZero() {
		o.avgPrice = rep.AvgPx
	}
	g.emitLocked(o, LifecycleEvent{
		BrokerID:  rep.ClOrdID,
		Time:      rep.TransactTime,
		Message:   rep.Text,
		FillQty:   rep.LastQty,
		FillPrice: rep.LastPx,
	})
}

package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/monitor"
	"atreyu-bridge/internal/order"
	"atreyu-bridge/pkg/db"
	"atreyu-bridge/pkg/exchanges/atreyu"
	"atreyu-bridge/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type submitOrderRequest struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol" binding:"required,min=1"`
	Side        string          `json:"side" binding:"required,oneof=BUY SELL"`
	Type        string          `json:"type" binding:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TimeInForce string          `json:"time_in_force" binding:"omitempty,oneof=DAY GTC IOC FOK"`
	Destination string          `json:"destination"`
	Account     string          `json:"account"`
}

type updateOrderRequest struct {
	Quantity   *decimal.Decimal `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
	StopPrice  *decimal.Decimal `json:"stop_price"`
}

type journalQuery struct {
	Channel string `form:"channel" binding:"omitempty,oneof=request subscribe"`
	ClOrdID string `form:"cl_ord_id"`
	Limit   int    `form:"limit"`
}

func (q *journalQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

type historyQuery struct {
	Symbol     string `form:"symbol" binding:"required"`
	Resolution string `form:"resolution"`
	Start      string `form:"start"`
	End        string `form:"end"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondGatewayError maps gateway and venue failures onto HTTP statuses.
func respondGatewayError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, order.ErrValidation):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, order.ErrUnsupported):
		respondError(c, http.StatusNotImplemented, "UNSUPPORTED_OPERATION", err.Error())
	case errors.Is(err, order.ErrQueryRejected):
		respondError(c, http.StatusBadGateway, "QUERY_REJECTED", err.Error())
	case atreyu.IsTransportFailure(err):
		log.Printf("[API] %s: venue transport failure: %v", op, err)
		respondError(c, http.StatusBadGateway, "TRANSPORT_FAILURE", err.Error())
	default:
		log.Printf("[API] %s: %v", op, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"connected":      s.Orders.IsConnected(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"meta":           s.Meta,
		"events_dropped": s.Bus.Dropped(),
		"metrics":        s.Metrics.GetSnapshot(),
	}
	if s.Session != nil {
		resp["session_id"] = s.Session.SessionID()
		resp["gate"] = s.Session.Stats()
	}
	if s.JournalWriter != nil {
		resp["journal"] = gin.H{
			"pending": s.JournalWriter.Pending(),
			"metrics": s.JournalWriter.GetMetrics(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) sessionID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.SessionID()
}

func (s *Server) publishConnection(connected bool, reason string) {
	s.Bus.Publish(events.EventConnection, events.ConnectionChange{
		Connected: connected,
		SessionID: s.sessionID(),
		Reason:    reason,
		Time:      time.Now().UTC(),
	})
}

func (s *Server) connect(c *gin.Context) {
	if err := s.Orders.Connect(c.Request.Context()); err != nil {
		respondGatewayError(c, "connect", err)
		return
	}
	if s.JournalWriter != nil {
		s.JournalWriter.SetSessionID(s.sessionID())
	}
	s.publishConnection(true, "operator connect by "+CurrentOperator(c))
	c.JSON(http.StatusOK, gin.H{"connected": true, "session_id": s.sessionID()})
}

func (s *Server) disconnect(c *gin.Context) {
	id := s.sessionID()
	if err := s.Orders.Disconnect(); err != nil {
		respondGatewayError(c, "disconnect", err)
		return
	}
	s.Bus.Publish(events.EventConnection, events.ConnectionChange{
		Connected: false,
		SessionID: id,
		Reason:    "operator disconnect by " + CurrentOperator(c),
		Time:      time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"connected": false})
}

func (s *Server) listOpenOrders(c *gin.Context) {
	timer := monitor.NewTimer()
	orders, err := s.Orders.OpenOrders(c.Request.Context())
	s.Metrics.RecordQuery(err, timer.Elapsed())
	if err != nil {
		respondGatewayError(c, "open orders", err)
		return
	}
	out := make([]order.Snapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	o := &order.Order{
		ID:          strings.TrimSpace(req.ID),
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:        common.Side(req.Side),
		Type:        common.OrderType(req.Type),
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: common.TimeInForce(req.TimeInForce),
		Route:       order.Route{Destination: req.Destination, Account: req.Account},
		CreatedAt:   time.Now().UTC(),
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.TimeInForce == "" {
		o.TimeInForce = common.TIFDay
	}

	timer := monitor.NewTimer()
	ok, err := s.Orders.Submit(c.Request.Context(), o)
	s.Metrics.RecordCommand(ok, err, timer.Elapsed())
	if err != nil {
		respondGatewayError(c, "submit", err)
		return
	}
	status := http.StatusCreated
	if !ok {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"submitted": ok, "order": o.Snapshot()})
}

func (s *Server) trackedOrder(c *gin.Context) (*order.Order, bool) {
	id := c.Param("id")
	o, ok := s.Orders.Tracked(id)
	if !ok {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "no tracked order with broker id "+id)
		return nil, false
	}
	return o, true
}

func (s *Server) updateOrder(c *gin.Context) {
	o, ok := s.trackedOrder(c)
	if !ok {
		return
	}
	var req updateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	s.ordersMu.Lock()
	o.Amend(req.Quantity, req.LimitPrice, req.StopPrice)
	timer := monitor.NewTimer()
	accepted, err := s.Orders.Update(c.Request.Context(), o)
	s.ordersMu.Unlock()
	s.Metrics.RecordCommand(accepted, err, timer.Elapsed())
	if err != nil {
		respondGatewayError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitted": accepted, "order": o.Snapshot()})
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, ok := s.trackedOrder(c)
	if !ok {
		return
	}
	timer := monitor.NewTimer()
	accepted, err := s.Orders.Cancel(c.Request.Context(), o)
	s.Metrics.RecordCommand(accepted, err, timer.Elapsed())
	if err != nil {
		respondGatewayError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitted": accepted, "order": o.Snapshot()})
}

func (s *Server) listPositions(c *gin.Context) {
	timer := monitor.NewTimer()
	holdings, err := s.Orders.Positions(c.Request.Context())
	s.Metrics.RecordQuery(err, timer.Elapsed())
	if err != nil {
		respondGatewayError(c, "positions", err)
		return
	}
	if holdings == nil {
		holdings = []order.Holding{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": holdings, "count": len(holdings)})
}

func (s *Server) listBalances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balances": s.Orders.CashBalances()})
}

func parseQueryTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) getHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	start, err := parseQueryTime(q.Start)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "start must be RFC3339")
		return
	}
	end, err := parseQueryTime(q.End)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "end must be RFC3339")
		return
	}
	bars, err := s.Orders.History(c.Request.Context(), order.HistoryRequest{
		Symbol:     q.Symbol,
		Resolution: q.Resolution,
		Start:      start,
		End:        end,
	})
	if err != nil {
		respondGatewayError(c, "history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars})
}

func (s *Server) getJournal(c *gin.Context) {
	if s.Journal == nil {
		respondError(c, http.StatusNotFound, "JOURNAL_DISABLED", "message journal is disabled")
		return
	}
	var q journalQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	// Unflushed frames would otherwise be missing from the result.
	if s.JournalWriter != nil {
		if err := s.JournalWriter.Flush(); err != nil {
			log.Printf("[API] journal flush failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	msgs, err := s.Journal.RecentMessages(ctx, db.MessageFilter{
		Channel: q.Channel,
		ClOrdID: q.ClOrdID,
		Limit:   q.Limit,
	})
	if err != nil {
		log.Printf("[API] journal read failed: %v", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read journal")
		return
	}
	if msgs == nil {
		msgs = []db.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
		"limit":    q.Limit,
	})
}

func (s *Server) getReconciliation(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, http.StatusNotFound, "RECONCILIATION_DISABLED", "reconciliation is not configured")
		return
	}
	report := s.Reconciler.Last()
	if report == nil {
		respondError(c, http.StatusNotFound, "NO_REPORT", "no reconciliation has run yet")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) runReconciliation(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, http.StatusNotFound, "RECONCILIATION_DISABLED", "reconciliation is not configured")
		return
	}
	timer := monitor.NewTimer()
	report, err := s.Reconciler.Reconcile(c.Request.Context())
	s.Metrics.RecordQuery(err, timer.Elapsed())
	if err != nil {
		respondGatewayError(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

package atreyu

import (
	"time"

	"github.com/shopspring/decimal"

	"atreyu-bridge/pkg/exchanges/common"
)

// Message types on the wire (FIX MsgType values).
const (
	MsgHeartbeat          = "0"
	MsgLogout             = "5"
	MsgExecutionReport    = "8"
	MsgLogon              = "A"
	MsgNewOrderSingle     = "D"
	MsgOrderCancel        = "F"
	MsgOrderCancelReplace = "G"
	MsgOpenOrders         = "AF"
	MsgPositions          = "AN"
)

// TransactTimeLayout is the UTC timestamp format used by TransactTime fields.
const TransactTimeLayout = "20060102-15:04:05.000"

// Command is a request that travels on the request channel.
type Command interface {
	MsgType() string
}

// Logon opens the session. It is the first exchange after dialing.
type Logon struct {
	Username string
	Password string
}

func (Logon) MsgType() string { return MsgLogon }

// Logout closes the session.
type Logout struct{}

func (Logout) MsgType() string { return MsgLogout }

// NewOrderSingle places an order.
type NewOrderSingle struct {
	ClOrdID       string
	Symbol        string
	Side          common.Side
	OrderQty      int64
	OrdType       common.OrderType
	Price         decimal.Decimal // limit price, zero when not applicable
	StopPx        decimal.Decimal // stop trigger, zero when not applicable
	TimeInForce   common.TimeInForce
	ExDestination string
	Account       string
	TransactTime  time.Time
}

func (NewOrderSingle) MsgType() string { return MsgNewOrderSingle }

// OrderCancelReplaceRequest modifies a working order.
type OrderCancelReplaceRequest struct {
	OrigClOrdID string
	NewOrderSingle
}

func (OrderCancelReplaceRequest) MsgType() string { return MsgOrderCancelReplace }

// OrderCancelRequest cancels a working order.
type OrderCancelRequest struct {
	OrigClOrdID  string
	ClOrdID      string
	Symbol       string
	Side         common.Side
	OrderQty     int64
	TransactTime time.Time
}

func (OrderCancelRequest) MsgType() string { return MsgOrderCancel }

// OpenOrdersRequest lists working orders.
type OpenOrdersRequest struct {
	Account string
}

func (OpenOrdersRequest) MsgType() string { return MsgOpenOrders }

// PositionsRequest lists open positions.
type PositionsRequest struct {
	Account string
}

func (PositionsRequest) MsgType() string { return MsgPositions }

// OrdStatus is the venue's order status code.
type OrdStatus string

const (
	OrdStatusNew             OrdStatus = "0"
	OrdStatusPartiallyFilled OrdStatus = "1"
	OrdStatusFilled          OrdStatus = "2"
	OrdStatusCanceled        OrdStatus = "4"
	OrdStatusReplaced        OrdStatus = "5"
	OrdStatusPendingCancel   OrdStatus = "6"
	OrdStatusRejected        OrdStatus = "8"
	OrdStatusExpired         OrdStatus = "C"
	OrdStatusPendingReplace  OrdStatus = "E"
)

func (s OrdStatus) valid() bool {
	switch s {
	case OrdStatusNew, OrdStatusPartiallyFilled, OrdStatusFilled, OrdStatusCanceled,
		OrdStatusReplaced, OrdStatusPendingCancel, OrdStatusRejected, OrdStatusExpired,
		OrdStatusPendingReplace:
		return true
	}
	return false
}

// SubmitResponse answers NewOrderSingle, OrderCancelReplaceRequest and
// OrderCancelRequest. A non-zero Status is a business rejection.
type SubmitResponse struct {
	Status       int
	Text         string
	ClOrdID      string
	OrigClOrdID  string
	OrderID      string
	TransactTime time.Time
}

// Accepted reports whether the venue accepted the command.
func (r SubmitResponse) Accepted() bool { return r.Status == 0 }

// LogonResponse answers Logon.
type LogonResponse struct {
	Status    int
	Text      string
	SessionID string
}

// OpenOrder is one row of an OpenOrdersResult.
type OpenOrder struct {
	ClOrdID      string
	OrderID      string
	Symbol       string
	Side         common.Side
	OrdType      common.OrderType
	TimeInForce  common.TimeInForce
	OrdStatus    OrdStatus
	OrderQty     decimal.Decimal
	CumQty       decimal.Decimal
	Price        decimal.Decimal
	StopPx       decimal.Decimal
	TransactTime time.Time
}

// OpenOrdersResult answers OpenOrdersRequest. Orders is never nil.
type OpenOrdersResult struct {
	Status int
	Text   string
	Orders []OpenOrder
}

// Position is one row of an OpenPositionsResult. Quantity is signed.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgPx    decimal.Decimal
	LastPx   decimal.Decimal
}

// OpenPositionsResult answers PositionsRequest. Positions is never nil.
type OpenPositionsResult struct {
	Status    int
	Text      string
	Positions []Position
}

// ExecutionReport is the unsolicited order update pushed on the subscribe channel.
type ExecutionReport struct {
	ClOrdID      string
	OrigClOrdID  string
	OrderID      string
	ExecID       string
	ExecType     string
	OrdStatus    OrdStatus
	Symbol       string
	Side         common.Side
	CumQty       decimal.Decimal
	LeavesQty    decimal.Decimal
	LastQty      decimal.Decimal
	LastPx       decimal.Decimal
	AvgPx        decimal.Decimal
	TransactTime time.Time
	Text         string
}

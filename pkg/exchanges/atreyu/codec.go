package atreyu

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"atreyu-bridge/pkg/exchanges/common"
)

type wireCommand struct {
	MsgType       string      `json:"MsgType"`
	Username      string      `json:"Username,omitempty"`
	Password      string      `json:"Password,omitempty"`
	ClOrdID       string      `json:"ClOrdID,omitempty"`
	OrigClOrdID   string      `json:"OrigClOrdID,omitempty"`
	Symbol        string      `json:"Symbol,omitempty"`
	Side          string      `json:"Side,omitempty"`
	OrderQty      int64       `json:"OrderQty,omitempty"`
	OrdType       string      `json:"OrdType,omitempty"`
	Price         json.Number `json:"Price,omitempty"`
	StopPx        json.Number `json:"StopPx,omitempty"`
	TimeInForce   string      `json:"TimeInForce,omitempty"`
	ExDestination string      `json:"ExDestination,omitempty"`
	Account       string      `json:"Account,omitempty"`
	TransactTime  string      `json:"TransactTime,omitempty"`
}

type wireReply struct {
	MsgType      string         `json:"MsgType"`
	Status       *int           `json:"Status"`
	Text         string         `json:"Text"`
	SessionID    string         `json:"SessionID"`
	ClOrdID      string         `json:"ClOrdID"`
	OrigClOrdID  string         `json:"OrigClOrdID"`
	OrderID      string         `json:"OrderID"`
	TransactTime string         `json:"TransactTime"`
	Orders       []wireOrder    `json:"Orders"`
	Positions    []wirePosition `json:"Positions"`
}

type wireOrder struct {
	ClOrdID      string          `json:"ClOrdID"`
	OrderID      string          `json:"OrderID"`
	Symbol       string          `json:"Symbol"`
	Side         string          `json:"Side"`
	OrdType      string          `json:"OrdType"`
	TimeInForce  string          `json:"TimeInForce"`
	OrdStatus    string          `json:"OrdStatus"`
	OrderQty     decimal.Decimal `json:"OrderQty"`
	CumQty       decimal.Decimal `json:"CumQty"`
	Price        decimal.Decimal `json:"Price"`
	StopPx       decimal.Decimal `json:"StopPx"`
	TransactTime string          `json:"TransactTime"`
}

type wirePosition struct {
	Symbol   string          `json:"Symbol"`
	Quantity decimal.Decimal `json:"Quantity"`
	AvgPx    decimal.Decimal `json:"AvgPx"`
	LastPx   decimal.Decimal `json:"LastPx"`
}

type wireExecutionReport struct {
	MsgType      string          `json:"MsgType"`
	ClOrdID      string          `json:"ClOrdID"`
	OrigClOrdID  string          `json:"OrigClOrdID"`
	OrderID      string          `json:"OrderID"`
	ExecID       string          `json:"ExecID"`
	ExecType     string          `json:"ExecType"`
	OrdStatus    string          `json:"OrdStatus"`
	Symbol       string          `json:"Symbol"`
	Side         string          `json:"Side"`
	CumQty       decimal.Decimal `json:"CumQty"`
	LeavesQty    decimal.Decimal `json:"LeavesQty"`
	LastQty      decimal.Decimal `json:"LastQty"`
	LastPx       decimal.Decimal `json:"LastPx"`
	AvgPx        decimal.Decimal `json:"AvgPx"`
	TransactTime string          `json:"TransactTime"`
	Text         string          `json:"Text"`
}

// Encode renders a command as a request-channel frame.
func Encode(cmd Command) ([]byte, error) {
	var w wireCommand
	switch c := cmd.(type) {
	case Logon:
		if c.Username == "" {
			return nil, fmt.Errorf("%w: logon without username", ErrEncode)
		}
		w = wireCommand{Username: c.Username, Password: c.Password}
	case Logout:
	case NewOrderSingle:
		if err := encodeOrder(&w, c); err != nil {
			return nil, err
		}
	case OrderCancelReplaceRequest:
		if c.OrigClOrdID == "" {
			return nil, fmt.Errorf("%w: replace without OrigClOrdID", ErrEncode)
		}
		if err := encodeOrder(&w, c.NewOrderSingle); err != nil {
			return nil, err
		}
		w.OrigClOrdID = c.OrigClOrdID
	case OrderCancelRequest:
		if c.OrigClOrdID == "" || c.ClOrdID == "" {
			return nil, fmt.Errorf("%w: cancel without order identifiers", ErrEncode)
		}
		side, err := encodeSide(c.Side)
		if err != nil {
			return nil, err
		}
		w = wireCommand{
			OrigClOrdID:  c.OrigClOrdID,
			ClOrdID:      c.ClOrdID,
			Symbol:       c.Symbol,
			Side:         side,
			OrderQty:     c.OrderQty,
			TransactTime: formatTransactTime(c.TransactTime),
		}
	case OpenOrdersRequest:
		w.Account = c.Account
	case PositionsRequest:
		w.Account = c.Account
	default:
		return nil, fmt.Errorf("%w: unknown command %T", ErrEncode, cmd)
	}
	w.MsgType = cmd.MsgType()
	return json.Marshal(w)
}

func encodeOrder(w *wireCommand, o NewOrderSingle) error {
	if o.ClOrdID == "" {
		return fmt.Errorf("%w: order without ClOrdID", ErrEncode)
	}
	if o.Symbol == "" {
		return fmt.Errorf("%w: order without symbol", ErrEncode)
	}
	if o.OrderQty <= 0 {
		return fmt.Errorf("%w: order quantity %d", ErrEncode, o.OrderQty)
	}
	side, err := encodeSide(o.Side)
	if err != nil {
		return err
	}
	ordType, err := encodeOrdType(o.OrdType)
	if err != nil {
		return err
	}
	tif, err := encodeTIF(o.TimeInForce)
	if err != nil {
		return err
	}

	w.ClOrdID = o.ClOrdID
	w.Symbol = o.Symbol
	w.Side = side
	w.OrderQty = o.OrderQty
	w.OrdType = ordType
	w.TimeInForce = tif
	w.ExDestination = o.ExDestination
	w.Account = o.Account
	w.TransactTime = formatTransactTime(o.TransactTime)

	if o.OrdType.HasLimitPrice() {
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: %s order needs a positive price", ErrEncode, o.OrdType)
		}
		w.Price = formatPrice(o.Price)
	}
	if o.OrdType.HasStopPrice() {
		if !o.StopPx.IsPositive() {
			return fmt.Errorf("%w: %s order needs a positive stop price", ErrEncode, o.OrdType)
		}
		w.StopPx = formatPrice(o.StopPx)
	}
	return nil
}

// formatPrice keeps at least two decimal places so 10.5 goes out as 10.50.
func formatPrice(d decimal.Decimal) json.Number {
	if d.Exponent() >= -2 {
		return json.Number(d.StringFixed(2))
	}
	return json.Number(d.String())
}

func formatTransactTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(TransactTimeLayout)
}

func parseTransactTime(v string) (time.Time, error) {
	t, err := time.ParseInLocation(TransactTimeLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: TransactTime %q", ErrMalformed, v)
	}
	return t, nil
}

// parseOptionalTime accepts an absent timestamp but not a malformed one.
func parseOptionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return parseTransactTime(v)
}

func encodeSide(s common.Side) (string, error) {
	switch s {
	case common.SideBuy:
		return "1", nil
	case common.SideSell:
		return "2", nil
	}
	return "", fmt.Errorf("%w: side %q", ErrEncode, s)
}

func decodeSide(v string) (common.Side, error) {
	switch v {
	case "1":
		return common.SideBuy, nil
	case "2":
		return common.SideSell, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrMalformed, v)
}

func encodeOrdType(t common.OrderType) (string, error) {
	switch t {
	case common.OrderTypeMarket:
		return "1", nil
	case common.OrderTypeLimit:
		return "2", nil
	case common.OrderTypeStop:
		return "3", nil
	case common.OrderTypeStopLimit:
		return "4", nil
	}
	return "", fmt.Errorf("%w: order type %q", ErrEncode, t)
}

func decodeOrdType(v string) (common.OrderType, error) {
	switch v {
	case "1":
		return common.OrderTypeMarket, nil
	case "2":
		return common.OrderTypeLimit, nil
	case "3":
		return common.OrderTypeStop, nil
	case "4":
		return common.OrderTypeStopLimit, nil
	}
	return "", fmt.Errorf("%w: order type %q", ErrMalformed, v)
}

func encodeTIF(tif common.TimeInForce) (string, error) {
	switch tif {
	case common.TIFDay, "":
		return "0", nil
	case common.TIFGTC:
		return "1", nil
	case common.TIFIOC:
		return "3", nil
	case common.TIFFOK:
		return "4", nil
	}
	return "", fmt.Errorf("%w: time in force %q", ErrEncode, tif)
}

func decodeTIF(v string) (common.TimeInForce, error) {
	switch v {
	case "":
		return "", nil
	case "0":
		return common.TIFDay, nil
	case "1":
		return common.TIFGTC, nil
	case "3":
		return common.TIFIOC, nil
	case "4":
		return common.TIFFOK, nil
	}
	return "", fmt.Errorf("%w: time in force %q", ErrMalformed, v)
}

func decodeReply(frame []byte) (wireReply, error) {
	var w wireReply
	if err := json.Unmarshal(frame, &w); err != nil {
		return w, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Status == nil {
		return w, fmt.Errorf("%w: reply without Status", ErrMalformed)
	}
	return w, nil
}

// DecodeSubmitResponse parses the reply to a new, replace or cancel command.
func DecodeSubmitResponse(frame []byte) (SubmitResponse, error) {
	w, err := decodeReply(frame)
	if err != nil {
		return SubmitResponse{}, err
	}
	resp := SubmitResponse{
		Status:      *w.Status,
		Text:        w.Text,
		ClOrdID:     w.ClOrdID,
		OrigClOrdID: w.OrigClOrdID,
		OrderID:     w.OrderID,
	}
	if resp.Status == 0 {
		if w.ClOrdID == "" {
			return SubmitResponse{}, fmt.Errorf("%w: accepted reply without ClOrdID", ErrMalformed)
		}
		if resp.TransactTime, err = parseTransactTime(w.TransactTime); err != nil {
			return SubmitResponse{}, err
		}
		return resp, nil
	}
	if resp.TransactTime, err = parseOptionalTime(w.TransactTime); err != nil {
		return SubmitResponse{}, err
	}
	return resp, nil
}

// DecodeLogonResponse parses the reply to Logon.
func DecodeLogonResponse(frame []byte) (LogonResponse, error) {
	w, err := decodeReply(frame)
	if err != nil {
		return LogonResponse{}, err
	}
	return LogonResponse{Status: *w.Status, Text: w.Text, SessionID: w.SessionID}, nil
}

// DecodeOpenOrders parses the reply to OpenOrdersRequest.
func DecodeOpenOrders(frame []byte) (OpenOrdersResult, error) {
	w, err := decodeReply(frame)
	if err != nil {
		return OpenOrdersResult{}, err
	}
	res := OpenOrdersResult{Status: *w.Status, Text: w.Text, Orders: make([]OpenOrder, 0, len(w.Orders))}
	for i, wo := range w.Orders {
		o, err := decodeOpenOrder(wo)
		if err != nil {
			return OpenOrdersResult{}, fmt.Errorf("order %d: %w", i, err)
		}
		res.Orders = append(res.Orders, o)
	}
	return res, nil
}

func decodeOpenOrder(wo wireOrder) (OpenOrder, error) {
	if wo.ClOrdID == "" {
		return OpenOrder{}, fmt.Errorf("%w: open order without ClOrdID", ErrMalformed)
	}
	if wo.Symbol == "" {
		return OpenOrder{}, fmt.Errorf("%w: open order without Symbol", ErrMalformed)
	}
	side, err := decodeSide(wo.Side)
	if err != nil {
		return OpenOrder{}, err
	}
	ordType, err := decodeOrdType(wo.OrdType)
	if err != nil {
		return OpenOrder{}, err
	}
	tif, err := decodeTIF(wo.TimeInForce)
	if err != nil {
		return OpenOrder{}, err
	}
	status := OrdStatus(wo.OrdStatus)
	if status != "" && !status.valid() {
		return OpenOrder{}, fmt.Errorf("%w: OrdStatus %q", ErrMalformed, wo.OrdStatus)
	}
	ts, err := parseOptionalTime(wo.TransactTime)
	if err != nil {
		return OpenOrder{}, err
	}
	return OpenOrder{
		ClOrdID:      wo.ClOrdID,
		OrderID:      wo.OrderID,
		Symbol:       wo.Symbol,
		Side:         side,
		OrdType:      ordType,
		TimeInForce:  tif,
		OrdStatus:    status,
		OrderQty:     wo.OrderQty,
		CumQty:       wo.CumQty,
		Price:        wo.Price,
		StopPx:       wo.StopPx,
		TransactTime: ts,
	}, nil
}

// DecodePositions parses the reply to PositionsRequest.
func DecodePositions(frame []byte) (OpenPositionsResult, error) {
	w, err := decodeReply(frame)
	if err != nil {
		return OpenPositionsResult{}, err
	}
	res := OpenPositionsResult{Status: *w.Status, Text: w.Text, Positions: make([]Position, 0, len(w.Positions))}
	for _, wp := range w.Positions {
		if wp.Symbol == "" {
			return OpenPositionsResult{}, fmt.Errorf("%w: position without Symbol", ErrMalformed)
		}
		res.Positions = append(res.Positions, Position{
			Symbol:   wp.Symbol,
			Quantity: wp.Quantity,
			AvgPx:    wp.AvgPx,
			LastPx:   wp.LastPx,
		})
	}
	return res, nil
}

// DecodePush parses a subscribe-channel frame. Frames other than execution
// reports return ErrIgnoredMessage.
func DecodePush(frame []byte) (ExecutionReport, error) {
	var w wireExecutionReport
	if err := json.Unmarshal(frame, &w); err != nil {
		return ExecutionReport{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.MsgType {
	case MsgExecutionReport:
	case "":
		return ExecutionReport{}, fmt.Errorf("%w: push without MsgType", ErrMalformed)
	default:
		return ExecutionReport{}, ErrIgnoredMessage
	}
	if w.ClOrdID == "" {
		return ExecutionReport{}, fmt.Errorf("%w: execution report without ClOrdID", ErrMalformed)
	}
	status := OrdStatus(w.OrdStatus)
	if !status.valid() {
		return ExecutionReport{}, fmt.Errorf("%w: OrdStatus %q", ErrMalformed, w.OrdStatus)
	}
	var side common.Side
	if w.Side != "" {
		s, err := decodeSide(w.Side)
		if err != nil {
			return ExecutionReport{}, err
		}
		side = s
	}
	ts, err := parseOptionalTime(w.TransactTime)
	if err != nil {
		return ExecutionReport{}, err
	}
	return ExecutionReport{
		ClOrdID:      w.ClOrdID,
		OrigClOrdID:  w.OrigClOrdID,
		OrderID:      w.OrderID,
		ExecID:       w.ExecID,
		ExecType:     w.ExecType,
		OrdStatus:    status,
		Symbol:       w.Symbol,
		Side:         side,
		CumQty:       w.CumQty,
		LeavesQty:    w.LeavesQty,
		LastQty:      w.LastQty,
		LastPx:       w.LastPx,
		AvgPx:        w.AvgPx,
		TransactTime: ts,
		Text:         w.Text,
	}, nil
}

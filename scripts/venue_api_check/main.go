package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atreyu-bridge/pkg/config"
	"atreyu-bridge/pkg/exchanges/atreyu"
	"atreyu-bridge/pkg/exchanges/common"
)

// venue_api_check/main.go
//
// Quick probe of the raw venue protocol, below the order gateway.
//
// Usage (use a test account; order placement is off by default):
//
//   go run ./scripts/venue_api_check
//
// Venue settings are the bridge's own (ATREYU_* / CONFIG_FILE).
//
// Control:
//   VENUE_CHECK_PLACE_ORDERS  (default "false")
//        - false: logon, open orders and positions only
//        - true : also sends a 1-share LIMIT BUY far from the market and cancels it
//
//   CHECK_SYMBOL              (default "AAPL")
//   CHECK_LIMIT_PRICE         (default "1.00")

func main() {
	log.Println("=== Venue API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	placeOrders := getenv("VENUE_CHECK_PLACE_ORDERS", "false") == "true"
	symbol := getenv("CHECK_SYMBOL", "AAPL")
	price, err := decimal.NewFromString(getenv("CHECK_LIMIT_PRICE", "1.00"))
	if err != nil {
		log.Fatalf("CHECK_LIMIT_PRICE: %v", err)
	}
	log.Printf("Config: placeOrders=%v symbol=%s price=%s host=%s", placeOrders, symbol, price, cfg.Venue.Host)

	client := atreyu.New(atreyu.Config{
		TransportConfig: atreyu.TransportConfig{
			Host:          cfg.Venue.Host,
			RequestPort:   cfg.Venue.RequestPort,
			SubscribePort: cfg.Venue.SubscribePort,
			Timeout:       cfg.Venue.ExchangeTimeout,
			PingInterval:  cfg.Venue.PingInterval,
		},
		Username: cfg.Venue.Username,
		Password: cfg.Venue.Password,
		Account:  cfg.Venue.Account,
	})
	client.SetPushHandler(func(rep atreyu.ExecutionReport) {
		log.Printf("[PUSH] %s status=%s cum=%s last=%s@%s %s", rep.ClOrdID, rep.OrdStatus, rep.CumQty, rep.LastQty, rep.LastPx, rep.Text)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("[SESSION] logon error: %v", err)
	}
	log.Printf("[SESSION] logged on, session=%s", client.SessionID())
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Printf("[SESSION] logout error: %v", err)
		}
		log.Printf("[SESSION] gate stats: %+v", client.Stats())
		log.Println("=== Venue API check finished ===")
	}()

	checkQueries(client)
	if !placeOrders {
		log.Println("[ORDER] Skip placing/canceling orders (VENUE_CHECK_PLACE_ORDERS=false)")
		return
	}
	checkOrderRoundTrip(client, symbol, price)
}

func checkQueries(c *atreyu.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	open, err := c.OpenOrders(ctx)
	if err != nil {
		log.Printf("[QUERY] OpenOrders error: %v", err)
	} else {
		log.Printf("[QUERY] OpenOrders status=%d count=%d %s", open.Status, len(open.Orders), open.Text)
		for _, o := range open.Orders {
			log.Printf("[QUERY]   %s %s %s %s qty=%s cum=%s px=%s", o.ClOrdID, o.Symbol, o.Side, o.OrdStatus, o.OrderQty, o.CumQty, o.Price)
		}
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	pos, err := c.Positions(ctx2)
	if err != nil {
		log.Printf("[QUERY] Positions error: %v", err)
		return
	}
	log.Printf("[QUERY] Positions status=%d count=%d %s", pos.Status, len(pos.Positions), pos.Text)
	for _, p := range pos.Positions {
		log.Printf("[QUERY]   %s qty=%s avg=%s last=%s", p.Symbol, p.Quantity, p.AvgPx, p.LastPx)
	}
}

func checkOrderRoundTrip(c *atreyu.Client, symbol string, price decimal.Decimal) {
	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Printf("[ORDER] Submitting test LIMIT BUY %s qty=1 px=%s id=%s", symbol, price, id)
	res, err := c.NewOrder(ctx, atreyu.NewOrderSingle{
		ClOrdID:      id,
		Symbol:       symbol,
		Side:         common.SideBuy,
		OrderQty:     1,
		OrdType:      common.OrderTypeLimit,
		Price:        price,
		TimeInForce:  common.TIFDay,
		TransactTime: time.Now(),
	})
	if err != nil {
		log.Printf("[ORDER] NewOrder error: %v", err)
		return
	}
	if !res.Accepted() {
		log.Printf("[ORDER] NewOrder rejected status=%d: %s", res.Status, res.Text)
		return
	}
	log.Printf("[ORDER] NewOrder OK order_id=%s", res.OrderID)

	// Give the push channel a moment to deliver the new-order report.
	time.Sleep(time.Second)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	cres, err := c.CancelOrder(ctx2, atreyu.OrderCancelRequest{
		OrigClOrdID:  id,
		ClOrdID:      id,
		Symbol:       symbol,
		Side:         common.SideBuy,
		OrderQty:     1,
		TransactTime: time.Now(),
	})
	switch {
	case err != nil:
		log.Printf("[ORDER] CancelOrder error: %v", err)
	case !cres.Accepted():
		log.Printf("[ORDER] CancelOrder rejected (may be filled already) status=%d: %s", cres.Status, cres.Text)
	default:
		log.Println("[ORDER] CancelOrder OK")
	}
	time.Sleep(time.Second)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

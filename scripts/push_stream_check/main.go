package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/order"
	"atreyu-bridge/pkg/config"
	"atreyu-bridge/pkg/exchanges/atreyu"
)

// This script checks the venue's execution-report push channel end to end:
// - logs on through the order gateway
// - keeps the subscribe channel attached (redialling as needed)
// - logs every lifecycle event the gateway derives from pushes
//
// Usage:
//   go run ./scripts/push_stream_check
//
// Venue settings come from .env / CONFIG_FILE exactly as for the bridge.
// Orders placed on the account from any other session will show up here only
// if the venue fans their reports out to this session.

func main() {
	log.Println("=== Push stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

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

	bus := events.NewBus()
	gw := order.NewGateway(client, order.Config{})
	gw.OnEvent(order.PublishTo(bus))

	sub, unsubscribe := bus.Subscribe(events.EventOrderUpdate, 100)
	defer unsubscribe()
	go func() {
		for msg := range sub {
			ev, ok := msg.(order.LifecycleEvent)
			if !ok {
				continue
			}
			log.Printf("[EVENT] %s %s %s status=%s fill=%s@%s %s",
				ev.BrokerID, ev.Symbol, ev.Side, ev.Status, ev.FillQty, ev.FillPrice, ev.Message)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Venue.ExchangeTimeout)
	err = gw.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("connect error: %v", err)
	}
	log.Printf("Session %s established on %s. Pushes for unknown orders are logged and dropped by the gateway.",
		client.SessionID(), cfg.Venue.Host)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case <-sigCh:
		log.Println("Interrupt received, shutting down push stream check...")
	case <-time.After(10 * time.Minute):
		log.Println("Timeout reached, stopping push stream check...")
	}

	if err := gw.Disconnect(); err != nil {
		log.Printf("disconnect error: %v", err)
	}
	log.Printf("gate stats: %+v", client.Stats())
	log.Println("=== Push stream check finished ===")
}

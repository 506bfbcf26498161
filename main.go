package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"atreyu-bridge/internal/api"
	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/monitor"
	"atreyu-bridge/internal/order"
	"atreyu-bridge/internal/persistence"
	"atreyu-bridge/internal/reconciliation"
	"atreyu-bridge/pkg/config"
	"atreyu-bridge/pkg/db"
	"atreyu-bridge/pkg/exchanges/atreyu"
)

var buildVersion = "dev"

const journalRetention = 7 * 24 * time.Hour

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}
	log.Printf("config loaded: api port %s, venue %s:%d/%d, account %s",
		cfg.Port, cfg.Venue.Host, cfg.Venue.RequestPort, cfg.Venue.SubscribePort, cfg.Venue.Account)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	// Wire journal
	var (
		database *db.Database
		journal  *db.Journal
		writer   *persistence.BatchWriter
	)
	if cfg.JournalEnabled {
		database, err = db.New(cfg.JournalPath)
		if err != nil {
			log.Fatalf("journal open failed: %v", err)
		}
		if err := db.ApplyMigrations(database); err != nil {
			log.Fatalf("journal migrations failed: %v", err)
		}
		journal = database.Journal()
		writer = persistence.NewBatchWriter(journal, 100, time.Second)
		client.SetRecorder(writer)
		go pruneJournal(ctx, journal)
		log.Printf("journal enabled at %s", cfg.JournalPath)
	}

	bus := events.NewBus()
	client.SetLinkHandler(events.PublishLinks(bus))
	gateway := order.NewGateway(client, order.Config{
		CommandRate:  cfg.CommandRate,
		CommandBurst: cfg.CommandBurst,
		CashCurrency: cfg.CashCurrency,
		CashBalance:  cfg.CashBalance,
	})
	gateway.OnEvent(order.PublishTo(bus))

	metrics := monitor.NewSystemMetrics()
	gateway.OnEvent(metrics.ObserveEvent)
	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}
	mon.Start(ctx)

	reconciler := reconciliation.NewService(gateway, cfg.ReconcileInterval)

	var forwarder *events.Forwarder
	if len(cfg.KafkaBrokers) > 0 {
		forwarder = events.NewForwarder(bus, events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		forwarder.Start(ctx)
		log.Printf("forwarding events to kafka topic %s on %v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}

	// A nil *db.Journal must not reach the interface field.
	var journalReader api.JournalReader
	if journal != nil {
		journalReader = journal
	}

	server, err := api.NewServer(api.Deps{
		Orders:        gateway,
		Bus:           bus,
		Session:       client,
		Journal:       journalReader,
		JournalWriter: writer,
		Metrics:       metrics,
		Reconciler:    reconciler,
		JWTSecret:     cfg.JWTSecret,
		Admin: api.Admin{
			Username:     cfg.AdminUsername,
			Password:     cfg.AdminPassword,
			PasswordHash: cfg.AdminPasswordHash,
		},
		Meta: api.SystemMeta{
			Venue:   cfg.Venue.Host + ":" + strconv.Itoa(cfg.Venue.RequestPort),
			Account: cfg.Venue.Account,
			Version: buildVersion,
		},
	})
	if err != nil {
		log.Fatalf("api init failed: %v", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 2*cfg.Venue.ExchangeTimeout)
	if err := gateway.Connect(connectCtx); err != nil {
		// The operator can retry through POST /api/connect.
		log.Printf("venue connect failed: %v", err)
	} else {
		if writer != nil {
			writer.SetSessionID(client.SessionID())
		}
		bus.Publish(events.EventConnection, events.ConnectionChange{
			Connected: true,
			SessionID: client.SessionID(),
			Reason:    "startup",
			Time:      time.Now().UTC(),
		})
		log.Printf("venue session %s established", client.SessionID())
	}
	cancel()

	reconciler.Start(ctx)

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
	if err := gateway.Disconnect(); err != nil {
		log.Printf("venue disconnect: %v", err)
	}
	if forwarder != nil {
		if err := forwarder.Close(); err != nil {
			log.Printf("kafka forwarder close: %v", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Printf("journal close: %v", err)
		}
	}
	if database != nil {
		if err := database.Close(); err != nil {
			log.Printf("journal db close: %v", err)
		}
	}
}

// pruneJournal drops frames older than journalRetention once an hour.
func pruneJournal(ctx context.Context, j *db.Journal) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.PruneBefore(ctx, time.Now().Add(-journalRetention))
			if err != nil {
				log.Printf("journal prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("journal pruned %d frames", n)
			}
		}
	}
}

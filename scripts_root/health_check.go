package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"atreyu-bridge/pkg/config"
	"atreyu-bridge/pkg/db"
	"atreyu-bridge/pkg/exchanges/atreyu"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	fmt.Println("🏥 Atreyu Bridge Health Check")
	fmt.Println("============================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services, checkJournal(cfg))
		report.Services = append(report.Services, checkVenue(ctx, cfg))
		report.Services = append(report.Services, checkAPIServer(ctx, cfg))
	}

	// Determine overall status
	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	// Print results
	fmt.Println()
	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := HealthStatus{
		Service:   "Configuration",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}
	if err := cfg.Validate(); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return nil, status
	}

	status.Message = fmt.Sprintf("Port=%s Venue=%s:%d/%d", cfg.Port, cfg.Venue.Host, cfg.Venue.RequestPort, cfg.Venue.SubscribePort)
	return cfg, status
}

func checkJournal(cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "Journal",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}
	if !cfg.JournalEnabled {
		status.Status = "DEGRADED"
		status.Message = "Disabled"
		return status
	}

	database, err := db.New(cfg.JournalPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Open failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	status.Message = cfg.JournalPath
	return status
}

// checkVenue logs on and off with the configured credentials. The venue may
// allow only one session per user, so run it while the bridge is stopped or
// expect a rejected logon.
func checkVenue(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "Atreyu Venue",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	client := atreyu.New(atreyu.Config{
		TransportConfig: atreyu.TransportConfig{
			Host:          cfg.Venue.Host,
			RequestPort:   cfg.Venue.RequestPort,
			SubscribePort: cfg.Venue.SubscribePort,
			Timeout:       cfg.Venue.ExchangeTimeout,
		},
		Username: cfg.Venue.Username,
		Password: cfg.Venue.Password,
		Account:  cfg.Venue.Account,
	})

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Logon failed: %v", err)
		return status
	}
	sessionID := client.SessionID()
	if err := client.Disconnect(); err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Logout failed: %v", err)
		return status
	}

	status.Message = fmt.Sprintf("Session %s (logon %s)", sessionID, time.Since(start).Round(time.Millisecond))
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "API Server",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	var body struct {
		Connected bool `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && !body.Connected {
		status.Status = "DEGRADED"
		status.Message = "Running, venue disconnected"
		return status
	}

	status.Message = "Running"
	return status
}

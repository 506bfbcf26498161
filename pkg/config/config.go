package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// VenueConfig locates and authenticates against the Atreyu venue. It can
// come from the YAML file named by CONFIG_FILE; environment variables win.
type VenueConfig struct {
	Host            string        `yaml:"host"`
	RequestPort     int           `yaml:"request_port"`
	SubscribePort   int           `yaml:"subscribe_port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Account         string        `yaml:"account"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
}

// Config holds environment-driven settings for the bridge.
type Config struct {
	Port string

	Venue VenueConfig

	// Outbound command throttle
	CommandRate  float64
	CommandBurst int

	// Fixed cash balance reported to callers
	CashCurrency string
	CashBalance  decimal.Decimal

	// Admin API auth
	JWTSecret         string
	AdminUsername     string
	AdminPassword     string
	AdminPasswordHash string // bcrypt; preferred over AdminPassword

	// Wire journal
	JournalEnabled bool
	JournalPath    string

	// Open-order reconciliation; 0 disables
	ReconcileInterval time.Duration

	// Optional Kafka fan-out of lifecycle and connection events
	KafkaBrokers []string
	KafkaTopic   string

	ConfigFile string
}

var ErrInvalidConfig = errors.New("invalid config")

// Load reads .env (if present), the optional YAML venue file, then
// environment variables.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	venue := VenueConfig{
		ExchangeTimeout: 10 * time.Second,
		PingInterval:    30 * time.Second,
	}
	configFile := os.Getenv("CONFIG_FILE")
	if configFile != "" {
		if err := loadVenueFile(configFile, &venue); err != nil {
			return nil, err
		}
	}

	venue.Host = getEnv("ATREYU_HOST", venue.Host)
	venue.RequestPort = getEnvInt("ATREYU_REQUEST_PORT", venue.RequestPort)
	venue.SubscribePort = getEnvInt("ATREYU_SUBSCRIBE_PORT", venue.SubscribePort)
	venue.Username = getEnv("ATREYU_USERNAME", venue.Username)
	venue.Password = getEnv("ATREYU_PASSWORD", venue.Password)
	venue.Account = getEnv("ATREYU_ACCOUNT", venue.Account)
	if ms := getEnvInt("ATREYU_EXCHANGE_TIMEOUT_MS", 0); ms > 0 {
		venue.ExchangeTimeout = time.Duration(ms) * time.Millisecond
	}
	if s := getEnvInt("ATREYU_PING_INTERVAL_S", -1); s >= 0 {
		venue.PingInterval = time.Duration(s) * time.Second
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Venue:             venue,
		CommandRate:       getEnvFloat("COMMAND_RATE", 20),
		CommandBurst:      getEnvInt("COMMAND_BURST", 5),
		CashCurrency:      getEnv("CASH_CURRENCY", "USD"),
		CashBalance:       getEnvDecimal("CASH_BALANCE", decimal.Zero),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		JournalEnabled:    getEnv("JOURNAL_ENABLED", "true") == "true",
		JournalPath:       getEnv("JOURNAL_PATH", "./data/journal.db"),
		ReconcileInterval: time.Duration(getEnvInt("RECONCILE_INTERVAL_S", 60)) * time.Second,
		KafkaBrokers:      getEnvList("EVENTS_KAFKA_BROKERS"),
		KafkaTopic:        getEnv("EVENTS_KAFKA_TOPIC", "atreyu.order-events"),
		ConfigFile:        configFile,
	}, nil
}

func loadVenueFile(path string, venue *VenueConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var doc struct {
		Venue *VenueConfig `yaml:"venue"`
	}
	doc.Venue = venue
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the bridge cannot start with.
func (c *Config) Validate() error {
	v := c.Venue
	switch {
	case v.Host == "":
		return fmt.Errorf("%w: ATREYU_HOST is required", ErrInvalidConfig)
	case !validPort(v.RequestPort):
		return fmt.Errorf("%w: ATREYU_REQUEST_PORT %d", ErrInvalidConfig, v.RequestPort)
	case !validPort(v.SubscribePort):
		return fmt.Errorf("%w: ATREYU_SUBSCRIBE_PORT %d", ErrInvalidConfig, v.SubscribePort)
	case v.RequestPort == v.SubscribePort:
		return fmt.Errorf("%w: request and subscribe ports must differ", ErrInvalidConfig)
	case v.Username == "":
		return fmt.Errorf("%w: ATREYU_USERNAME is required", ErrInvalidConfig)
	case c.CommandRate < 0:
		return fmt.Errorf("%w: COMMAND_RATE must not be negative", ErrInvalidConfig)
	case c.ReconcileInterval < 0:
		return fmt.Errorf("%w: RECONCILE_INTERVAL_S must not be negative", ErrInvalidConfig)
	case len(c.KafkaBrokers) > 0 && c.KafkaTopic == "":
		return fmt.Errorf("%w: EVENTS_KAFKA_TOPIC is required with EVENTS_KAFKA_BROKERS", ErrInvalidConfig)
	case c.JournalEnabled && c.JournalPath == "":
		return fmt.Errorf("%w: JOURNAL_PATH is required when the journal is enabled", ErrInvalidConfig)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

package bank

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/exp/slog"
)

// Config is a configuration for the bank application. Every component receives it
// (or the part it needs) at construction.
type Config struct {
	HTTPAddr    string
	ISO8583Addr string

	// ClearingHubAddr is the ISO 8583 address of the clearing hub. When empty,
	// ClearingHubURL (JSON over HTTP) is used instead.
	ClearingHubAddr string
	ClearingHubURL  string
	// CounterpartBankURL links directly to another bank's clearing endpoint and is
	// used when no hub is configured.
	CounterpartBankURL string

	// PANPrefix is this bank's identification prefix (BIN).
	PANPrefix      string
	PaymentPageURL string

	SettlementSchedule string
	ReservationTTL     time.Duration
	// ClearingSettlementAccount receives funds reserved for foreign acquirers.
	ClearingSettlementAccount string

	PSPURL       string
	KafkaBrokers []string
	KafkaTopic   string

	RepoBackend string
	DBDSN       string
	PANHashKey  string

	RelayMaxAttempts  int
	RelayBaseBackoff  time.Duration
	RelayPollInterval time.Duration

	// ExpiryTZ is an IANA timezone name used to decide card expiry.
	ExpiryTZ string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:                  "localhost:9090",
		ISO8583Addr:               "localhost:8583",
		PANPrefix:                 "421234",
		PaymentPageURL:            "http://localhost:9090/pay",
		SettlementSchedule:        "@every 1m",
		ReservationTTL:            30 * time.Minute,
		ClearingSettlementAccount: "CLEARING-SETTLEMENT",
		KafkaTopic:                "bank.transactions",
		RepoBackend:               "mem",
		PANHashKey:                "dev-secret-pepper",
		RelayMaxAttempts:          5,
		RelayBaseBackoff:          2 * time.Second,
		RelayPollInterval:         time.Second,
		ExpiryTZ:                  "UTC",
	}
}

// LoadConfig reads a .env file when present and overlays environment variables on
// DefaultConfig.
func LoadConfig(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, relying on environment")
	}
	cfg := DefaultConfig()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ISO8583Addr = getenv("ISO8583_ADDR", cfg.ISO8583Addr)
	cfg.ClearingHubAddr = getenv("CLEARING_HUB_ADDR", cfg.ClearingHubAddr)
	cfg.ClearingHubURL = getenv("CLEARING_HUB_URL", cfg.ClearingHubURL)
	cfg.CounterpartBankURL = getenv("COUNTERPART_BANK_URL", cfg.CounterpartBankURL)
	cfg.PANPrefix = getenv("BANK_PAN_PREFIX", cfg.PANPrefix)
	cfg.PaymentPageURL = getenv("PAYMENT_PAGE_URL", cfg.PaymentPageURL)
	cfg.SettlementSchedule = getenv("SETTLEMENT_SCHEDULE", cfg.SettlementSchedule)
	cfg.ClearingSettlementAccount = getenv("CLEARING_SETTLEMENT_ACCOUNT", cfg.ClearingSettlementAccount)
	cfg.PSPURL = getenv("PSP_URL", cfg.PSPURL)
	cfg.KafkaTopic = getenv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.RepoBackend = getenv("REPO_BACKEND", "pg")
	cfg.DBDSN = getenv("DB_DSN", cfg.DBDSN)
	cfg.PANHashKey = getenv("PAN_HASH_KEY", cfg.PANHashKey)
	cfg.ExpiryTZ = getenv("EXPIRY_TZ", cfg.ExpiryTZ)

	if v := getenv("KAFKA_BROKERS", ""); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := getenv("RESERVATION_TTL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("RESERVATION_TTL: %w", err)
		}
		cfg.ReservationTTL = d
	}
	if v := getenv("RELAY_MAX_ATTEMPTS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("RELAY_MAX_ATTEMPTS must be a positive integer, got %q", v)
		}
		cfg.RelayMaxAttempts = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that would make the core misbehave.
func (c *Config) Validate() error {
	if c.PANPrefix == "" {
		return fmt.Errorf("BANK_PAN_PREFIX is required")
	}
	for _, r := range c.PANPrefix {
		if r < '0' || r > '9' {
			return fmt.Errorf("BANK_PAN_PREFIX must be digits, got %q", c.PANPrefix)
		}
	}
	if c.PaymentPageURL == "" {
		return fmt.Errorf("PAYMENT_PAGE_URL is required")
	}
	if c.RepoBackend == "pg" && c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required for pg backend")
	}
	return nil
}

func (c *Config) location() *time.Location {
	if c.ExpiryTZ == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ExpiryTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

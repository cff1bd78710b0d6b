package bank_test

import (
	"testing"
	"time"

	"github.com/jonanatree/cyberbank/bank"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("REPO_BACKEND", "mem")
	t.Setenv("BANK_PAN_PREFIX", "510510")
	t.Setenv("RESERVATION_TTL", "5m")
	t.Setenv("RELAY_MAX_ATTEMPTS", "7")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("COUNTERPART_BANK_URL", "http://bank-b:9090")

	cfg, err := bank.LoadConfig(slog.Default())
	require.NoError(t, err)
	require.Equal(t, "510510", cfg.PANPrefix)
	require.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	require.Equal(t, 7, cfg.RelayMaxAttempts)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "http://bank-b:9090", cfg.CounterpartBankURL)
	require.Equal(t, "bank.transactions", cfg.KafkaTopic)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"prefix with letters", map[string]string{"BANK_PAN_PREFIX": "42A"}},
		{"bad ttl", map[string]string{"RESERVATION_TTL": "soon"}},
		{"bad attempts", map[string]string{"RELAY_MAX_ATTEMPTS": "0"}},
		{"pg without dsn", map[string]string{"REPO_BACKEND": "pg", "DB_DSN": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("REPO_BACKEND", "mem")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := bank.LoadConfig(slog.Default())
			require.Error(t, err)
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, bank.DefaultConfig().Validate())
}

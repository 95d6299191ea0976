package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, []string{"vote_events", "achievement_events"}, cfg.ConsumerTopics)
	require.Equal(t, 2*time.Second, cfg.LockTimeout)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 25*time.Millisecond, cfg.RetryBackoff)
	require.Equal(t, time.UTC, cfg.Location())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "750ms")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "5")
	t.Setenv("LEDGER_TIMEZONE", "Europe/Berlin")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, "Europe/Berlin", cfg.Location().String())
	require.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad driver":    {"STORE_DRIVER": "sqlite"},
		"zero attempts": {"LEDGER_MAX_ATTEMPTS": "0"},
		"bad timezone":  {"LEDGER_TIMEZONE": "Mars/Olympus"},
		"bad duration":  {"LEDGER_LOCK_TIMEOUT": "soon"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

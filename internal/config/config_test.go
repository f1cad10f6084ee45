package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("RALLY_JWT_SECRET", "secret")
	t.Setenv("RALLY_JWT_REFRESH_SECRET", "refresh")
	t.Setenv("RALLY_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "cloudinary", cfg.StorageDriver)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 25*time.Second, cfg.SSEKeepAlive)
	require.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	require.Equal(t, 50, cfg.HistoryPageSize)
	require.Equal(t, "*", cfg.CORSAllowOrigins)
}

func TestLoadRejectsMissingSecretsAndUnknownDriver(t *testing.T) {
	t.Setenv("RALLY_JWT_SECRET", "")
	t.Setenv("RALLY_JWT_REFRESH_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("RALLY_JWT_SECRET", "secret")
	t.Setenv("RALLY_JWT_REFRESH_SECRET", "refresh")
	t.Setenv("RALLY_STORAGE_DRIVER", "ftp")
	_, err = Load()
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RALLY_JWT_SECRET", "secret")
	t.Setenv("RALLY_JWT_REFRESH_SECRET", "refresh")
	t.Setenv("RALLY_SHUTDOWN_GRACE", "soon")
	_, err := Load()
	require.ErrorContains(t, err, "shutdown.grace")
}

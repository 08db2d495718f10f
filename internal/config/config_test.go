package config

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Empty(t, cfg.DatabaseDSN)
	require.Equal(t, 64, cfg.OutboxSize)
	require.Equal(t, 5*time.Second, cfg.WriteTimeout)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, 30*time.Second, cfg.EmptyGrace)
	require.Zero(t, cfg.InboundRPS, "inbound limiter is off unless configured")
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIVESYNC_ADDR", "127.0.0.1:9999")
	t.Setenv("LIVESYNC_OUTBOX_SIZE", "8")
	t.Setenv("LIVESYNC_ORIGIN_PATTERNS", "app.antioch.example,localhost:*")
	t.Setenv("LIVESYNC_LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.Addr)
	require.Equal(t, 8, cfg.OutboxSize)
	require.Equal(t, []string{"app.antioch.example", "localhost:*"}, cfg.OriginPatterns)
	require.Equal(t, "console", cfg.LogFormat)
}

func TestLoad_Rejects(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{name: "not a number", key: "LIVESYNC_OUTBOX_SIZE", value: "lots"},
		{name: "zero outbox", key: "LIVESYNC_OUTBOX_SIZE", value: "0"},
		{name: "bad duration", key: "LIVESYNC_WRITE_TIMEOUT", value: "soon"},
		{name: "unknown log format", key: "LIVESYNC_LOG_FORMAT", value: "xml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

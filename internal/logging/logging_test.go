package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesync.log")

	log, flush, err := New(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	log.Debug("room opened", zap.String("session", "K3J9QZ"))
	flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"session":"K3J9QZ"`)
	require.Contains(t, string(data), `"msg":"room opened"`)
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesync.log")

	log, flush, err := New(Options{Level: "warn", File: path})
	require.NoError(t, err)
	log.Info("quiet")
	log.Warn("loud")
	flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "quiet")
	require.Contains(t, string(data), "loud")
}

func TestNew_RejectsBadOptions(t *testing.T) {
	cases := []struct {
		name string
		opts Options
	}{
		{name: "level", opts: Options{Level: "chatty"}},
		{name: "format", opts: Options{Format: "xml"}},
		{name: "directory as file", opts: Options{File: t.TempDir()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := New(tc.opts)
			require.Error(t, err)
		})
	}
}

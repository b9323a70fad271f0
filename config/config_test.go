package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 1024, cfg.MaxBufferSize)
	require.Equal(t, 500*time.Millisecond, cfg.BaseReconnectDelay)
	require.Equal(t, 30*time.Second, cfg.MaxReconnectDelay)
	require.Equal(t, 5*time.Minute, cfg.DefaultStaleThreshold)
	require.Empty(t, cfg.Namespace)
}

func TestLoadOverlaysOnlyProvidedFields(t *testing.T) {
	t.Parallel()

	data := []byte(`
heartbeat_interval_ms: 1000
namespace: acme
`)
	cfg, err := Load(data)
	require.NoError(t, err)

	require.Equal(t, time.Second, cfg.HeartbeatInterval)
	require.Equal(t, "acme", cfg.Namespace)
	// Untouched fields keep their defaults.
	require.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 1024, cfg.MaxBufferSize)
}

func TestLoadEmptyDocumentReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]byte(``))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFileMissingReturnsError(t *testing.T) {
	t.Parallel()

	_, err := LoadFile("/nonexistent/path/to/config.yaml")
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte("not: [valid yaml"))
	require.Error(t, err)
}

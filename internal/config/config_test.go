package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flowrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "general:\n  listen_port: 9001\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9001, cfg.General.ListenPort)
	require.Equal(t, 2056, cfg.General.OutputPort)
	require.Equal(t, 9999, cfg.General.StatsPort)
	require.Equal(t, 4, cfg.Performance.Workers)
	require.Equal(t, 10000, cfg.Performance.QueueSize)
	require.True(t, cfg.Enrichment.ASExtraction)
	require.False(t, cfg.Enrichment.EnrichInPlace)
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, "general:\n  listen_port: 70000\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, "general:\n  log_level: VERBOSE\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsCollectorWithoutHost(t *testing.T) {
	path := writeConfig(t, "forwarding:\n  collectors:\n    - port: 2056\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestResolvedCollectorsFillsDefaultPort(t *testing.T) {
	path := writeConfig(t, `
general:
  output_port: 2056
forwarding:
  collectors:
    - host: 10.0.0.5
    - host: 10.0.0.6
      port: 9996
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	collectors := cfg.ResolvedCollectors()
	require.Len(t, collectors, 2)
	require.Equal(t, 2056, collectors[0].Port)
	require.Equal(t, 9996, collectors[1].Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

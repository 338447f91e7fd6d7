package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TABVOLUME_BIND_ADDR", "")
	t.Setenv("TABVOLUME_MAX_VOLUME", "")
	t.Setenv("TABVOLUME_SCAN_INTERVAL_MS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8190", cfg.BindAddr)
	assert.Equal(t, 600.0, cfg.MaxVolume)
	assert.Equal(t, 5000, cfg.ScanIntervalMS)
	assert.Len(t, cfg.PortCandidates, 3)
}

func TestLoadOverridesAndClamps(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("TABVOLUME_EVAL_TIMEOUT_MS", "10")
	t.Setenv("TABVOLUME_PORT_CANDIDATES", " 127.0.0.1:9001, ,127.0.0.1:9002 ")
	t.Setenv("TABVOLUME_LOG_LEVEL", "DEBUG")
	t.Setenv("TABVOLUME_MAX_VOLUME", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9333", cfg.CDPURL())
	assert.Equal(t, 1000, cfg.EvalTimeoutMS)
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, cfg.PortCandidates)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 300.0, cfg.MaxVolume)
}

func TestLoadRejectsLowCeiling(t *testing.T) {
	t.Setenv("TABVOLUME_MAX_VOLUME", "50")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	body := `exclude:
  - "*://*.internal.example/*"
relay_exclude:
  - "https://meet.google.com/*"
startup_urls:
  - "https://www.youtube.com/"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, err := LoadFilters(path)
	require.NoError(t, err)
	assert.True(t, f.Hidden("https://wiki.internal.example/page"))
	assert.False(t, f.Hidden("https://www.youtube.com/watch?v=1"))
	assert.False(t, f.RelayAllowed("https://meet.google.com/abc-defg-hij"))
	assert.True(t, f.RelayAllowed("https://www.youtube.com/"))
	assert.Equal(t, []string{"https://www.youtube.com/"}, f.StartupURLs)
}

func TestLoadFiltersMissingFile(t *testing.T) {
	f, err := LoadFilters(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.False(t, f.Hidden("https://anything/"))
	assert.True(t, f.RelayAllowed("https://anything/"))
}

func TestCompileFiltersValidation(t *testing.T) {
	_, err := CompileFilters(FilterFile{Exclude: []string{""}})
	assert.Error(t, err)
	_, err = CompileFilters(FilterFile{RelayExclude: []string{"[unclosed"}})
	assert.Error(t, err)
	_, err = CompileFilters(FilterFile{StartupURLs: []string{"not a url"}})
	assert.Error(t, err)
}

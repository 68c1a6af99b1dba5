package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_WatchFile_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.json")

	initial := map[string]interface{}{
		"breakers": map[string]CircuitBreakerConfig{
			"notion": {FailureThreshold: 5, ResetTimeout: 30 * time.Second, SuccessThreshold: 2},
		},
	}
	data, err := json.Marshal(initial)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	reloaded := make(chan *Config, 1)
	stop, err := cfg.WatchFile(path, func(c *Config) {
		reloaded <- c
	})
	require.NoError(t, err)
	defer stop()

	updated := map[string]interface{}{
		"breakers": map[string]CircuitBreakerConfig{
			"notion": {FailureThreshold: 9, ResetTimeout: 45 * time.Second, SuccessThreshold: 3},
		},
	}
	data, err = json.Marshal(updated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("onReload was not invoked after the file changed")
	}

	assert.Equal(t, 9, cfg.Breakers["notion"].FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Breakers["notion"].ResetTimeout)
}

func TestConfig_WatchFile_InvalidEditIsNotApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"breakers":{"notion":{"failureThreshold":5}}}`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	stop, err := cfg.WatchFile(path, nil)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	// Give the debounced reload a chance to run; it must leave the last
	// good config in place rather than corrupting it.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 5, cfg.Breakers["notion"].FailureThreshold)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultArborConfig(t *testing.T) {
	cfg := DefaultArborConfig()

	assert.Equal(t, "arbor-research", cfg.Temporal.TaskQueue)
	assert.True(t, cfg.Generation.ModelClasses["deep"].Async)
	assert.False(t, cfg.Generation.ModelClasses["standard"].Async)
	assert.GreaterOrEqual(t, cfg.Synthesis.MinBatchRows, 1)
	assert.Greater(t, cfg.Poll.Interval, time.Duration(0))
}

func TestClassForFallsBackToDefault(t *testing.T) {
	cfg := DefaultArborConfig()

	deep := cfg.Generation.ClassFor("deep")
	assert.True(t, deep.Async)

	unknown := cfg.Generation.ClassFor("something-new")
	assert.Equal(t, cfg.Generation.ModelClasses["standard"], unknown)
}

func TestValidateArborConfig(t *testing.T) {
	cases := []struct {
		name    string
		config  map[string]interface{}
		wantErr bool
	}{
		{"empty", map[string]interface{}{}, false},
		{"valid port", map[string]interface{}{
			"service": map[string]interface{}{"port": float64(8081)},
		}, false},
		{"bad port", map[string]interface{}{
			"service": map[string]interface{}{"port": float64(99999)},
		}, true},
		{"zero batch size", map[string]interface{}{
			"dispatch": map[string]interface{}{"batch_size": float64(0)},
		}, true},
		{"tiny context budget", map[string]interface{}{
			"synthesis": map[string]interface{}{"context_char_budget": float64(10)},
		}, true},
		{"negative rate limit", map[string]interface{}{
			"generation": map[string]interface{}{"rate_limit_rps": float64(-1)},
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArborConfig(tc.config)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestArborConfigManagerUpdateFromMap(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, logger)
	require.NoError(t, err)

	acm := NewArborConfigManager(cm, logger)
	require.NoError(t, acm.Initialize())

	err = acm.updateConfigFromMap(map[string]interface{}{
		"dispatch": map[string]interface{}{
			"batch_size":  10,
			"batch_delay": "5s",
		},
		"poll": map[string]interface{}{
			"interval": "2s",
		},
	})
	require.NoError(t, err)

	cfg := acm.GetConfig()
	assert.Equal(t, 10, cfg.Dispatch.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.BatchDelay)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	// Unset keys keep defaults.
	assert.Equal(t, DefaultArborConfig().Synthesis.ContextCharBudget, cfg.Synthesis.ContextCharBudget)
}

func TestArborConfigManagerRevertsOnDelete(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, logger)
	require.NoError(t, err)

	acm := NewArborConfigManager(cm, logger)
	require.NoError(t, acm.Initialize())

	require.NoError(t, acm.updateConfigFromMap(map[string]interface{}{
		"dispatch": map[string]interface{}{"batch_size": 42},
	}))
	assert.Equal(t, 42, acm.GetConfig().Dispatch.BatchSize)

	require.NoError(t, acm.handleConfigChange(ChangeEvent{
		File:      "arbor.yaml",
		Action:    "delete",
		Timestamp: time.Now(),
	}))
	assert.Equal(t, DefaultArborConfig().Dispatch.BatchSize, acm.GetConfig().Dispatch.BatchSize)
}

func TestConfigManagerLoadsYAMLFile(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	content := []byte("dispatch:\n  batch_size: 7\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arbor.yaml"), content, 0644))

	cm, err := NewConfigManager(dir, logger)
	require.NoError(t, err)
	require.NoError(t, cm.Start(t.Context()))
	defer cm.Stop()

	raw, ok := cm.GetConfig("arbor.yaml")
	require.True(t, ok)
	dispatch, ok := raw["dispatch"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 7, dispatch["batch_size"])
}

package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestEventHelpers(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)
	log = log.With(zap.String("symbol", "BTCUSDT"))

	log.LogOrder("place", "mm-btcusdt-B1-abc", map[string]interface{}{"price": "99.94"})
	log.LogRisk("verdict_changed", map[string]interface{}{"level": "HALT"})
	log.LogError(errors.New("boom"), map[string]interface{}{"action": "stop"})

	entries := logs.All()
	require.Len(t, entries, 3)

	order := entries[0].ContextMap()
	assert.Equal(t, "order_event", entries[0].Message)
	assert.Equal(t, "place", order["event"])
	assert.Equal(t, "mm-btcusdt-B1-abc", order["client_order_id"])
	assert.Equal(t, "BTCUSDT", order["symbol"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "HALT", entries[1].ContextMap()["level"])

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}

func TestEventBelowLevelIsDropped(t *testing.T) {
	log, logs := observed(zapcore.ErrorLevel)
	log.LogTrade("fill", map[string]interface{}{"qty": "1"})
	assert.Zero(t, logs.Len())
}

func TestNewRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.log")
	cfg := DefaultConfig()
	cfg.Outputs = []string{"file"}
	cfg.OutputFile = path

	log, err := New(cfg)
	require.NoError(t, err)
	log.LogTrade("position_flattened", map[string]interface{}{"symbol": "ETHUSDT"})
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event":"position_flattened"`)
	assert.Contains(t, string(raw), `"symbol":"ETHUSDT"`)
}

package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherStopsOnCancel(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	w := Watcher{Path: path}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Start(ctx, nil), context.Canceled)
}

func TestWatcherMissingDir(t *testing.T) {
	w := Watcher{Path: "/nonexistent-dir-for-watch/cfg.yaml"}
	assert.Error(t, w.Start(context.Background(), nil))
}

func startWatcher(t *testing.T, path string) <-chan AppConfig {
	t.Helper()
	w := Watcher{Path: path, Settle: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	updates := make(chan AppConfig, 16)
	go func() {
		_ = w.Start(ctx, func(cfg AppConfig) { updates <- cfg })
	}()
	return updates
}

// waitReload 反复写入直到 watcher 就绪并回调
func waitReload(t *testing.T, path, content string, updates <-chan AppConfig) AppConfig {
	t.Helper()
	var got AppConfig
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		select {
		case got = <-updates:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	updates := startWatcher(t, path)

	cfg := waitReload(t, path, strings.Replace(sampleConfig, "maxSpreadBps: 40", "maxSpreadBps: 75", 1), updates)
	assert.Equal(t, 75.0, cfg.Risk.MaxSpreadBps)
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	updates := startWatcher(t, path)
	waitReload(t, path, sampleConfig, updates)
	for len(updates) > 0 {
		<-updates
	}

	invalid := strings.Replace(sampleConfig, "maxSpreadBps: 40", "maxSpreadBps: -5", 1)
	require.NoError(t, os.WriteFile(path, []byte(invalid), 0o644))
	select {
	case <-updates:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

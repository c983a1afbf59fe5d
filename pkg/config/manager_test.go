package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, content string) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openviking.yaml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, path
}

func TestManagerInitialLoad(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, _ := newTestManager(t, "retrieve:\n  limit: 7\n")
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Equal(t, 7, m.Current().Retrieve.Limit)
}

func TestManagerStartsWithDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, _ := newTestManager(t, "")
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Equal(t, 5, m.Current().Retrieve.Limit)
	assert.Equal(t, "context", m.Current().VectorDB.Name)
}

func TestManagerReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, path := newTestManager(t, "retrieve:\n  limit: 7\n")

	events := make(chan ChangeEvent, 8)
	m.RegisterHandler(func(ev ChangeEvent) error {
		events <- ev
		return nil
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, os.WriteFile(path, []byte("retrieve:\n  limit: 9\n"), 0o644))

	require.Eventually(t, func() bool {
		return m.Current().Retrieve.Limit == 9
	}, 3*time.Second, 20*time.Millisecond)

	var sawModify bool
	for !sawModify {
		select {
		case ev := <-events:
			if ev.Action == "modify" && ev.Config.Retrieve.Limit == 9 {
				sawModify = true
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no modify event delivered")
		}
	}
}

func TestManagerKeepsCurrentOnInvalidChange(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, path := newTestManager(t, "retrieve:\n  limit: 7\n")
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, os.WriteFile(path, []byte("vectordb:\n  dimension: -1\n"), 0o644))

	err := m.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension must be positive")
	assert.Equal(t, 7, m.Current().Retrieve.Limit)
}

func TestManagerValidatorVeto(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, _ := newTestManager(t, "retrieve:\n  limit: 7\n")
	m.RegisterValidator(func(cfg *Config) error {
		if cfg.Retrieve.Limit > 5 {
			return errors.New("limit too high")
		}
		return nil
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	// The initial load was vetoed, so defaults stay active.
	assert.Equal(t, 5, m.Current().Retrieve.Limit)

	err := m.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit too high")
}

func TestManagerRevertsOnDelete(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, path := newTestManager(t, "retrieve:\n  limit: 7\n")
	require.NoError(t, m.Start())
	defer m.Stop()

	require.Equal(t, 7, m.Current().Retrieve.Limit)
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return m.Current().Retrieve.Limit == 5
	}, 3*time.Second, 20*time.Millisecond)
}

func TestManagerPollingDetectsChange(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	m, path := newTestManager(t, "retrieve:\n  limit: 7\n")
	m.EnablePolling(20 * time.Millisecond)

	// Drive the poll loop directly, without the fsnotify watcher.
	require.NoError(t, m.Reload())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop()
	}()
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("retrieve:\n  limit: 9\n"), 0o644))

	require.Eventually(t, func() bool {
		return m.Current().Retrieve.Limit == 9
	}, 3*time.Second, 20*time.Millisecond)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes one applied configuration change.
type ChangeEvent struct {
	Path      string
	Action    string // "create", "modify", "delete"
	Config    *Config
	Timestamp time.Time
}

// ChangeHandler reacts to an applied change. Handlers run on their own
// goroutines; errors are logged, not propagated.
type ChangeHandler func(event ChangeEvent) error

// Validator vetoes a pending configuration before it is applied.
type Validator func(cfg *Config) error

// Manager watches one configuration file and re-applies it on change.
// The watched directory is the file's parent, so editors that replace
// the file via rename still trigger a reload.
type Manager struct {
	mu         sync.RWMutex
	path       string
	current    *Config
	handlers   []ChangeHandler
	validators []Validator

	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup

	polling      bool
	pollInterval time.Duration
	lastMod      time.Time
}

// NewManager creates a manager for the file at path. Start begins
// watching.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config manager requires a file path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		path:         path,
		current:      Default(),
		watcher:      watcher,
		logger:       logger,
		stopCh:       make(chan struct{}),
		pollInterval: 10 * time.Second,
	}, nil
}

// RegisterHandler adds a change handler.
func (m *Manager) RegisterHandler(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// RegisterValidator adds a validator consulted before every apply.
func (m *Manager) RegisterValidator(validator Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators = append(m.validators, validator)
}

// EnablePolling adds a modification-time poll as a fallback for
// filesystems without reliable change notification. Call before Start.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polling = true
	if interval > 0 {
		m.pollInterval = interval
	}
}

// Start loads the file and begins watching it. A missing file is not
// an error; the manager keeps defaults until the file appears.
func (m *Manager) Start() error {
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(m.path), err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if err := m.reload("create"); err != nil {
			m.logger.Error("Initial config load failed, keeping defaults",
				zap.String("path", m.path),
				zap.Error(err),
			)
		}
	} else {
		m.logger.Info("Config file absent, starting with defaults",
			zap.String("path", m.path),
		)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchLoop()
	}()
	if m.polling {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pollLoop()
		}()
	}

	m.logger.Info("Config manager started",
		zap.String("path", m.path),
		zap.Bool("polling", m.polling),
	)
	return nil
}

// Stop ends watching and waits for the watch loops to exit. The
// manager cannot be restarted.
func (m *Manager) Stop() error {
	close(m.stopCh)
	err := m.watcher.Close()
	m.wg.Wait()
	return err
}

// Current returns a copy of the active configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.current
	return &cfg
}

// Reload re-reads the file immediately.
func (m *Manager) Reload() error {
	return m.reload("modify")
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(m.path) {
		return
	}

	// Editors emit bursts of events per save; let the write settle.
	time.Sleep(50 * time.Millisecond)

	switch {
	case event.Op&fsnotify.Create != 0:
		if err := m.reload("create"); err != nil {
			m.logger.Error("Config create rejected", zap.Error(err))
		}
	case event.Op&fsnotify.Write != 0:
		if err := m.reload("modify"); err != nil {
			m.logger.Error("Config change rejected", zap.Error(err))
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Renames may be an atomic replace; only revert when the file
		// is really gone.
		if _, err := os.Stat(m.path); os.IsNotExist(err) {
			m.revertToDefaults()
		} else if err == nil {
			if err := m.reload("modify"); err != nil {
				m.logger.Error("Config change rejected", zap.Error(err))
			}
		}
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			m.mu.RLock()
			last := m.lastMod
			m.mu.RUnlock()
			if info.ModTime().After(last) {
				if err := m.reload("modify"); err != nil {
					m.logger.Error("Config poll reload rejected", zap.Error(err))
				}
			}
		}
	}
}

// reload reads, validates and applies the file, then notifies handlers
// asynchronously. On any error the active configuration is unchanged.
func (m *Manager) reload(action string) error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.RLock()
	validators := append([]Validator(nil), m.validators...)
	m.mu.RUnlock()
	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}

	var mod time.Time
	if info, statErr := os.Stat(m.path); statErr == nil {
		mod = info.ModTime()
	}

	m.mu.Lock()
	m.current = cfg
	m.lastMod = mod
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Config applied",
		zap.String("path", m.path),
		zap.String("action", action),
	)
	m.notify(handlers, ChangeEvent{
		Path:      m.path,
		Action:    action,
		Config:    cfg,
		Timestamp: time.Now(),
	})
	return nil
}

func (m *Manager) revertToDefaults() {
	m.mu.Lock()
	m.current = Default()
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Warn("Config file deleted, reverted to defaults",
		zap.String("path", m.path),
	)
	m.notify(handlers, ChangeEvent{
		Path:      m.path,
		Action:    "delete",
		Config:    Default(),
		Timestamp: time.Now(),
	})
}

func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, handler := range handlers {
		go func(h ChangeHandler) {
			cfg := *event.Config
			ev := event
			ev.Config = &cfg
			if err := h(ev); err != nil {
				m.logger.Error("Config change handler failed",
					zap.String("action", ev.Action),
					zap.Error(err),
				)
			}
		}(handler)
	}
}

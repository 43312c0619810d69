package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager holds the live configuration pointer and swaps it atomically when
// the underlying file changes. A reload that fails validation is discarded and
// the previous snapshot stays live.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	v       *viper.Viper
}

// NewManager loads the initial configuration from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, v: viper.New()}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live configuration snapshot. The snapshot is immutable;
// callers must not mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Watch installs a file watcher that reloads and revalidates the document on
// change. Safe to call once; runs until the process exits.
func (m *Manager) Watch() {
	m.v.SetConfigFile(m.path)
	if err := m.v.ReadInConfig(); err != nil {
		// Nothing to watch yet; a config written later is picked up on restart.
		slog.Debug("Gateway config not watchable", "path", m.path, "error", err)
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(m.path)
		if err != nil {
			slog.Error("Config reload rejected, keeping previous", "path", m.path, "error", err)
			return
		}
		m.current.Store(cfg)
		slog.Info("Gateway config reloaded", "path", m.path, "op", e.Op.String())
	})
	m.v.WatchConfig()
}

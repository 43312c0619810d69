package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
)

// Manager owns the session table. All access is serialized through its mutex;
// callers get copies, never live pointers into the table.
type Manager struct {
	cfg   *config.SessionConfig
	store *Store

	mu       sync.Mutex
	sessions map[string]*Session

	sweepDone chan struct{}
	sweepOnce sync.Once
}

// NewManager loads persisted sessions from the store and starts with them.
// A nil store keeps sessions in memory only.
func NewManager(cfg *config.SessionConfig, store *Store) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		sessions:  make(map[string]*Session),
		sweepDone: make(chan struct{}),
	}
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		for key, s := range loaded {
			s.ActiveRunID = ""
			m.sessions[key] = s
		}
		if len(loaded) > 0 {
			slog.Info("Restored sessions from store", "count", len(loaded))
		}
	}
	return m, nil
}

// StartSweeper expires idle sessions in the background until ctx is done.
// Expiry is lazy on Resolve as well; the sweeper only bounds memory and store
// size for sessions nobody talks to again.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	idle := time.Duration(m.cfg.IdleMinutes) * time.Minute
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for key, s := range m.sessions {
		if s.ActiveRunID == "" && now.Sub(s.LastActiveAt) > idle {
			expired = append(expired, key)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		slog.Info("Expired idle sessions", "count", len(expired))
		m.persist()
	}
}

// Resolve returns the session for an inbound event, creating it when absent
// and resetting it when its idle window elapsed. The returned session is a
// snapshot copy.
func (m *Manager) Resolve(evt *chat.InboundEvent) Session {
	key := DeriveKey(m.cfg, evt)
	return m.touch(key, evt.Surface)
}

// Get returns a snapshot of the session for key, creating it if needed.
// Used by webhook mappings and heartbeats that address sessions directly.
func (m *Manager) Get(key string) Session {
	return m.touch(key, chat.SurfaceWebhook)
}

// Peek returns a snapshot without creating or touching the session.
func (m *Manager) Peek(key string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (m *Manager) touch(key string, surface chat.Surface) Session {
	idle := time.Duration(m.cfg.IdleMinutes) * time.Minute
	now := time.Now()

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Surface: surface, Scope: m.cfg.Scope, CreatedAt: now}
		m.sessions[key] = s
	} else if s.ActiveRunID == "" && now.Sub(s.LastActiveAt) > idle {
		// Same key, fresh history. Keys are stable; only context expires.
		s.History = nil
		s.ResetCount++
		slog.Info("Session idle-expired, history reset", "key", key)
	}
	s.LastActiveAt = now
	snapshot := *s
	m.mu.Unlock()

	m.persist()
	return snapshot
}

// Reset clears the session history for key, keeping the key stable. Returns
// false when no session existed (a fresh one is created regardless).
func (m *Manager) Reset(key string) bool {
	now := time.Now()

	m.mu.Lock()
	s, existed := m.sessions[key]
	if !existed {
		s = &Session{Key: key, Scope: m.cfg.Scope, CreatedAt: now}
		m.sessions[key] = s
	}
	s.History = nil
	s.ResetCount++
	s.LastActiveAt = now
	m.mu.Unlock()

	slog.Info("Session reset", "key", key)
	m.persist()
	return existed
}

// BeginRun marks the session as owned by runID. Returns false when another
// run already owns it; the coordinator must queue instead.
func (m *Manager) BeginRun(key, runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Scope: m.cfg.Scope, CreatedAt: time.Now()}
		m.sessions[key] = s
	}
	if s.ActiveRunID != "" && s.ActiveRunID != runID {
		return false
	}
	s.ActiveRunID = runID
	s.LastActiveAt = time.Now()
	return true
}

// EndRun releases the session if runID still owns it.
func (m *Manager) EndRun(key, runID string) {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok && s.ActiveRunID == runID {
		s.ActiveRunID = ""
		s.LastActiveAt = time.Now()
	}
	m.mu.Unlock()
	m.persist()
}

// ActiveRun returns the run id owning the session, or "".
func (m *Manager) ActiveRun(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s.ActiveRunID
	}
	return ""
}

// AppendHistory records one turn, trimming oldest entries past the limit.
func (m *Manager) AppendHistory(key string, msgs ...agent.Message) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		s.History = append(s.History, msgs...)
		if limit := m.cfg.HistoryLimit; limit > 0 && len(s.History) > limit {
			s.History = append([]agent.Message(nil), s.History[len(s.History)-limit:]...)
		}
		s.LastActiveAt = time.Now()
	}
	m.mu.Unlock()

	if ok {
		m.persist()
	}
}

// History returns a copy of the session history.
func (m *Manager) History(key string) []agent.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	out := make([]agent.Message, len(s.History))
	copy(out, s.History)
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	snapshot := make(map[string]*Session, len(m.sessions))
	for key, s := range m.sessions {
		copied := *s
		copied.History = append([]agent.Message(nil), s.History...)
		snapshot[key] = &copied
	}
	m.mu.Unlock()
	m.store.Save(snapshot)
}

// Close flushes the store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

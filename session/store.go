package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// saveDebounce coalesces bursts of mutations into one write.
	saveDebounce = 250 * time.Millisecond
	// saveMaxDelay bounds how stale the on-disk document may get under a
	// sustained mutation stream.
	saveMaxDelay = 2 * time.Second
)

// storeDoc is the on-disk shape: one JSON document holding every session.
type storeDoc struct {
	Version  int                 `json:"version"`
	SavedAt  time.Time           `json:"saved_at"`
	Sessions map[string]*Session `json:"sessions"`
}

// Store persists the session table as a single JSON document with debounced
// writes. Writes are atomic: temp file then rename.
type Store struct {
	path string

	mu      sync.Mutex
	pending map[string]*Session
	timer   *time.Timer
	dirtyAt time.Time
	closed  bool
}

// NewStore creates a store writing to <dir>/sessions.json.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create session dir %s", dir)
	}
	return &Store{path: filepath.Join(dir, "sessions.json")}, nil
}

// Load reads the persisted table. A missing file yields an empty table. A
// corrupted file is renamed aside with a timestamp suffix and the gateway
// starts empty rather than refusing to boot.
func (st *Store) Load() (map[string]*Session, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Session{}, nil
		}
		return nil, errors.Wrapf(err, "read session store %s", st.path)
	}

	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%s", st.path, time.Now().Format("20060102-150405"))
		if renameErr := os.Rename(st.path, aside); renameErr != nil {
			slog.Error("Failed to move corrupted session store aside", "path", st.path, "error", renameErr)
		} else {
			slog.Warn("Session store corrupted, moved aside and starting empty", "aside", aside, "error", err)
		}
		return map[string]*Session{}, nil
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*Session{}
	}
	return doc.Sessions, nil
}

// Save schedules a debounced write of the given snapshot. The snapshot must
// not be mutated by the caller afterwards.
func (st *Store) Save(snapshot map[string]*Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.pending = snapshot
	now := time.Now()
	if st.dirtyAt.IsZero() {
		st.dirtyAt = now
	}

	delay := saveDebounce
	if oldest := now.Sub(st.dirtyAt); oldest+delay > saveMaxDelay {
		delay = saveMaxDelay - oldest
		if delay < 0 {
			delay = 0
		}
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, st.flush)
}

func (st *Store) flush() {
	st.mu.Lock()
	snapshot := st.pending
	st.pending = nil
	st.dirtyAt = time.Time{}
	st.mu.Unlock()

	if snapshot == nil {
		return
	}
	if err := st.write(snapshot); err != nil {
		slog.Error("Session store write failed", "path", st.path, "error", err)
	}
}

func (st *Store) write(sessions map[string]*Session) error {
	doc := storeDoc{Version: 1, SavedAt: time.Now(), Sessions: sessions}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal session store")
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// Close flushes any pending snapshot synchronously.
func (st *Store) Close() error {
	st.mu.Lock()
	st.closed = true
	if st.timer != nil {
		st.timer.Stop()
	}
	snapshot := st.pending
	st.pending = nil
	st.mu.Unlock()

	if snapshot == nil {
		return nil
	}
	return st.write(snapshot)
}

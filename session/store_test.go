package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/clawgate/agent"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)

	sessions := map[string]*Session{
		"telegram:42": {
			Key:     "telegram:42",
			Surface: "telegram",
			Scope:   "per-sender",
			History: []agent.Message{
				{Role: "user", Content: "hello", Ts: 1},
				{Role: "assistant", Content: "hi", Ts: 2},
			},
			CreatedAt:    time.Now().Truncate(time.Second),
			LastActiveAt: time.Now().Truncate(time.Second),
		},
	}
	st.Save(sessions)
	require.NoError(t, st.Close())

	st2, err := NewStore(dir)
	require.NoError(t, err)
	loaded, err := st2.Load()
	require.NoError(t, err)
	require.Contains(t, loaded, "telegram:42")
	assert.Len(t, loaded["telegram:42"].History, 2)
	assert.Equal(t, "hello", loaded["telegram:42"].History[0].Content)
}

func TestStoreCorruptedFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st, err := NewStore(dir)
	require.NoError(t, err)
	loaded, err := st.Load()
	require.NoError(t, err, "a corrupted store must not fail startup")
	assert.Empty(t, loaded)

	// The broken file is preserved under a timestamped name.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var asideFound bool
	for _, e := range entries {
		if e.Name() != "sessions.json" && filepath.Ext(e.Name()) != "" {
			asideFound = true
		}
	}
	assert.True(t, asideFound, "corrupted file should be renamed, not deleted")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStoreMissingFileYieldsEmpty(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(&config.SessionConfig{
		Scope:        config.ScopePerSender,
		MainKey:      "main",
		IdleMinutes:  60,
		HistoryLimit: 4,
	}, nil)
	require.NoError(t, err)
	return m
}

func TestManagerResolveCreatesSession(t *testing.T) {
	m := testManager(t)
	evt := &chat.InboundEvent{Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "42"}

	s := m.Resolve(evt)
	assert.Equal(t, "telegram:42", s.Key)
	assert.Equal(t, 1, m.Count())

	again := m.Resolve(evt)
	assert.Equal(t, s.Key, again.Key)
	assert.Equal(t, 1, m.Count(), "same event resolves to the same session")
}

func TestManagerHistoryLimit(t *testing.T) {
	m := testManager(t)
	m.Get("k")

	for i := 0; i < 6; i++ {
		m.AppendHistory("k", agent.Message{Role: "user", Content: string(rune('a' + i))})
	}
	history := m.History("k")
	require.Len(t, history, 4, "history is bounded, oldest dropped")
	assert.Equal(t, "c", history[0].Content)
	assert.Equal(t, "f", history[3].Content)
}

func TestManagerResetKeepsKey(t *testing.T) {
	m := testManager(t)
	m.Get("k")
	m.AppendHistory("k", agent.Message{Role: "user", Content: "hello"})

	existed := m.Reset("k")
	assert.True(t, existed)
	assert.Empty(t, m.History("k"))

	s, ok := m.Peek("k")
	require.True(t, ok, "reset clears history but keeps the session key")
	assert.Equal(t, 1, s.ResetCount)
}

func TestManagerRunOwnership(t *testing.T) {
	m := testManager(t)
	m.Get("k")

	require.True(t, m.BeginRun("k", "run-1"))
	assert.False(t, m.BeginRun("k", "run-2"), "only one run owns a session")
	assert.True(t, m.BeginRun("k", "run-1"), "owner re-entry is allowed")
	assert.Equal(t, "run-1", m.ActiveRun("k"))

	m.EndRun("k", "run-2")
	assert.Equal(t, "run-1", m.ActiveRun("k"), "only the owner may release")

	m.EndRun("k", "run-1")
	assert.Empty(t, m.ActiveRun("k"))
	assert.True(t, m.BeginRun("k", "run-2"))
}

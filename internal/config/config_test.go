package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ScopePerSender, cfg.Session.Scope)
	assert.Equal(t, "main", cfg.Session.MainKey)
	assert.Equal(t, 60, cfg.Session.IdleMinutes)
	assert.Equal(t, 50, cfg.Session.HistoryLimit)
	assert.Equal(t, QueueCollect, cfg.Queue.Mode)
	assert.Equal(t, 8, cfg.Queue.Cap)
	assert.Equal(t, DropSummarize, cfg.Queue.Drop)
	assert.Equal(t, 600, cfg.Agent.TimeoutSeconds)
	assert.Equal(t, 4, cfg.Agent.MaxConcurrent)
	assert.Equal(t, BreakMessageEnd, cfg.Agent.BlockReplyBreak)
	assert.Equal(t, 800, cfg.Agent.BlockReplyChunking.MinChars)
	assert.Equal(t, 1200, cfg.Agent.BlockReplyChunking.MaxChars)
	assert.Equal(t, "paragraph", cfg.Agent.BlockReplyChunking.BreakPreference)
	assert.Equal(t, int64(256<<10), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cfg := &Config{}
	cfg.Session.Scope = "per-universe"
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.Queue.Mode = "pile-up"
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.Queue.Drop = "quietly"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsLegacyInterruptMode(t *testing.T) {
	cfg := &Config{}
	cfg.Queue.Mode = QueueInterrupt
	require.NoError(t, cfg.Validate(), "legacy mode stays loadable, with changed semantics")
}

func TestValidateSkipsInvalidMentionPatterns(t *testing.T) {
	cfg := &Config{
		Surfaces: map[string]*SurfaceConfig{
			"telegram": {MentionPatterns: []string{"@bot", "[unclosed"}},
		},
	}
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Surfaces["telegram"].MentionRegexps(), 1, "bad pattern skipped, good one kept")
}

func TestIsSelfChat(t *testing.T) {
	assert.True(t, (&SurfaceConfig{SelfChat: true}).IsSelfChat())
	assert.True(t, (&SurfaceConfig{AllowFrom: []string{}}).IsSelfChat(), "present-but-empty allowlist means self only")
	assert.True(t, (&SurfaceConfig{OwnID: "me", AllowFrom: []string{"me"}}).IsSelfChat())
	assert.False(t, (&SurfaceConfig{OwnID: "me", AllowFrom: []string{"other"}}).IsSelfChat())
	assert.False(t, (&SurfaceConfig{}).IsSelfChat(), "absent allowlist is not self-chat")
}

func TestQueueModeFor(t *testing.T) {
	q := &QueueConfig{Mode: QueueCollect, BySurface: map[string]string{"webchat": QueueSteer}}
	assert.Equal(t, QueueSteer, q.ModeFor("webchat"))
	assert.Equal(t, QueueCollect, q.ModeFor("telegram"))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "gateway.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ScopePerSender, cfg.Session.Scope)
}

func TestLoadParsesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	doc := `
session:
  scope: per-group
  idleMinutes: 15
  resetTriggers: ["/new"]
queue:
  mode: collect
  cap: 3
  drop: summarize
agent:
  enforceFinalTag: true
  blockReplyChunking:
    minChars: 100
    maxChars: 200
surfaces:
  whatsapp:
    ownId: "+15555550123"
    allowFrom: ["+15555550123"]
    mentionPatterns: ["@clawd"]
    groups:
      "*":
        requireMention: true
webhook:
  token: hook-secret
heartbeats:
  - every: 30m
    target: last
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ScopePerGroup, cfg.Session.Scope)
	assert.Equal(t, 15, cfg.Session.IdleMinutes)
	assert.Equal(t, []string{"/new"}, cfg.Session.ResetTriggers)
	assert.Equal(t, 3, cfg.Queue.Cap)
	assert.True(t, cfg.Agent.EnforceFinalTag)
	assert.Equal(t, 100, cfg.Agent.BlockReplyChunking.MinChars)

	wa := cfg.Surfaces["whatsapp"]
	require.NotNil(t, wa)
	assert.True(t, wa.IsSelfChat())
	require.Len(t, wa.MentionRegexps(), 1)
	assert.True(t, wa.MentionRegexps()[0].MatchString("hey @Clawd"))

	assert.Equal(t, "hook-secret", cfg.Webhook.Token)
	require.Len(t, cfg.Heartbeats, 1)
	assert.Equal(t, "main", cfg.Heartbeats[0].SessionKey)
	assert.Equal(t, "HEARTBEAT", cfg.Heartbeats[0].Prompt)
}

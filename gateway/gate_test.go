package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
)

func boolPtr(b bool) *bool { return &b }

// surfaceConfig builds a validated surface config the way the loader would.
func surfaceConfig(t *testing.T, sc *config.SurfaceConfig) *config.SurfaceConfig {
	t.Helper()
	cfg := &config.Config{Surfaces: map[string]*config.SurfaceConfig{"test": sc}}
	require.NoError(t, cfg.Validate())
	return cfg.Surfaces["test"]
}

func groupEvent(from, body string, mentionsBot bool) *chat.InboundEvent {
	return &chat.InboundEvent{
		Surface:     chat.SurfaceWhatsApp,
		ChatType:    chat.ChatGroup,
		From:        from,
		GroupID:     "group-1",
		Body:        body,
		MentionsBot: mentionsBot,
		ReceivedAt:  time.Now(),
	}
}

func TestGateSelfChatGroupMention(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{
		OwnID:           "+15555550123",
		AllowFrom:       []string{"+15555550123"},
		MentionPatterns: []string{"@clawd"},
		Groups: map[string]*config.GroupConfig{
			"*": {RequireMention: boolPtr(true)},
		},
	})

	v := NewGate().Check(sc, groupEvent("+4477000000", "@clawd hi", false))
	require.True(t, v.Allowed, "text mention must admit a group message: %s", v.Reason)
	assert.Equal(t, "hi", v.Body, "mention pattern is stripped from the body")
}

func TestGateSelfChatIgnoresNativeMention(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{
		OwnID:           "+15555550123",
		AllowFrom:       []string{"+15555550123"},
		MentionPatterns: []string{"@clawd"},
		Groups: map[string]*config.GroupConfig{
			"*": {RequireMention: boolPtr(true)},
		},
	})

	v := NewGate().Check(sc, groupEvent("+4477000000", "hello there", true))
	require.False(t, v.Allowed)
	assert.Equal(t, RejectNoMention, v.Reason)
}

func TestGateUnlistedGroupRejected(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{
		Groups: map[string]*config.GroupConfig{
			"other-group": {},
		},
	})

	v := NewGate().Check(sc, groupEvent("someone", "hi", true))
	require.False(t, v.Allowed)
	assert.Equal(t, RejectGroupNotListed, v.Reason)
}

func TestGateDirectAllowlist(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{
		OwnID:     "bot-id",
		AllowFrom: []string{"alice", "bob"},
	})
	g := NewGate()

	allowed := g.Check(sc, &chat.InboundEvent{
		Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "alice", Body: "hi",
	})
	require.True(t, allowed.Allowed)

	denied := g.Check(sc, &chat.InboundEvent{
		Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "mallory", Body: "hi",
	})
	require.False(t, denied.Allowed)
	assert.Equal(t, RejectSenderNotListed, denied.Reason)
}

func TestGateAbsentAllowlistAdmitsAnyone(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{})

	v := NewGate().Check(sc, &chat.InboundEvent{
		Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "anyone", Body: "hi",
	})
	assert.True(t, v.Allowed)
}

func TestGateUserOverrideBlocks(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{
		Groups: map[string]*config.GroupConfig{
			"group-1": {
				RequireMention: boolPtr(false),
				Users: map[string]*config.Override{
					"spammer": {Allow: boolPtr(false)},
				},
			},
		},
	})
	g := NewGate()

	v := g.Check(sc, groupEvent("spammer", "hi", false))
	require.False(t, v.Allowed)
	assert.Equal(t, RejectUserBlocked, v.Reason)

	assert.True(t, g.Check(sc, groupEvent("friend", "hi", false)).Allowed)
}

func TestGateDisabledSurface(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{Enabled: boolPtr(false)})

	v := NewGate().Check(sc, &chat.InboundEvent{
		Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "alice", Body: "hi",
	})
	require.False(t, v.Allowed)
	assert.Equal(t, RejectSurfaceDisabled, v.Reason)
}

func TestGateRateLimit(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{RatePerMinute: 2})
	g := NewGate()
	evt := func() *chat.InboundEvent {
		return &chat.InboundEvent{
			Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "alice", Body: "hi",
		}
	}

	assert.True(t, g.Check(sc, evt()).Allowed)
	assert.True(t, g.Check(sc, evt()).Allowed)
	v := g.Check(sc, evt())
	require.False(t, v.Allowed)
	assert.Equal(t, RejectRateLimited, v.Reason)
}

func TestGateEmptyBodyRejected(t *testing.T) {
	sc := surfaceConfig(t, &config.SurfaceConfig{})

	v := NewGate().Check(sc, &chat.InboundEvent{
		Surface: chat.SurfaceTelegram, ChatType: chat.ChatDirect, From: "alice", Body: "   ",
	})
	require.False(t, v.Allowed)
	assert.Equal(t, RejectEmptyBody, v.Reason)
}

// Package gateway is the pipeline between chat surfaces and the embedded
// agent: the gate decides which inbound events may reach a session, the
// coordinator serializes runs per session and applies the queue policy, the
// dispatcher delivers blocks back out, and the heartbeat scheduler wakes idle
// sessions.
package gateway

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
)

// Reject reasons, stable identifiers for logs and metrics.
const (
	RejectSurfaceDisabled = "surface_disabled"
	RejectSenderNotListed = "sender_not_allowed"
	RejectGroupNotListed  = "group_not_allowed"
	RejectUserBlocked     = "user_blocked"
	RejectChannelBlocked  = "channel_blocked"
	RejectNoMention       = "no_mention"
	RejectRateLimited     = "rate_limited"
	RejectEmptyBody       = "empty_body"
)

// Verdict is the gate's decision for one inbound event.
type Verdict struct {
	Allowed bool
	Reason  string // set when rejected
	// Body is the message body with the matched text mention stripped.
	Body string
}

// Gate applies per-surface allowlists and mention rules. It never touches
// sessions; an allowed event flows on to the coordinator unchanged except for
// mention stripping.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGate creates a gate with empty rate limiter state.
func NewGate() *Gate {
	return &Gate{limiters: make(map[string]*rate.Limiter)}
}

// Check evaluates one inbound event against the surface configuration. Rules
// apply in order: surface enabled, sender/group allowlist, per-user and
// per-channel overrides, mention requirement, rate limit. The first failing
// rule decides the reject reason.
func (g *Gate) Check(sc *config.SurfaceConfig, evt *chat.InboundEvent) Verdict {
	if sc == nil || !sc.IsEnabled() {
		return Verdict{Reason: RejectSurfaceDisabled}
	}

	selfChat := sc.IsSelfChat()
	mentioned, body := g.mention(sc, evt, selfChat)

	if evt.ChatType == chat.ChatGroup {
		if v, ok := g.checkGroup(sc, evt, mentioned); !ok {
			return v
		}
	} else {
		if v, ok := g.checkDirect(sc, evt, selfChat, mentioned); !ok {
			return v
		}
	}

	if strings.TrimSpace(body) == "" && len(evt.Media) == 0 && evt.Transcript == "" {
		return Verdict{Reason: RejectEmptyBody}
	}

	if !g.allowRate(sc, evt) {
		return Verdict{Reason: RejectRateLimited}
	}

	return Verdict{Allowed: true, Body: body}
}

// checkDirect applies DM rules. An absent allowFrom list admits anyone; a
// present-but-empty list means the operator's own account only.
func (g *Gate) checkDirect(sc *config.SurfaceConfig, evt *chat.InboundEvent, selfChat, mentioned bool) (Verdict, bool) {
	if selfChat {
		if sc.OwnID != "" && evt.From != sc.OwnID {
			return Verdict{Reason: RejectSenderNotListed}, false
		}
		// Self-chat needs an explicit text mention; otherwise every note the
		// operator writes to themselves would trigger the agent.
		if len(sc.MentionRegexps()) > 0 && !mentioned {
			return Verdict{Reason: RejectNoMention}, false
		}
		return Verdict{}, true
	}
	if sc.AllowFrom != nil && !contains(sc.AllowFrom, evt.From) {
		return Verdict{Reason: RejectSenderNotListed}, false
	}
	return Verdict{}, true
}

// checkGroup applies group rules: the group must be configured (by id, slug,
// or "*"), the sender must pass the group allowlist, overrides may block the
// user or channel, and a mention is required unless opted out.
func (g *Gate) checkGroup(sc *config.SurfaceConfig, evt *chat.InboundEvent, mentioned bool) (Verdict, bool) {
	gc := lookupGroup(sc.Groups, evt)
	if gc == nil {
		return Verdict{Reason: RejectGroupNotListed}, false
	}

	if len(gc.AllowFrom) > 0 && !contains(gc.AllowFrom, evt.From) {
		return Verdict{Reason: RejectSenderNotListed}, false
	}

	requireMention := true
	if gc.RequireMention != nil {
		requireMention = *gc.RequireMention
	}

	if user := gc.Users[evt.From]; user != nil {
		if user.Allow != nil && !*user.Allow {
			return Verdict{Reason: RejectUserBlocked}, false
		}
		if user.RequireMention != nil {
			requireMention = *user.RequireMention
		}
	}
	if evt.ChannelID != "" {
		if ch := gc.Channels[evt.ChannelID]; ch != nil {
			if ch.Allow != nil && !*ch.Allow {
				return Verdict{Reason: RejectChannelBlocked}, false
			}
			if ch.RequireMention != nil {
				requireMention = *ch.RequireMention
			}
		}
	}

	if requireMention && !mentioned {
		return Verdict{Reason: RejectNoMention}, false
	}
	return Verdict{}, true
}

// mention resolves whether the bot was addressed and strips the matched text
// pattern from the body. In self-chat mode native mention metadata is ignored
// because the platform flags the owner's own messages.
func (g *Gate) mention(sc *config.SurfaceConfig, evt *chat.InboundEvent, selfChat bool) (bool, string) {
	body := evt.Body
	for _, re := range sc.MentionRegexps() {
		if loc := re.FindStringIndex(body); loc != nil {
			evt.TextMentionHit = true
			body = strings.TrimSpace(body[:loc[0]] + body[loc[1]:])
			return true, body
		}
	}
	if !selfChat && evt.MentionsBot {
		return true, body
	}
	return false, body
}

// allowRate enforces the per-sender rate limit for the surface.
func (g *Gate) allowRate(sc *config.SurfaceConfig, evt *chat.InboundEvent) bool {
	if sc.RatePerMinute <= 0 {
		return true
	}
	key := string(evt.Surface) + ":" + evt.From

	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(sc.RatePerMinute)/60.0), sc.RatePerMinute)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()

	return limiter.Allow()
}

// lookupGroup resolves the group config by id first, then slug, then wildcard.
func lookupGroup(groups map[string]*config.GroupConfig, evt *chat.InboundEvent) *config.GroupConfig {
	if len(groups) == 0 {
		return nil
	}
	if gc, ok := groups[evt.GroupID]; ok && evt.GroupID != "" {
		return gc
	}
	if gc, ok := groups[evt.GroupSlug]; ok && evt.GroupSlug != "" {
		return gc
	}
	return groups["*"]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

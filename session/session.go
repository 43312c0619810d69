// Package session maps chat traffic onto durable agent conversations. A
// session owns the agent-visible history for one conversation scope and
// survives restarts through a JSON store on disk.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
)

// Session is one durable conversation. All mutation goes through the Manager,
// which holds the lock; Session fields are plain data.
type Session struct {
	Key          string          `json:"key"`
	Surface      chat.Surface    `json:"surface"`
	Scope        string          `json:"scope"`
	History      []agent.Message `json:"history"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
	// ResetCount records explicit and idle resets, for diagnostics.
	ResetCount int `json:"reset_count"`

	// ActiveRunID is the run currently owning this session, empty when idle.
	// Not persisted: a restart never resumes a run.
	ActiveRunID string `json:"-"`
}

// DeriveKey maps an inbound event to its session key per the configured scope.
func DeriveKey(cfg *config.SessionConfig, evt *chat.InboundEvent) string {
	switch cfg.Scope {
	case config.ScopeGlobal:
		return cfg.MainKey
	case config.ScopePerGroup:
		if evt.ChatType == chat.ChatGroup && evt.GroupID != "" {
			return fmt.Sprintf("%s:group:%s", evt.Surface, evt.GroupID)
		}
		return fmt.Sprintf("%s:%s", evt.Surface, evt.From)
	default: // per-sender
		return fmt.Sprintf("%s:%s", evt.Surface, evt.From)
	}
}

// MatchResetTrigger reports the first configured trigger the message body
// matches, or "". A trigger matches when the trimmed body equals it or starts
// with it followed by whitespace, so "/new please" resets while "/newsroom"
// does not.
func MatchResetTrigger(triggers []string, body string) string {
	trimmed := strings.TrimSpace(body)
	for _, trigger := range triggers {
		if trigger == "" {
			continue
		}
		if strings.EqualFold(trimmed, trigger) {
			return trigger
		}
		if len(trimmed) > len(trigger) &&
			strings.EqualFold(trimmed[:len(trigger)], trigger) &&
			isWhitespace(trimmed[len(trigger)]) {
			return trigger
		}
	}
	return ""
}

// StripResetTrigger removes a matched trigger prefix from the body, returning
// the remainder to feed into the fresh session.
func StripResetTrigger(trigger, body string) string {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) < len(trigger) {
		return ""
	}
	return strings.TrimSpace(trimmed[len(trigger):])
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

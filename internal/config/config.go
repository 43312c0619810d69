// Package config loads and validates the gateway configuration document.
//
// The document lives at <data>/gateway.yaml and describes surfaces, gate rules,
// the queue policy, heartbeat jobs, and webhook mappings. It is loaded once at
// startup and swapped atomically on reload; readers always see a complete,
// validated snapshot.
package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session scopes.
const (
	ScopePerSender = "per-sender"
	ScopePerGroup  = "per-group"
	ScopeGlobal    = "global"
)

// Queue modes.
const (
	QueueSteer        = "steer"
	QueueFollowup     = "followup"
	QueueCollect      = "collect"
	QueueSteerBacklog = "steer-backlog"
	QueueInterrupt    = "interrupt"
)

// Drop rules applied when the queue cap is exceeded.
const (
	DropOld       = "old"
	DropNew       = "new"
	DropSummarize = "summarize"
)

// Block break modes for the reply chunker.
const (
	BreakTextEnd    = "text_end"
	BreakMessageEnd = "message_end"
)

// Config is the root gateway configuration document.
type Config struct {
	Session    SessionConfig              `mapstructure:"session"`
	Queue      QueueConfig                `mapstructure:"queue"`
	Agent      AgentConfig                `mapstructure:"agent"`
	Surfaces   map[string]*SurfaceConfig  `mapstructure:"surfaces"`
	Heartbeats []*HeartbeatConfig         `mapstructure:"heartbeats"`
	Webhook    WebhookConfig              `mapstructure:"webhook"`
	Delivery   DeliveryConfig             `mapstructure:"delivery"`
}

// SessionConfig controls session keying, history, and expiry.
type SessionConfig struct {
	Scope         string   `mapstructure:"scope"`         // per-sender | per-group | global
	MainKey       string   `mapstructure:"mainKey"`       // key used for the global scope
	IdleMinutes   int      `mapstructure:"idleMinutes"`   // idle expiry, minutes
	HistoryLimit  int      `mapstructure:"historyLimit"`  // bounded history, drop oldest
	ResetTriggers []string `mapstructure:"resetTriggers"` // trimmed-body equality triggers
}

// QueueConfig controls what happens to inputs arriving during an active run.
type QueueConfig struct {
	Mode       string            `mapstructure:"mode"`
	DebounceMs int               `mapstructure:"debounceMs"`
	Cap        int               `mapstructure:"cap"`
	Drop       string            `mapstructure:"drop"`
	BySurface  map[string]string `mapstructure:"bySurface"`
}

// ModeFor returns the queue mode for a surface, honoring per-surface overrides.
func (q *QueueConfig) ModeFor(surface string) string {
	if m, ok := q.BySurface[surface]; ok && m != "" {
		return m
	}
	return q.Mode
}

// ChunkConfig bounds deliverable block sizes.
type ChunkConfig struct {
	MinChars        int    `mapstructure:"minChars"`
	MaxChars        int    `mapstructure:"maxChars"`
	BreakPreference string `mapstructure:"breakPreference"` // paragraph | newline | sentence
}

// AgentConfig controls the embedded agent runs.
type AgentConfig struct {
	Model              string      `mapstructure:"model"`
	SystemPrompt       string      `mapstructure:"systemPrompt"`
	TimeoutSeconds     int         `mapstructure:"timeoutSeconds"`
	MaxConcurrent      int         `mapstructure:"maxConcurrent"`
	EnforceFinalTag    bool        `mapstructure:"enforceFinalTag"`
	BlockReplyBreak    string      `mapstructure:"blockReplyBreak"` // text_end | message_end
	BlockReplyChunking ChunkConfig `mapstructure:"blockReplyChunking"`
}

// Override tightens or loosens gating for a specific channel or user inside a
// group. Deeper overrides win over the group, which wins over the surface.
type Override struct {
	RequireMention *bool `mapstructure:"requireMention"`
	Allow          *bool `mapstructure:"allow"`
}

// GroupConfig describes one group/guild entry. The map key in
// SurfaceConfig.Groups is the group id (preferred) or slug; "*" is a wildcard.
type GroupConfig struct {
	RequireMention *bool                `mapstructure:"requireMention"`
	AllowFrom      []string             `mapstructure:"allowFrom"`
	Users          map[string]*Override `mapstructure:"users"`
	Channels       map[string]*Override `mapstructure:"channels"`
}

// SurfaceConfig is the per-surface gate configuration.
//
// Self-chat mode (running against the operator's own account, where native
// mention metadata is unreliable) is recognised when selfChat is set, when
// allowFrom is present but empty, or when ownId matches a single-entry
// allowFrom. A surface whose allowlist holds only the operator's own number
// must also set ownId (or selfChat: true) to get self-chat gating; without
// it the entry is treated as a plain DM allowlist.
type SurfaceConfig struct {
	Enabled         *bool                   `mapstructure:"enabled"`
	OwnID           string                  `mapstructure:"ownId"` // bot/self identity on this surface
	SelfChat        bool                    `mapstructure:"selfChat"`
	AllowFrom       []string                `mapstructure:"allowFrom"` // DM allowlist; empty (non-nil) = self only
	MentionPatterns []string                `mapstructure:"mentionPatterns"`
	Groups          map[string]*GroupConfig `mapstructure:"groups"`
	RatePerMinute   int                     `mapstructure:"ratePerMinute"` // 0 = unlimited

	mentionRegexps []*regexp.Regexp
}

// IsEnabled reports whether the surface participates at all. A surface with no
// config block never reaches this point; an explicit enabled:false opts out.
func (s *SurfaceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsSelfChat reports whether the surface runs against the operator's own
// account. In self-chat mode native mention metadata is unreliable (the
// platform flags the owner's own messages), so only text patterns count.
func (s *SurfaceConfig) IsSelfChat() bool {
	if s.SelfChat {
		return true
	}
	if s.AllowFrom != nil && len(s.AllowFrom) == 0 {
		return true
	}
	return s.OwnID != "" && len(s.AllowFrom) == 1 && s.AllowFrom[0] == s.OwnID
}

// MentionRegexps returns the compiled mention patterns for this surface.
func (s *SurfaceConfig) MentionRegexps() []*regexp.Regexp {
	return s.mentionRegexps
}

// HeartbeatConfig describes one scheduled idle wakeup.
type HeartbeatConfig struct {
	Every      string `mapstructure:"every"`      // cadence, e.g. "30m"
	Model      string `mapstructure:"model"`      // optional model override
	Prompt     string `mapstructure:"prompt"`     // optional prompt override
	Target     string `mapstructure:"target"`     // "last", a surface name, or "none"
	To         string `mapstructure:"to"`         // delivery destination when Target is a surface
	SessionKey string `mapstructure:"sessionKey"` // defaults to session.mainKey
}

// Cadence parses Every, falling back to 30 minutes.
func (h *HeartbeatConfig) Cadence() time.Duration {
	d, err := time.ParseDuration(h.Every)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// WebhookMatch selects a mapping by request path or by a "source" field in the
// payload body.
type WebhookMatch struct {
	Path   string `mapstructure:"path"`
	Source string `mapstructure:"source"`
}

// WebhookMapping translates an external HTTP event into a wake pulse or a full
// agent run. Templates use the {{...}} vocabulary shared with agent prompts.
type WebhookMapping struct {
	Name            string       `mapstructure:"name"`
	Match           WebhookMatch `mapstructure:"match"`
	Action          string       `mapstructure:"action"` // wake | agent
	SessionKey      string       `mapstructure:"sessionKey"`
	MessageTemplate string       `mapstructure:"messageTemplate"`
	WakeMode        string       `mapstructure:"wakeMode"` // now | next-heartbeat
	Transform       string       `mapstructure:"transform"`
	Deliver         bool         `mapstructure:"deliver"`
	Surface         string       `mapstructure:"surface"`
	To              string       `mapstructure:"to"`
}

// WebhookConfig gates the HTTP ingest surface.
type WebhookConfig struct {
	Token        string            `mapstructure:"token"`
	MaxBodyBytes int64             `mapstructure:"maxBodyBytes"`
	Mappings     []*WebhookMapping `mapstructure:"mappings"`
}

// DeliveryConfig controls outbound retry behavior.
type DeliveryConfig struct {
	MaxRetries int `mapstructure:"maxRetries"`
	BackoffMs  int `mapstructure:"backoffMs"`
}

// Load reads and validates the gateway configuration from path. A missing file
// yields the defaults: every field of the document is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("read gateway config: %w", err)
		}
		slog.Info("No gateway config found, using defaults", "path", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults, compiles mention patterns, and rejects values that
// cannot be interpreted. Invalid regex patterns are logged and skipped rather
// than failing the load.
func (c *Config) Validate() error {
	if c.Session.Scope == "" {
		c.Session.Scope = ScopePerSender
	}
	switch c.Session.Scope {
	case ScopePerSender, ScopePerGroup, ScopeGlobal:
	default:
		return fmt.Errorf("session.scope: unknown value %q", c.Session.Scope)
	}
	if c.Session.MainKey == "" {
		c.Session.MainKey = "main"
	}
	if c.Session.IdleMinutes <= 0 {
		c.Session.IdleMinutes = 60
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = 50
	}

	if c.Queue.Mode == "" {
		c.Queue.Mode = QueueCollect
	}
	if err := validateQueueMode(c.Queue.Mode); err != nil {
		return err
	}
	for surface, mode := range c.Queue.BySurface {
		if err := validateQueueMode(mode); err != nil {
			return fmt.Errorf("queue.bySurface.%s: %w", surface, err)
		}
	}
	if c.Queue.DebounceMs < 0 {
		c.Queue.DebounceMs = 0
	}
	if c.Queue.Cap <= 0 {
		c.Queue.Cap = 8
	}
	if c.Queue.Drop == "" {
		c.Queue.Drop = DropSummarize
	}
	switch c.Queue.Drop {
	case DropOld, DropNew, DropSummarize:
	default:
		return fmt.Errorf("queue.drop: unknown value %q", c.Queue.Drop)
	}

	if c.Agent.TimeoutSeconds <= 0 {
		c.Agent.TimeoutSeconds = 600
	}
	if c.Agent.MaxConcurrent <= 0 {
		c.Agent.MaxConcurrent = 4
	}
	if c.Agent.BlockReplyBreak == "" {
		c.Agent.BlockReplyBreak = BreakMessageEnd
	}
	switch c.Agent.BlockReplyBreak {
	case BreakTextEnd, BreakMessageEnd:
	default:
		return fmt.Errorf("agent.blockReplyBreak: unknown value %q", c.Agent.BlockReplyBreak)
	}
	if c.Agent.BlockReplyChunking.MinChars <= 0 {
		c.Agent.BlockReplyChunking.MinChars = 800
	}
	if c.Agent.BlockReplyChunking.MaxChars <= c.Agent.BlockReplyChunking.MinChars {
		c.Agent.BlockReplyChunking.MaxChars = c.Agent.BlockReplyChunking.MinChars + 400
	}
	if c.Agent.BlockReplyChunking.BreakPreference == "" {
		c.Agent.BlockReplyChunking.BreakPreference = "paragraph"
	}
	switch c.Agent.BlockReplyChunking.BreakPreference {
	case "paragraph", "newline", "sentence":
	default:
		return fmt.Errorf("agent.blockReplyChunking.breakPreference: unknown value %q",
			c.Agent.BlockReplyChunking.BreakPreference)
	}

	for name, surface := range c.Surfaces {
		surface.mentionRegexps = compilePatterns(name, surface.MentionPatterns)
	}

	for i, hb := range c.Heartbeats {
		if hb.Prompt == "" {
			hb.Prompt = "HEARTBEAT"
		}
		if hb.Target == "" {
			hb.Target = "last"
		}
		if hb.SessionKey == "" {
			hb.SessionKey = c.Session.MainKey
		}
		if _, err := time.ParseDuration(hb.Every); hb.Every != "" && err != nil {
			return fmt.Errorf("heartbeats[%d].every: %w", i, err)
		}
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 256 << 10
	}
	for i, m := range c.Webhook.Mappings {
		if m.Name == "" && m.Match.Path == "" && m.Match.Source == "" {
			return fmt.Errorf("webhook.mappings[%d]: needs a name or a match rule", i)
		}
		switch m.Action {
		case "wake", "agent":
		case "":
			m.Action = "agent"
		default:
			return fmt.Errorf("webhook.mappings[%d].action: unknown value %q", i, m.Action)
		}
		switch m.WakeMode {
		case "", "now", "next-heartbeat":
		default:
			return fmt.Errorf("webhook.mappings[%d].wakeMode: unknown value %q", i, m.WakeMode)
		}
	}

	if c.Delivery.MaxRetries <= 0 {
		c.Delivery.MaxRetries = 3
	}
	if c.Delivery.BackoffMs <= 0 {
		c.Delivery.BackoffMs = 500
	}

	return nil
}

func validateQueueMode(mode string) error {
	switch mode {
	case QueueSteer, QueueFollowup, QueueCollect, QueueSteerBacklog:
		return nil
	case QueueInterrupt:
		// Older configs used "interrupt" to mean what "steer" does today.
		// The mode is still honored, but it now cancels the active run.
		slog.Warn("queue mode \"interrupt\" cancels the active run and restarts; use \"steer\" to preempt in place")
		return nil
	default:
		return fmt.Errorf("queue mode: unknown value %q", mode)
	}
}

// compilePatterns compiles mention patterns case-insensitively. Invalid
// patterns are logged and skipped so one bad entry cannot disable a surface.
func compilePatterns(surface string, patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			slog.Warn("Skipping invalid mention pattern", "surface", surface, "pattern", p, "error", err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

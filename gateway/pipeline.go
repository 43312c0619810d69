package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/metrics"
	"github.com/hrygo/clawgate/session"
)

// Pipeline is the inbound path: gate, reset triggers, session resolution,
// then the coordinator. One pipeline instance serves all surface drivers
// through a shared sink channel.
type Pipeline struct {
	cfgFn      func() *config.Config
	gate       *Gate
	sessions   *session.Manager
	coord      *Coordinator
	dispatcher *Dispatcher
}

// NewPipeline assembles the inbound path.
func NewPipeline(cfgFn func() *config.Config, gate *Gate, sessions *session.Manager,
	coord *Coordinator, dispatcher *Dispatcher) *Pipeline {
	return &Pipeline{cfgFn: cfgFn, gate: gate, sessions: sessions, coord: coord, dispatcher: dispatcher}
}

// Run consumes the sink until ctx is done. Events are handled inline; the
// coordinator takes over concurrency from here.
func (p *Pipeline) Run(ctx context.Context, sink <-chan *chat.InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sink:
			if !ok {
				return
			}
			p.Handle(ctx, evt)
		}
	}
}

// Handle processes one inbound event end to end.
func (p *Pipeline) Handle(ctx context.Context, evt *chat.InboundEvent) {
	cfg := p.cfgFn()
	sc := cfg.Surfaces[string(evt.Surface)]

	verdict := p.gate.Check(sc, evt)
	if !verdict.Allowed {
		metrics.GateRejects.WithLabelValues(string(evt.Surface), verdict.Reason).Inc()
		slog.Debug("Gate rejected event",
			"surface", string(evt.Surface), "from", evt.From, "reason", verdict.Reason)
		return
	}
	metrics.GateAccepts.WithLabelValues(string(evt.Surface)).Inc()

	sess := p.sessions.Resolve(evt)
	body := verdict.Body

	// Reset triggers are checked before anything reaches the agent. The first
	// configured trigger that matches wins.
	if trigger := session.MatchResetTrigger(cfg.Session.ResetTriggers, body); trigger != "" {
		p.reset(ctx, evt, sess.Key, trigger)
		body = session.StripResetTrigger(trigger, body)
		if strings.TrimSpace(body) == "" {
			return
		}
	}

	input := &Input{
		SessionKey: sess.Key,
		Surface:    evt.Surface,
		To:         replyTarget(evt),
		Text:       composeText(body, evt),
		Origin:     OriginChat,
		Deliver:    true,
		ReceivedAt: evt.ReceivedAt,
	}
	p.dispatcher.Typing(evt.Surface, input.To)
	if _, err := p.coord.Submit(input); err != nil {
		slog.Error("Submit failed", "session", sess.Key, "error", err)
	}
}

// reset cancels any active run, clears the session, and confirms.
func (p *Pipeline) reset(ctx context.Context, evt *chat.InboundEvent, key, trigger string) {
	cancelled := p.coord.CancelActive(key)
	p.sessions.Reset(key)
	slog.Info("Reset trigger matched", "session", key, "trigger", trigger, "cancelled_run", cancelled)

	msg := &chat.OutgoingMessage{
		Surface: evt.Surface,
		To:      replyTarget(evt),
		Text:    "Session reset. Starting fresh.",
		Notice:  true,
	}
	if err := p.dispatcher.Deliver(ctx, msg); err != nil {
		slog.Debug("Reset confirmation not delivered", "session", key, "error", err)
	}
}

// composeText assembles the agent-visible text from the body, the speech
// transcript, and attachment references.
func composeText(body string, evt *chat.InboundEvent) string {
	parts := make([]string, 0, 3)
	if strings.TrimSpace(body) != "" {
		parts = append(parts, body)
	}
	if evt.Transcript != "" {
		parts = append(parts, fmt.Sprintf("[voice transcript] %s", evt.Transcript))
	}
	for _, m := range evt.Media {
		ref := m.Path
		if ref == "" {
			ref = m.URL
		}
		parts = append(parts, fmt.Sprintf("[attachment: %s (%s)] %s", m.FileName, m.MimeType, ref))
	}
	return strings.Join(parts, "\n")
}

// replyTarget picks the destination replies go back to.
func replyTarget(evt *chat.InboundEvent) string {
	if evt.To != "" {
		return evt.To
	}
	if evt.ChatType == chat.ChatGroup && evt.GroupID != "" {
		return evt.GroupID
	}
	return evt.From
}

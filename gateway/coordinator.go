package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/metrics"
	"github.com/hrygo/clawgate/session"
)

// Input origins, used for metrics and logging.
const (
	OriginChat      = "chat"
	OriginWebhook   = "webhook"
	OriginHeartbeat = "heartbeat"
)

// Input is one unit of work for a session: a gated chat message, a webhook
// mapping result, or a heartbeat prompt.
type Input struct {
	SessionKey string
	Surface    chat.Surface
	To         string // delivery destination on Surface
	Text       string
	Origin     string
	Model      string // optional model override
	Deliver    bool   // deliver blocks back to Surface/To
	ReceivedAt time.Time
}

// Coordinator serializes agent runs per session key and applies the queue
// policy to inputs that arrive while a run is active. A global semaphore
// bounds concurrent runs across all sessions; sessions past the cap wait
// their turn in FIFO order.
type Coordinator struct {
	cfgFn      func() *config.Config
	engine     agent.Engine
	sessions   *session.Manager
	dispatcher *Dispatcher

	sem *semaphore.Weighted

	// baseCtx parents every run context; cancelling it drains the gateway.
	baseCtx context.Context

	mu     chan struct{} // buffered-1 mutex, held across debounce bookkeeping
	states map[string]*keyState
	// routes remembers where the last delivered input came from, per key, for
	// heartbeat target "last". Kept apart from states so pruning an idle
	// keyState does not forget the route.
	routes map[string]Route
}

// keyState is the per-session-key coordination record. Entries are pruned once
// the key goes fully idle (no run, nothing queued or pending).
type keyState struct {
	active *agent.Run

	queue []*Input
	// summary collapses overflow under the summarize drop rule: once the cap
	// is hit the whole queue folds into one synthetic item that keeps counting.
	summary *summaryItem

	// debounce buffer; inputs wait here before policy evaluation
	pending      []*Input
	debounceTime *time.Timer
}

// Route is a surface/destination pair.
type Route struct {
	Surface chat.Surface
	To      string
}

type summaryItem struct {
	count int
	texts []string
	last  *Input // carries surface/destination for the synthetic input
}

// NewCoordinator wires the run pipeline together. cfgFn returns the current
// config snapshot so hot reloads take effect on the next run.
func NewCoordinator(ctx context.Context, cfgFn func() *config.Config, engine agent.Engine,
	sessions *session.Manager, dispatcher *Dispatcher) *Coordinator {
	cfg := cfgFn()
	c := &Coordinator{
		cfgFn:      cfgFn,
		engine:     engine,
		sessions:   sessions,
		dispatcher: dispatcher,
		sem:        semaphore.NewWeighted(int64(cfg.Agent.MaxConcurrent)),
		baseCtx:    ctx,
		mu:         make(chan struct{}, 1),
		states:     make(map[string]*keyState),
		routes:     make(map[string]Route),
	}
	return c
}

func (c *Coordinator) lock()   { c.mu <- struct{}{} }
func (c *Coordinator) unlock() { <-c.mu }

// Submit routes one input: start a run, debounce it, steer the active run, or
// queue it per the configured policy. The returned run is non-nil only when
// this input started a run immediately; queued and debounced inputs return
// nil and run later.
func (c *Coordinator) Submit(input *Input) (*agent.Run, error) {
	if input.SessionKey == "" {
		return nil, fmt.Errorf("coordinator: input without session key")
	}
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = time.Now()
	}
	cfg := c.cfgFn()

	c.lock()
	ks := c.state(input.SessionKey)
	if input.Deliver && input.Surface != "" {
		c.routes[input.SessionKey] = Route{Surface: input.Surface, To: input.To}
	}

	// Debounce coalesces rapid chat bursts into one combined input before the
	// queue policy sees it, whether or not a run is active.
	debounce := time.Duration(cfg.Queue.DebounceMs) * time.Millisecond
	if debounce > 0 && input.Origin == OriginChat {
		ks.pending = append(ks.pending, input)
		if ks.debounceTime != nil {
			ks.debounceTime.Stop()
		}
		key := input.SessionKey
		ks.debounceTime = time.AfterFunc(debounce, func() { c.flushDebounce(key) })
		c.unlock()
		return nil, nil
	}

	if ks.active != nil {
		run := ks.active
		mode := cfg.Queue.ModeFor(string(input.Surface))
		c.applyQueuePolicy(cfg, ks, run, input, mode)
		c.unlock()
		return nil, nil
	}
	c.unlock()
	return c.begin(input)
}

// applyQueuePolicy handles an input arriving while a run is active.
// Called with the lock held.
func (c *Coordinator) applyQueuePolicy(cfg *config.Config, ks *keyState, run *agent.Run, input *Input, mode string) {
	switch mode {
	case config.QueueSteer:
		if c.steer(run, input) {
			return
		}
		c.enqueue(cfg, ks, input)
	case config.QueueSteerBacklog:
		if c.steer(run, input) {
			// Steered text also lands in the backlog so the next run sees the
			// full record of what arrived.
			c.enqueue(cfg, ks, input)
			return
		}
		c.enqueue(cfg, ks, input)
	case config.QueueInterrupt:
		slog.Info("Interrupting active run", "session", input.SessionKey, "run_id", run.ID)
		run.Cancel()
		c.enqueue(cfg, ks, input)
	default: // followup, collect
		c.enqueue(cfg, ks, input)
	}
}

// steer forwards the text into the active run when the engine supports it.
func (c *Coordinator) steer(run *agent.Run, input *Input) bool {
	steerer, ok := c.engine.(agent.Steerer)
	if !ok {
		return false
	}
	if err := steerer.Steer(run.ID, input.Text); err != nil {
		slog.Warn("Steer failed, queueing as followup", "run_id", run.ID, "error", err)
		return false
	}
	slog.Debug("Steered active run", "run_id", run.ID, "session", input.SessionKey)
	return true
}

// enqueue adds an input to the session queue, enforcing the cap with the
// configured drop rule. Under summarize, hitting the cap folds the queue and
// everything after it into one synthetic item. Called with the lock held.
func (c *Coordinator) enqueue(cfg *config.Config, ks *keyState, input *Input) {
	if ks.summary != nil {
		metrics.QueueDrops.WithLabelValues(config.DropSummarize).Inc()
		ks.summary.count++
		ks.summary.texts = append(ks.summary.texts, input.Text)
		ks.summary.last = input
		return
	}
	if len(ks.queue) >= cfg.Queue.Cap {
		switch cfg.Queue.Drop {
		case config.DropNew:
			metrics.QueueDrops.WithLabelValues(config.DropNew).Inc()
			slog.Warn("Queue full, dropping newest input", "session", input.SessionKey)
			return
		case config.DropOld:
			metrics.QueueDrops.WithLabelValues(config.DropOld).Inc()
			ks.queue = ks.queue[1:]
		default: // summarize
			metrics.QueueDrops.WithLabelValues(config.DropSummarize).Inc()
			summary := &summaryItem{count: len(ks.queue) + 1, last: input}
			for _, q := range ks.queue {
				summary.texts = append(summary.texts, q.Text)
			}
			summary.texts = append(summary.texts, input.Text)
			metrics.QueueDepth.Sub(float64(len(ks.queue)))
			ks.queue = nil
			ks.summary = summary
			return
		}
	}
	ks.queue = append(ks.queue, input)
	metrics.QueueDepth.Inc()
}

// flushDebounce merges the debounce buffer into one input, then either feeds
// it to the active run's queue policy or starts a run.
func (c *Coordinator) flushDebounce(key string) {
	c.lock()
	ks := c.state(key)
	pending := ks.pending
	ks.pending = nil
	if len(pending) == 0 {
		c.unlock()
		return
	}

	merged := pending[0]
	if len(pending) > 1 {
		texts := make([]string, len(pending))
		for i, p := range pending {
			texts[i] = p.Text
		}
		merged = pending[len(pending)-1]
		merged.Text = strings.Join(texts, "\n")
	}

	if ks.active != nil {
		cfg := c.cfgFn()
		mode := cfg.Queue.ModeFor(string(merged.Surface))
		c.applyQueuePolicy(cfg, ks, ks.active, merged, mode)
		c.unlock()
		return
	}
	c.unlock()

	if _, err := c.begin(merged); err != nil {
		slog.Error("Debounced run failed to start", "session", key, "error", err)
	}
}

// begin claims the session and starts a run for the input. If another run won
// the race the input falls back through Submit and queues.
func (c *Coordinator) begin(input *Input) (*agent.Run, error) {
	cfg := c.cfgFn()

	timeout := time.Duration(cfg.Agent.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(c.baseCtx, timeout)

	model := input.Model
	if model == "" {
		model = cfg.Agent.Model
	}
	run := agent.NewRun(input.SessionKey, model, cancel)

	c.lock()
	ks := c.state(input.SessionKey)
	if ks.active != nil {
		c.unlock()
		cancel()
		return c.Submit(input)
	}
	ks.active = run
	c.unlock()

	if !c.sessions.BeginRun(input.SessionKey, run.ID) {
		c.lock()
		ks.active = nil
		c.unlock()
		cancel()
		return nil, fmt.Errorf("coordinator: session %s already owned", input.SessionKey)
	}

	metrics.RunsStarted.WithLabelValues(input.Origin).Inc()
	slog.Info("Run starting", "run_id", run.ID, "session", input.SessionKey, "origin", input.Origin)

	go c.execute(runCtx, cfg, run, input)
	return run, nil
}

// execute drives one run to completion and then drains the queue.
func (c *Coordinator) execute(ctx context.Context, cfg *config.Config, run *agent.Run, input *Input) {
	defer metrics.SessionsLive.Set(float64(c.sessions.Count()))

	if err := c.sem.Acquire(ctx, 1); err != nil {
		slog.Warn("Run cancelled waiting for a slot", "run_id", run.ID, "error", err)
		c.finishRun(run, input, "")
		return
	}
	defer c.sem.Release(1)

	started := time.Now()
	req := &agent.Request{
		RunID:        run.ID,
		Model:        run.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		History:      c.sessions.History(input.SessionKey),
		Input:        input.Text,
	}

	events, err := c.engine.Run(ctx, req)
	if err != nil {
		metrics.RunsFailed.Inc()
		slog.Error("Engine refused run", "run_id", run.ID, "error", err)
		if input.Deliver && input.Surface != "" {
			c.deliverNotice(input, "⚠️ Agent is unavailable right now.")
		}
		c.finishRun(run, input, "")
		return
	}

	sub := agent.NewSubscriber(run, agent.SubscriberOptions{
		EnforceFinalTag: cfg.Agent.EnforceFinalTag,
		BlockBreak:      cfg.Agent.BlockReplyBreak,
		Chunking: agent.ChunkPolicy{
			MinChars:        cfg.Agent.BlockReplyChunking.MinChars,
			MaxChars:        cfg.Agent.BlockReplyChunking.MaxChars,
			BreakPreference: cfg.Agent.BlockReplyChunking.BreakPreference,
		},
		OnPartial: func(string) {
			// Keeps the typing indicator alive on surfaces that show one.
			if input.Deliver && input.Surface != "" {
				c.dispatcher.Typing(input.Surface, input.To)
			}
		},
		OnBlock: func(block agent.Block) {
			if !input.Deliver || input.Surface == "" {
				return
			}
			msg := &chat.OutgoingMessage{
				Surface:   input.Surface,
				To:        input.To,
				Text:      block.Text,
				MediaURLs: block.MediaURLs,
			}
			if err := c.dispatcher.Deliver(context.WithoutCancel(ctx), msg); err != nil {
				slog.Warn("Block delivery failed", "run_id", run.ID, "error", err)
			}
		},
		OnToolResult: func(tr agent.ToolResult) {
			slog.Debug("Tool finished", "run_id", run.ID, "tool", tr.Name, "status", tr.Status, "count", tr.Count)
		},
	})
	sub.Consume(events)

	metrics.RunDuration.Observe(time.Since(started).Seconds())
	if run.Err() != nil {
		metrics.RunsFailed.Inc()
		slog.Error("Run failed", "run_id", run.ID, "error", run.Err())
		if input.Deliver && input.Surface != "" {
			c.deliverNotice(input, "⚠️ The agent hit an error; partial output above may be incomplete.")
		}
	} else {
		slog.Info("Run finished", "run_id", run.ID, "session", input.SessionKey,
			"duration", time.Since(started).Round(time.Millisecond),
			"compaction_retries", run.CompactionRetries())
	}

	c.finishRun(run, input, run.FinalText())
}

// finishRun records history, releases the session, and drains the queue.
func (c *Coordinator) finishRun(run *agent.Run, input *Input, finalText string) {
	now := time.Now().Unix()
	turns := []agent.Message{{Role: "user", Content: input.Text, Ts: now}}
	if finalText != "" {
		turns = append(turns, agent.Message{Role: "assistant", Content: finalText, Ts: now})
	}
	c.sessions.AppendHistory(input.SessionKey, turns...)
	c.sessions.EndRun(input.SessionKey, run.ID)

	c.lock()
	ks := c.state(input.SessionKey)
	ks.active = nil
	next := c.dequeueLocked(ks, input.SessionKey)
	if next == nil && len(ks.queue) == 0 && ks.summary == nil && len(ks.pending) == 0 {
		// Fully idle; drop the record so the table does not grow forever.
		delete(c.states, input.SessionKey)
	}
	c.unlock()

	if next != nil {
		if _, err := c.begin(next); err != nil {
			slog.Error("Queued run failed to start", "session", input.SessionKey, "error", err)
		}
	}
}

// dequeueLocked builds the next input from the queue per the configured mode:
// collect and steer-backlog merge everything queued into one combined input,
// followup takes one item at a time. A summarize note covers inputs the cap
// discarded. Called with the lock held.
func (c *Coordinator) dequeueLocked(ks *keyState, key string) *Input {
	if ks.summary != nil {
		next := ks.summary.last
		lines := append(
			[]string{fmt.Sprintf("[%d messages while you were busy]", ks.summary.count)},
			dedupeTexts(ks.summary.texts)...,
		)
		next.Text = strings.Join(lines, "\n")
		ks.summary = nil
		return next
	}
	if len(ks.queue) == 0 {
		return nil
	}
	cfg := c.cfgFn()

	mode := cfg.Queue.Mode
	if m := cfg.Queue.BySurface[string(ks.queue[0].Surface)]; m != "" {
		mode = m
	}

	var next *Input
	switch mode {
	case config.QueueFollowup, config.QueueSteer, config.QueueInterrupt:
		next = ks.queue[0]
		ks.queue = ks.queue[1:]
		metrics.QueueDepth.Dec()
	default: // collect, steer-backlog
		texts := make([]string, 0, len(ks.queue))
		for _, q := range ks.queue {
			texts = append(texts, q.Text)
		}
		next = ks.queue[len(ks.queue)-1]
		next.Text = strings.Join(dedupeTexts(texts), "\n")
		metrics.QueueDepth.Sub(float64(len(ks.queue)))
		ks.queue = nil
	}
	return next
}

// dedupeTexts drops repeated texts, keeping first-occurrence order, so a
// combined input reflects what was said rather than how often it was resent.
func dedupeTexts(texts []string) []string {
	seen := make(map[string]struct{}, len(texts))
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// deliverNotice sends a minimal failure notice on a best-effort basis.
func (c *Coordinator) deliverNotice(input *Input, text string) {
	msg := &chat.OutgoingMessage{Surface: input.Surface, To: input.To, Text: text, Notice: true}
	if err := c.dispatcher.Deliver(context.WithoutCancel(c.baseCtx), msg); err != nil {
		slog.Debug("Notice delivery failed", "surface", string(input.Surface), "error", err)
	}
}

// CancelActive cancels the run owning key, if any. Used by reset triggers.
func (c *Coordinator) CancelActive(key string) bool {
	c.lock()
	ks, ok := c.states[key]
	var run *agent.Run
	if ok {
		run = ks.active
		ks.queue = nil
		ks.summary = nil
		ks.pending = nil
		if ks.debounceTime != nil {
			ks.debounceTime.Stop()
		}
	}
	c.unlock()

	if run == nil {
		return false
	}
	run.Cancel()
	return true
}

// ActiveRun returns the run owning key, or nil.
func (c *Coordinator) ActiveRun(key string) *agent.Run {
	c.lock()
	defer c.unlock()
	if ks, ok := c.states[key]; ok {
		return ks.active
	}
	return nil
}

// LastRoute returns the most recent delivery route for key.
func (c *Coordinator) LastRoute(key string) (Route, bool) {
	c.lock()
	defer c.unlock()
	if route, ok := c.routes[key]; ok && route.Surface != "" {
		return route, true
	}
	return Route{}, false
}

// state returns the keyState for key, creating it. Called with the lock held.
func (c *Coordinator) state(key string) *keyState {
	ks, ok := c.states[key]
	if !ok {
		ks = &keyState{}
		c.states[key] = ks
	}
	return ks
}

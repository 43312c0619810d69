package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/metrics"
)

// Heartbeat tick statuses.
const (
	HeartbeatSent    = "sent"
	HeartbeatOKEmpty = "ok-empty"
	HeartbeatOKToken = "ok-token"
	HeartbeatSkipped = "skipped"
	HeartbeatFailed  = "failed"
)

// heartbeatAckToken is the reply an agent gives when it has nothing to say.
// A reply consisting of only this token is swallowed, not delivered.
const heartbeatAckToken = "HEARTBEAT_OK"

// heartbeatRetryBase is the first retry delay after a failed tick. Retries
// double from here but never wait longer than the configured cadence.
const heartbeatRetryBase = 30 * time.Second

// Tick records the outcome of one heartbeat attempt.
type Tick struct {
	At     time.Time `json:"at"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// HeartbeatScheduler wakes idle sessions on a cadence so the agent can act on
// accumulated context without a human prompt. Each configured heartbeat runs
// its own loop; failures back the cadence off exponentially until a tick
// succeeds again.
type HeartbeatScheduler struct {
	cfgFn      func() *config.Config
	coord      *Coordinator
	dispatcher *Dispatcher

	mu   sync.Mutex
	jobs []*heartbeatJob
}

type heartbeatJob struct {
	cfg  *config.HeartbeatConfig
	wake chan struct{}

	mu       sync.Mutex
	last     Tick
	failures int
}

// NewHeartbeatScheduler builds the scheduler from the current config.
func NewHeartbeatScheduler(cfgFn func() *config.Config, coord *Coordinator, dispatcher *Dispatcher) *HeartbeatScheduler {
	s := &HeartbeatScheduler{cfgFn: cfgFn, coord: coord, dispatcher: dispatcher}
	for _, hb := range cfgFn().Heartbeats {
		s.jobs = append(s.jobs, &heartbeatJob{cfg: hb, wake: make(chan struct{}, 1)})
	}
	return s
}

// Start launches one loop per configured heartbeat.
func (s *HeartbeatScheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		go s.loop(ctx, job)
	}
	if len(s.jobs) > 0 {
		slog.Info("Heartbeat scheduler started", "jobs", len(s.jobs))
	}
}

// Wake fires every heartbeat immediately. Used by webhook mappings with
// wakeMode "now"; "next-heartbeat" simply waits for the regular tick.
func (s *HeartbeatScheduler) Wake() {
	for _, job := range s.jobs {
		select {
		case job.wake <- struct{}{}:
		default:
		}
	}
}

// LastTicks returns the most recent outcome per heartbeat, keyed by session.
func (s *HeartbeatScheduler) LastTicks() map[string]Tick {
	out := make(map[string]Tick, len(s.jobs))
	for _, job := range s.jobs {
		job.mu.Lock()
		out[job.cfg.SessionKey] = job.last
		job.mu.Unlock()
	}
	return out
}

func (s *HeartbeatScheduler) loop(ctx context.Context, job *heartbeatJob) {
	for {
		job.mu.Lock()
		failures := job.failures
		job.mu.Unlock()

		timer := time.NewTimer(retryInterval(job.cfg.Cadence(), failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-job.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.tick(ctx, job)
	}
}

func (s *HeartbeatScheduler) tick(ctx context.Context, job *heartbeatJob) {
	key := job.cfg.SessionKey

	// A session mid-run is busy; waking it would only queue noise.
	if s.coord.ActiveRun(key) != nil {
		s.record(job, Tick{At: time.Now(), Status: HeartbeatSkipped, Detail: "run active"}, false)
		return
	}

	run, err := s.coord.Submit(&Input{
		SessionKey: key,
		Text:       job.cfg.Prompt,
		Origin:     OriginHeartbeat,
		Model:      job.cfg.Model,
	})
	if err != nil || run == nil {
		s.record(job, Tick{At: time.Now(), Status: HeartbeatSkipped, Detail: "could not start"}, false)
		return
	}
	if err := run.Wait(ctx); err != nil && run.Err() == nil {
		s.record(job, Tick{At: time.Now(), Status: HeartbeatFailed, Detail: err.Error()}, true)
		return
	}
	if err := run.Err(); err != nil {
		s.record(job, Tick{At: time.Now(), Status: HeartbeatFailed, Detail: err.Error()}, true)
		return
	}

	reply := strings.TrimSpace(run.FinalText())
	switch {
	case reply == "":
		s.record(job, Tick{At: time.Now(), Status: HeartbeatOKEmpty}, false)
	case isAckOnly(reply):
		s.record(job, Tick{At: time.Now(), Status: HeartbeatOKToken}, false)
	default:
		s.deliver(ctx, job, key, reply)
	}
}

// deliver routes heartbeat output to the configured target.
func (s *HeartbeatScheduler) deliver(ctx context.Context, job *heartbeatJob, key, reply string) {
	route, ok := s.resolveTarget(job.cfg, key)
	if !ok {
		s.record(job, Tick{At: time.Now(), Status: HeartbeatOKEmpty, Detail: "no delivery target"}, false)
		return
	}
	msg := &chat.OutgoingMessage{Surface: route.Surface, To: route.To, Text: reply}
	if err := s.dispatcher.Deliver(ctx, msg); err != nil {
		s.record(job, Tick{At: time.Now(), Status: HeartbeatFailed, Detail: err.Error()}, true)
		return
	}
	s.record(job, Tick{At: time.Now(), Status: HeartbeatSent}, false)
}

// resolveTarget maps the target field to a route: "none" never delivers,
// "last" follows the most recent conversation, anything else names a surface.
func (s *HeartbeatScheduler) resolveTarget(cfg *config.HeartbeatConfig, key string) (Route, bool) {
	switch cfg.Target {
	case "none":
		return Route{}, false
	case "last", "":
		return s.coord.LastRoute(key)
	default:
		if cfg.To == "" {
			return Route{}, false
		}
		return Route{Surface: chat.Surface(cfg.Target), To: cfg.To}, true
	}
}

func (s *HeartbeatScheduler) record(job *heartbeatJob, tick Tick, failed bool) {
	metrics.HeartbeatTicks.WithLabelValues(tick.Status).Inc()
	job.mu.Lock()
	job.last = tick
	if failed {
		job.failures++
	} else if tick.Status != HeartbeatSkipped {
		job.failures = 0
	}
	job.mu.Unlock()

	if failed {
		slog.Warn("Heartbeat tick failed", "session", job.cfg.SessionKey, "detail", tick.Detail)
	} else {
		slog.Debug("Heartbeat tick", "session", job.cfg.SessionKey, "status", tick.Status)
	}
}

// retryInterval picks the next wait: the regular cadence when healthy, or a
// doubling retry delay after failures that never exceeds the cadence.
func retryInterval(cadence time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return cadence
	}
	delay := heartbeatRetryBase
	for i := 1; i < failures && delay < cadence; i++ {
		delay *= 2
	}
	if delay > cadence {
		return cadence
	}
	return delay
}

// isAckOnly reports whether the reply is just the ack token, optionally
// wrapped in trivial punctuation.
func isAckOnly(reply string) bool {
	trimmed := strings.Trim(reply, " \t\n.!")
	return strings.EqualFold(trimmed, heartbeatAckToken)
}

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState tracks where a run is in its lifecycle.
type RunState string

const (
	RunStarting   RunState = "starting"
	RunStreaming  RunState = "streaming"
	RunCompacting RunState = "compacting"
	RunEnding     RunState = "ending"
)

// Run is one in-flight agent invocation for a session. The coordinator creates
// it, the subscriber mutates it while consuming the event stream, and external
// waiters observe completion through Wait.
type Run struct {
	ID         string
	SessionKey string
	Model      string
	StartedAt  time.Time

	cancel context.CancelFunc

	mu                sync.Mutex
	state             RunState
	assistantTexts    []string
	toolResults       []ToolResult
	compactionRetries int
	pendingRetries    int
	compactionBusy    bool
	err               error

	done     chan struct{}
	doneOnce sync.Once
	// settled is re-armed while compaction is in flight; WaitSettled blocks on
	// the current generation.
	settled chan struct{}
}

// NewRun creates a run bound to a cancel function for the stream context.
func NewRun(sessionKey, model string, cancel context.CancelFunc) *Run {
	settled := make(chan struct{})
	close(settled)
	return &Run{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Model:      model,
		StartedAt:  time.Now(),
		cancel:     cancel,
		state:      RunStarting,
		done:       make(chan struct{}),
		settled:    settled,
	}
}

// Cancel requests the run to stop. The subscriber flushes buffered text as a
// terminal block and the run finishes through the normal end path.
func (r *Run) Cancel() {
	r.setState(RunEnding)
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until the run completes or ctx expires. A run completes exactly
// once regardless of compaction retries: retries keep the run alive, so
// waiters observe a single logical completion.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitSettled blocks until no compaction is in flight and no retries are
// pending, or ctx expires. Used by webhook responders and CLI waiters that
// must not read run output mid-compaction.
func (r *Run) WaitSettled(ctx context.Context) error {
	for {
		r.mu.Lock()
		ch := r.settled
		ready := !r.compactionBusy && r.pendingRetries == 0
		r.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Err returns the terminal error, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// AssistantTexts returns the visible assistant messages accumulated so far.
func (r *Run) AssistantTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.assistantTexts))
	copy(out, r.assistantTexts)
	return out
}

// FinalText joins the visible assistant messages of the run.
func (r *Run) FinalText() string {
	texts := r.AssistantTexts()
	switch len(texts) {
	case 0:
		return ""
	case 1:
		return texts[0]
	}
	joined := texts[0]
	for _, t := range texts[1:] {
		joined += "\n\n" + t
	}
	return joined
}

// ToolResults returns the sanitized tool results accumulated so far.
func (r *Run) ToolResults() []ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolResult, len(r.toolResults))
	copy(out, r.toolResults)
	return out
}

// CompactionRetries reports how many transparent restarts the run absorbed.
func (r *Run) CompactionRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compactionRetries
}

func (r *Run) addAssistantText(text string) {
	r.mu.Lock()
	r.assistantTexts = append(r.assistantTexts, text)
	if r.pendingRetries > 0 {
		r.pendingRetries = 0
		r.signalSettledLocked()
	}
	r.mu.Unlock()
}

func (r *Run) addToolResult(tr ToolResult) {
	r.mu.Lock()
	r.toolResults = append(r.toolResults, tr)
	r.mu.Unlock()
}

func (r *Run) compactionStarted() {
	r.mu.Lock()
	r.state = RunCompacting
	if !r.compactionBusy {
		r.compactionBusy = true
		r.settled = make(chan struct{})
	}
	r.mu.Unlock()
}

func (r *Run) compactionEnded(willRetry bool) {
	r.mu.Lock()
	r.compactionBusy = false
	r.state = RunStreaming
	if willRetry {
		r.compactionRetries++
		r.pendingRetries++
	} else {
		r.signalSettledLocked()
	}
	// Buffers are reset by the subscriber when willRetry is set; the run keeps
	// only the retry counters.
	r.assistantTextsResetLocked(willRetry)
	r.mu.Unlock()
}

func (r *Run) assistantTextsResetLocked(reset bool) {
	if reset {
		r.assistantTexts = r.assistantTexts[:0]
		r.toolResults = r.toolResults[:0]
	}
}

func (r *Run) signalSettledLocked() {
	select {
	case <-r.settled:
	default:
		close(r.settled)
	}
}

// finish marks the run complete. Idempotent.
func (r *Run) finish() {
	r.mu.Lock()
	r.state = RunEnding
	r.signalSettledLocked()
	r.pendingRetries = 0
	r.compactionBusy = false
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/session"
)

// fakeEngine records requests and holds each run open until released.
type fakeEngine struct {
	mu       sync.Mutex
	requests []*agent.Request
	release  chan struct{}
	reply    string
}

func newFakeEngine(reply string) *fakeEngine {
	return &fakeEngine{release: make(chan struct{}), reply: reply}
}

func (f *fakeEngine) Run(ctx context.Context, req *agent.Request) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	release := f.release
	f.mu.Unlock()

	events := make(chan agent.Event, 8)
	go func() {
		defer close(events)
		events <- agent.Event{Type: agent.EventAgentStart}
		select {
		case <-release:
		case <-ctx.Done():
		}
		events <- agent.Event{Type: agent.EventMessageUpdate, Text: f.reply}
		events <- agent.Event{Type: agent.EventMessageEnd}
		events <- agent.Event{Type: agent.EventAgentEnd}
	}()
	return events, nil
}

func (f *fakeEngine) releaseAll() {
	f.mu.Lock()
	close(f.release)
	f.release = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeEngine) inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Input
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Queue.Mode = config.QueueCollect
	cfg.Queue.Cap = 2
	cfg.Queue.Drop = config.DropSummarize
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func newTestCoordinator(t *testing.T, engine agent.Engine, cfg *config.Config) (*Coordinator, *session.Manager) {
	t.Helper()
	sessions, err := session.NewManager(&cfg.Session, nil)
	require.NoError(t, err)

	dispatcher := NewDispatcher(chat.NewRouter(), &cfg.Delivery)
	coord := NewCoordinator(context.Background(), func() *config.Config { return cfg }, engine, sessions, dispatcher)
	return coord, sessions
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestCoordinatorSingleActiveRunPerKey(t *testing.T) {
	engine := newFakeEngine("done")
	coord, sessions := newTestCoordinator(t, engine, testConfig())

	run, err := coord.Submit(&Input{SessionKey: "k", Text: "first", Origin: OriginChat})
	require.NoError(t, err)
	require.NotNil(t, run)
	waitFor(t, func() bool { return sessions.ActiveRun("k") == run.ID }, "run claims session")
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")

	// A second input while the run is active must queue, not start a run.
	queued, err := coord.Submit(&Input{SessionKey: "k", Text: "second", Origin: OriginChat})
	require.NoError(t, err)
	assert.Nil(t, queued)
	assert.Equal(t, run.ID, sessions.ActiveRun("k"))

	engine.releaseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	waitFor(t, func() bool { return len(engine.inputs()) == 2 }, "queued input runs next")
	waitFor(t, func() bool { return coord.ActiveRun("k") != nil }, "second run active")
	engine.releaseAll()
	waitFor(t, func() bool { return coord.ActiveRun("k") == nil }, "second run finishes")
}

func TestCoordinatorCollectWithSummarizeCap(t *testing.T) {
	engine := newFakeEngine("done")
	coord, _ := newTestCoordinator(t, engine, testConfig())

	run, err := coord.Submit(&Input{SessionKey: "k", Text: "busy work", Origin: OriginChat})
	require.NoError(t, err)
	require.NotNil(t, run)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")

	for _, text := range []string{"a", "b", "c"} {
		_, err := coord.Submit(&Input{SessionKey: "k", Text: text, Origin: OriginChat})
		require.NoError(t, err)
	}

	engine.releaseAll()
	waitFor(t, func() bool { return len(engine.inputs()) == 2 }, "collected run started")

	combined := engine.inputs()[1]
	assert.Contains(t, combined, "[3 messages while you were busy]")
	assert.Contains(t, combined, "a")
	assert.Contains(t, combined, "b")
	assert.Contains(t, combined, "c")
	assert.Equal(t, 1, strings.Count(combined, "["), "one synthetic summary item")

	engine.releaseAll()
	waitFor(t, func() bool { return coord.ActiveRun("k") == nil }, "drained")
}

func TestCoordinatorCollectDeduplicatesQueuedTexts(t *testing.T) {
	engine := newFakeEngine("done")
	cfg := testConfig()
	cfg.Queue.Cap = 8
	coord, _ := newTestCoordinator(t, engine, cfg)

	run, err := coord.Submit(&Input{SessionKey: "k", Text: "busy work", Origin: OriginChat})
	require.NoError(t, err)
	require.NotNil(t, run)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")

	for _, text := range []string{"same", "same", "other"} {
		_, err := coord.Submit(&Input{SessionKey: "k", Text: text, Origin: OriginChat})
		require.NoError(t, err)
	}

	engine.releaseAll()
	waitFor(t, func() bool { return len(engine.inputs()) == 2 }, "collected run started")

	combined := engine.inputs()[1]
	assert.Equal(t, "same\nother", combined, "resent text appears once, order kept")

	engine.releaseAll()
	waitFor(t, func() bool { return coord.ActiveRun("k") == nil }, "drained")
}

func TestCoordinatorSummarizeDeduplicatesTexts(t *testing.T) {
	engine := newFakeEngine("done")
	coord, _ := newTestCoordinator(t, engine, testConfig())

	run, err := coord.Submit(&Input{SessionKey: "k", Text: "busy work", Origin: OriginChat})
	require.NoError(t, err)
	require.NotNil(t, run)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")

	for i := 0; i < 3; i++ {
		_, err := coord.Submit(&Input{SessionKey: "k", Text: "dup", Origin: OriginChat})
		require.NoError(t, err)
	}

	engine.releaseAll()
	waitFor(t, func() bool { return len(engine.inputs()) == 2 }, "summarized run started")

	combined := engine.inputs()[1]
	assert.Contains(t, combined, "[3 messages while you were busy]", "count reflects every arrival")
	assert.Equal(t, 1, strings.Count(combined, "dup"), "repeated text folded into one line")

	engine.releaseAll()
	waitFor(t, func() bool { return coord.ActiveRun("k") == nil }, "drained")
}

func TestCoordinatorDebounceCoalescesDuringActiveRun(t *testing.T) {
	engine := newFakeEngine("done")
	cfg := testConfig()
	cfg.Queue.Mode = config.QueueFollowup
	cfg.Queue.DebounceMs = 20
	coord, _ := newTestCoordinator(t, engine, cfg)

	// Webhook origin bypasses debounce, so the first run starts immediately.
	run, err := coord.Submit(&Input{SessionKey: "k", Text: "busy work", Origin: OriginWebhook})
	require.NoError(t, err)
	require.NotNil(t, run)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")

	for _, text := range []string{"b1", "b2"} {
		_, err := coord.Submit(&Input{SessionKey: "k", Text: text, Origin: OriginChat})
		require.NoError(t, err)
	}
	// Let the debounce window close so the burst lands as one queued item.
	time.Sleep(80 * time.Millisecond)

	engine.releaseAll()
	waitFor(t, func() bool { return len(engine.inputs()) == 2 }, "one follow-up run for the burst")
	assert.Equal(t, "b1\nb2", engine.inputs()[1])

	engine.releaseAll()
	waitFor(t, func() bool { return coord.ActiveRun("k") == nil }, "drained")
	assert.Len(t, engine.inputs(), 2, "the burst produced a single run")
}

func TestCoordinatorPrunesIdleStateKeepsRoute(t *testing.T) {
	engine := newFakeEngine("done")
	coord, _ := newTestCoordinator(t, engine, testConfig())

	run, err := coord.Submit(&Input{
		SessionKey: "k", Text: "hi", Origin: OriginChat,
		Surface: chat.SurfaceTelegram, To: "42", Deliver: true,
	})
	require.NoError(t, err)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")
	engine.releaseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	waitFor(t, func() bool {
		coord.lock()
		_, ok := coord.states["k"]
		coord.unlock()
		return !ok
	}, "idle key state pruned")

	route, ok := coord.LastRoute("k")
	require.True(t, ok, "route survives pruning")
	assert.Equal(t, chat.SurfaceTelegram, route.Surface)
	assert.Equal(t, "42", route.To)
}

func TestCoordinatorHistoryFlowsIntoNextRun(t *testing.T) {
	engine := newFakeEngine("the answer")
	coord, sessions := newTestCoordinator(t, engine, testConfig())

	run, err := coord.Submit(&Input{SessionKey: "k", Text: "question", Origin: OriginChat})
	require.NoError(t, err)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "first run started")
	engine.releaseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	waitFor(t, func() bool { return len(sessions.History("k")) == 2 }, "turn recorded")
	history := sessions.History("k")
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "question", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "the answer", history[1].Content)
}

func TestCoordinatorCancelActiveClearsQueue(t *testing.T) {
	engine := newFakeEngine("done")
	coord, _ := newTestCoordinator(t, engine, testConfig())

	run, err := coord.Submit(&Input{SessionKey: "k", Text: "long task", Origin: OriginChat})
	require.NoError(t, err)
	waitFor(t, func() bool { return len(engine.inputs()) == 1 }, "run started")

	_, err = coord.Submit(&Input{SessionKey: "k", Text: "queued", Origin: OriginChat})
	require.NoError(t, err)

	require.True(t, coord.CancelActive("k"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	waitFor(t, func() bool { return coord.ActiveRun("k") == nil }, "no follow-up run after cancel")
	assert.Len(t, engine.inputs(), 1, "queued input discarded by cancel")
}

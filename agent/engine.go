package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Request describes one agent invocation.
type Request struct {
	RunID        string
	Model        string
	SystemPrompt string
	History      []Message
	Input        string
}

// Engine produces the agent event stream for a run. The returned channel is
// closed after the terminal agent_end event. Implementations must honor ctx
// cancellation by winding down the stream.
type Engine interface {
	Run(ctx context.Context, req *Request) (<-chan Event, error)
}

// Steerer is implemented by engines that can accept a new user input while a
// run is active, preempting the model's next turn without restarting the run.
// Engines without this capability fall back to followup semantics in the
// coordinator.
type Steerer interface {
	Steer(runID string, text string) error
}

// EngineConfig configures the OpenAI-compatible streaming engine.
type EngineConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	Timeout     int     // request timeout in seconds (default: 120)
}

// OpenAIEngine streams completions from any OpenAI-compatible provider.
type OpenAIEngine struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewOpenAIEngine creates a streaming engine for an OpenAI-compatible API.
func NewOpenAIEngine(cfg EngineConfig) (*OpenAIEngine, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("engine: model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient(time.Duration(timeout) * time.Second)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     time.Duration(timeout) * time.Second,
	}, nil
}

// newHTTPClient builds the HTTP client used for streaming calls. The overall
// timeout is left to the request context so long streams are not cut off.
func newHTTPClient(dialTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: dialTimeout,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Run starts one streaming completion and adapts it to the agent event
// contract: agent_start, monotone message_update events, text_end,
// message_end, agent_end.
func (e *OpenAIEngine) Run(ctx context.Context, req *Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = e.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	events := make(chan Event, 64)

	go func() {
		defer close(events)

		events <- Event{Type: EventAgentStart}

		stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       model,
			MaxTokens:   e.maxTokens,
			Temperature: e.temperature,
			Messages:    messages,
		})
		if err != nil {
			slog.Error("Engine stream create failed", "run_id", req.RunID, "model", model, "error", err)
			events <- Event{Type: EventError, Err: fmt.Errorf("create stream: %w", err)}
			events <- Event{Type: EventAgentEnd}
			return
		}
		defer func() { _ = stream.Close() }() //nolint:errcheck // cleanup

		var text strings.Builder
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF") {
					events <- Event{Type: EventTextEnd}
					events <- Event{Type: EventMessageEnd}
					events <- Event{Type: EventAgentEnd}
					return
				}
				if ctx.Err() != nil {
					// Cancelled mid-stream: whatever accumulated is flushed
					// downstream as a terminal block.
					events <- Event{Type: EventMessageEnd}
					events <- Event{Type: EventAgentEnd}
					return
				}
				slog.Error("Engine stream receive error", "run_id", req.RunID, "error", err)
				events <- Event{Type: EventError, Err: fmt.Errorf("stream recv: %w", err)}
				events <- Event{Type: EventAgentEnd}
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			events <- Event{Type: EventMessageUpdate, Text: text.String()}
		}
	}()

	return events, nil
}

// Package agent runs the embedded coding agent and turns its raw event stream
// into deliverable output. The engine produces typed events; the subscriber
// consumes them, strips thinking segments, enforces the final tag, and slices
// assistant text into transport-sized blocks.
package agent

import "strconv"

// EventType tags one agent stream event.
type EventType string

const (
	EventAgentStart      EventType = "agent_start"
	EventMessageUpdate   EventType = "message_update" // cumulative assistant text
	EventTextEnd         EventType = "text_end"
	EventMessageEnd      EventType = "message_end"
	EventToolStart       EventType = "tool_start"
	EventToolUpdate      EventType = "tool_update"
	EventToolEnd         EventType = "tool_end"
	EventCompactionStart EventType = "auto_compaction_start"
	EventCompactionEnd   EventType = "auto_compaction_end"
	EventError           EventType = "error"
	EventAgentEnd        EventType = "agent_end"
)

// Event is one agent stream event. The set of variants is closed: unknown
// event types from an engine are logged and ignored by the subscriber.
//
// Ordering within a run: agent_start precedes all stream events, agent_end is
// last. message_update events for one assistant message are monotonic: each
// carries the full text so far, extending the previous one. Tool events for a
// given CallID follow start -> update* -> end.
type Event struct {
	Type EventType

	// Text is the cumulative assistant text for message_update.
	Text string

	// Tool is set on tool_start/tool_update/tool_end.
	Tool *ToolEvent

	// WillRetry is set on auto_compaction_end. When true the engine restarts
	// the turn and all accumulated output must be discarded.
	WillRetry bool

	// Err is set on error events.
	Err error

	// Raw carries the wire form of an unrecognized event for logging.
	Raw string
}

// ToolEvent describes one tool invocation observed in the stream.
type ToolEvent struct {
	CallID  string
	Name    string
	Meta    string // short human-readable argument summary
	Status  string // "running", "success", "error"
	Output  string // tool result text, present on tool_end
	IsImage bool   // result is an image payload
	Bytes   int    // raw payload size when IsImage
}

// Message is one turn of agent context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

// ToolResult is the sanitized form of a completed tool invocation handed to
// external consumers. Raw image bytes never leave the core.
type ToolResult struct {
	Name    string         `json:"name"`
	Meta    string         `json:"meta,omitempty"`
	Status  string         `json:"status"`
	Text    string         `json:"text,omitempty"`
	Image   map[string]any `json:"image,omitempty"` // {bytes: n, omitted: true}
	Count   int            `json:"count"`            // >1 when aggregated
	Summary string         `json:"summary"`
}

// Block is one deliverable chunk of assistant output.
type Block struct {
	Text      string
	MediaURLs []string
	// Incomplete marks text flushed after a mid-run failure or cancellation.
	Incomplete bool
}

// maxToolResultChars bounds tool result text forwarded to consumers.
const maxToolResultChars = 8000

// sanitizeToolResult truncates oversized text and replaces image payloads with
// a size marker.
func sanitizeToolResult(te *ToolEvent, count int) ToolResult {
	tr := ToolResult{
		Name:   te.Name,
		Meta:   te.Meta,
		Status: te.Status,
		Count:  count,
	}
	if te.IsImage {
		tr.Image = map[string]any{"bytes": te.Bytes, "omitted": true}
	} else {
		text := te.Output
		if len(text) > maxToolResultChars {
			text = text[:maxToolResultChars] + "…(truncated)…"
		}
		tr.Text = text
	}
	tr.Summary = toolSummary(te.Name, te.Meta, count)
	return tr
}

// toolSummary renders the short human-readable form shown on chat surfaces.
func toolSummary(name, meta string, count int) string {
	s := name
	if meta != "" {
		s += " " + meta
	}
	if count > 1 {
		s += " (" + strconv.Itoa(count) + "×)"
	}
	return s
}

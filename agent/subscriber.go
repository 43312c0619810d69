package agent

import (
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// SubscriberOptions configures stream processing for one run.
type SubscriberOptions struct {
	// EnforceFinalTag publishes only the interior of a well-formed
	// <final>...</final> region. Output is held until message_end because the
	// closing tag may arrive at any point in the stream.
	EnforceFinalTag bool

	Chunking ChunkPolicy

	// BlockBreak selects the flush boundary: "text_end" or "message_end". The
	// remaining partial buffer is always force-flushed at message_end.
	BlockBreak string

	// ToolDebounce aggregates identical consecutive tool invocations arriving
	// within this window. Zero disables aggregation.
	ToolDebounce time.Duration

	OnPartial    func(text string)
	OnBlock      func(block Block)
	OnToolResult func(tr ToolResult)
}

// Subscriber consumes the event stream of one run and produces the partial,
// block, and tool output streams. It runs on the same goroutine as the stream
// it consumes; callbacks must not block for long.
type Subscriber struct {
	run  *Run
	opts SubscriberOptions

	chunker *Chunker

	// raw is the cumulative text of the current assistant message.
	raw string
	// published is the length of sanitized text already pushed to the chunker.
	published int
	// lastPartial suppresses duplicate partial callbacks.
	lastPartial string

	// Tool aggregation state.
	pendingTool     *ToolEvent
	pendingToolN    int
	pendingToolSeen time.Time
}

// NewSubscriber binds stream processing to a run.
func NewSubscriber(run *Run, opts SubscriberOptions) *Subscriber {
	if opts.BlockBreak == "" {
		opts.BlockBreak = "message_end"
	}
	if opts.ToolDebounce == 0 {
		opts.ToolDebounce = 2 * time.Second
	}
	return &Subscriber{
		run:     run,
		opts:    opts,
		chunker: NewChunker(opts.Chunking),
	}
}

// Consume processes events until the channel closes. It owns all run buffer
// mutation during the stream.
func (s *Subscriber) Consume(events <-chan Event) {
	for evt := range events {
		s.handle(evt)
	}
	// A stream that ends without agent_end still finishes the run.
	s.flushTerminal(true)
	s.run.finish()
}

func (s *Subscriber) handle(evt Event) {
	switch evt.Type {
	case EventAgentStart:
		s.run.setState(RunStreaming)

	case EventMessageUpdate:
		s.onMessageUpdate(evt.Text)

	case EventTextEnd:
		if s.opts.BlockBreak == "text_end" {
			s.publishPending()
			s.emitBlocks(s.chunker.Drain(true), false)
		}

	case EventMessageEnd:
		s.onMessageEnd()

	case EventToolStart, EventToolUpdate:
		// Tool output surfaces on tool_end; start/update only feed the
		// partial stream for surfaces that show activity.
		if evt.Tool != nil && s.opts.OnPartial != nil && evt.Type == EventToolStart {
			s.opts.OnPartial(toolSummary(evt.Tool.Name, evt.Tool.Meta, 1))
		}

	case EventToolEnd:
		if evt.Tool != nil {
			s.onToolEnd(evt.Tool)
		}

	case EventCompactionStart:
		s.run.compactionStarted()

	case EventCompactionEnd:
		s.run.compactionEnded(evt.WillRetry)
		if evt.WillRetry {
			// The engine replays the turn; everything accumulated so far is
			// stale and must never reach a consumer.
			s.resetBuffers()
		}

	case EventError:
		s.run.setErr(evt.Err)
		s.run.setState(RunEnding)
		s.flushTerminal(true)

	case EventAgentEnd:
		s.flushToolAggregate()
		s.run.setState(RunEnding)

	default:
		slog.Debug("Ignoring unknown agent event", "type", string(evt.Type), "raw", evt.Raw)
	}
}

// onMessageUpdate handles the monotone cumulative text of the current
// assistant message.
func (s *Subscriber) onMessageUpdate(text string) {
	if len(text) < len(s.raw) {
		// Engines must extend, never rewrite. Treat a shrink as a fresh
		// message rather than corrupting offsets.
		s.raw = ""
		s.published = 0
	}
	s.raw = text

	if s.opts.EnforceFinalTag {
		// Withheld until message_end; the closing tag decides what publishes.
		return
	}

	sanitized := StripThinking(s.raw)
	safe := sanitized[:safePublishLen(sanitized)]
	if len(safe) > s.published {
		s.chunker.Push(safe[s.published:])
		s.published = len(safe)
	}
	s.partial(safe)
	s.emitBlocks(s.chunker.Drain(false), false)
}

// onMessageEnd finalizes the current assistant message: applies final-tag
// enforcement, records the visible text, and force-flushes the chunker.
func (s *Subscriber) onMessageEnd() {
	visible := StripThinking(s.raw)
	if s.opts.EnforceFinalTag {
		visible = EnforceFinalTag(visible)
		s.chunker.Push(visible)
		s.published = len(visible)
		s.partial(visible)
	} else {
		s.publishPending()
	}
	if strings.TrimSpace(visible) != "" {
		s.run.addAssistantText(strings.TrimSpace(visible))
	}
	s.emitBlocks(s.chunker.Drain(true), false)
	s.raw = ""
	s.published = 0
}

// publishPending pushes any sanitized text still held back (e.g. behind a
// possible partial tag) into the chunker.
func (s *Subscriber) publishPending() {
	sanitized := StripThinking(s.raw)
	if len(sanitized) > s.published {
		s.chunker.Push(sanitized[s.published:])
		s.published = len(sanitized)
	}
}

// flushTerminal flushes whatever is buffered as a terminal block, marking it
// incomplete when the run failed or was cancelled mid-stream.
func (s *Subscriber) flushTerminal(incomplete bool) {
	if !s.opts.EnforceFinalTag {
		s.publishPending()
	}
	s.flushToolAggregate()
	s.emitBlocks(s.chunker.Drain(true), incomplete && s.run.Err() != nil)
	s.raw = ""
	s.published = 0
}

// resetBuffers discards all accumulated output after a compaction retry.
func (s *Subscriber) resetBuffers() {
	s.raw = ""
	s.published = 0
	s.lastPartial = ""
	s.chunker.Reset()
	s.pendingTool = nil
	s.pendingToolN = 0
}

func (s *Subscriber) partial(text string) {
	if s.opts.OnPartial == nil || text == "" || text == s.lastPartial {
		return
	}
	s.lastPartial = text
	s.opts.OnPartial(text)
}

// emitBlocks extracts media pseudo-URLs and hands chunks to the block stream.
func (s *Subscriber) emitBlocks(chunks []string, incomplete bool) {
	if s.opts.OnBlock == nil {
		return
	}
	for _, chunk := range chunks {
		text, media := ExtractMediaURLs(chunk)
		if text == "" && len(media) == 0 {
			continue
		}
		s.opts.OnBlock(Block{Text: text, MediaURLs: media, Incomplete: incomplete})
	}
}

// onToolEnd aggregates identical consecutive invocations and forwards the
// sanitized result.
func (s *Subscriber) onToolEnd(te *ToolEvent) {
	now := time.Now()
	if s.pendingTool != nil &&
		s.pendingTool.Name == te.Name && s.pendingTool.Meta == te.Meta &&
		now.Sub(s.pendingToolSeen) <= s.opts.ToolDebounce {
		s.pendingTool = te
		s.pendingToolN++
		s.pendingToolSeen = now
		return
	}
	s.flushToolAggregate()
	s.pendingTool = te
	s.pendingToolN = 1
	s.pendingToolSeen = now
}

// flushToolAggregate emits the held tool result, if any.
func (s *Subscriber) flushToolAggregate() {
	if s.pendingTool == nil {
		return
	}
	tr := sanitizeToolResult(s.pendingTool, s.pendingToolN)
	s.run.addToolResult(tr)
	if s.opts.OnToolResult != nil {
		s.opts.OnToolResult(tr)
	}
	if s.pendingToolN > 1 && s.opts.OnPartial != nil {
		s.opts.OnPartial(tr.Summary)
	}
	s.pendingTool = nil
	s.pendingToolN = 0
}

var (
	thinkingPairRe  = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)
	thinkingOpenRe  = regexp.MustCompile(`(?is)<think(?:ing)?>.*$`)
	thinkingCloseRe = regexp.MustCompile(`(?is)^.*?</think(?:ing)?>`)
	finalOpenRe     = regexp.MustCompile(`(?i)<final>`)
	finalCloseRe    = regexp.MustCompile(`(?i)</final>`)
	mediaLineRe     = regexp.MustCompile(`(?mi)^\s*MEDIA:\s*(\S+)\s*$`)
)

// StripThinking removes thinking segments before any consumer sees text.
// Paired tags are removed with their content; an unpaired open tag removes
// everything after it, and an unpaired close tag removes everything before it
// (local models routinely lose one of the two).
func StripThinking(s string) string {
	for {
		stripped := thinkingPairRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = thinkingOpenRe.ReplaceAllString(s, "")
	s = thinkingCloseRe.ReplaceAllString(s, "")
	return s
}

// EnforceFinalTag publishes only the interior of a single well-formed
// <final>...</final> region. If only one of the two tags appears it is elided
// and the remainder is published unchanged; no guessing.
func EnforceFinalTag(s string) string {
	open := finalOpenRe.FindStringIndex(s)
	close_ := finalCloseRe.FindStringIndex(s)
	switch {
	case open != nil && close_ != nil && open[1] <= close_[0]:
		return strings.TrimSpace(s[open[1]:close_[0]])
	case open != nil && close_ == nil:
		return strings.TrimSpace(s[:open[0]] + s[open[1]:])
	case open == nil && close_ != nil:
		return strings.TrimSpace(s[:close_[0]] + s[close_[1]:])
	default:
		return strings.TrimSpace(s)
	}
}

// ExtractMediaURLs strips media pseudo-URL lines (MEDIA:<url>) from a chunk
// and returns them separately.
func ExtractMediaURLs(chunk string) (string, []string) {
	matches := mediaLineRe.FindAllStringSubmatch(chunk, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(chunk), nil
	}
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		urls = append(urls, m[1])
	}
	text := strings.TrimSpace(mediaLineRe.ReplaceAllString(chunk, ""))
	return text, urls
}

// partialTagHoldback is the longest tag a stream may split mid-way.
const partialTagHoldback = len("</thinking>")

// safePublishLen returns the prefix length safe to publish: a trailing '<'
// that could still grow into a thinking or final tag is held back until the
// next delta resolves it.
func safePublishLen(s string) int {
	start := len(s) - partialTagHoldback
	if start < 0 {
		start = 0
	}
	for i := len(s) - 1; i >= start; i-- {
		if s[i] != '<' {
			continue
		}
		if couldBeTagPrefix(s[i:]) {
			return i
		}
	}
	return len(s)
}

var streamTags = []string{
	"<think>", "<thinking>", "</think>", "</thinking>", "<final>", "</final>",
}

func couldBeTagPrefix(tail string) bool {
	lower := strings.ToLower(tail)
	for _, tag := range streamTags {
		if strings.HasPrefix(tag, lower) {
			return true
		}
	}
	return false
}

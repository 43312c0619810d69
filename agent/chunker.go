package agent

import (
	"regexp"
	"strings"
)

// ChunkPolicy bounds deliverable block sizes and names the preferred break.
type ChunkPolicy struct {
	MinChars        int
	MaxChars        int
	BreakPreference string // "paragraph", "newline", "sentence"
}

// Chunker slices a growing text stream into blocks sized for transport
// constraints. Push feeds text in; Drain pops completed chunks. A chunk is cut
// when the buffer exceeds MaxChars, looking for the best break in the
// [MinChars, MaxChars] window:
//
//  1. paragraph: last blank-line separator (relaxed below MinChars when the
//     window has none; a short paragraph beats a mid-paragraph cut)
//  2. newline: last single newline in the window
//  3. sentence: last of . ! ? followed by whitespace, past MinChars
//  4. last whitespace past MinChars; otherwise a hard split at MaxChars
//
// Drain(force) additionally flushes the remaining buffer, splitting it at
// paragraph separators when the preference is paragraph.
type Chunker struct {
	policy      ChunkPolicy
	buf         string
	lastEmitted string
}

// NewChunker creates a chunker. Zero or inverted bounds fall back to 800/1200.
func NewChunker(policy ChunkPolicy) *Chunker {
	if policy.MinChars <= 0 {
		policy.MinChars = 800
	}
	if policy.MaxChars <= policy.MinChars {
		policy.MaxChars = policy.MinChars + 400
	}
	if policy.BreakPreference == "" {
		policy.BreakPreference = "paragraph"
	}
	return &Chunker{policy: policy}
}

// Push appends streamed text to the buffer.
func (c *Chunker) Push(text string) {
	c.buf += text
}

// Len returns the buffered, not yet emitted length.
func (c *Chunker) Len() int {
	return len(c.buf)
}

// Reset discards all buffered text and dedupe state.
func (c *Chunker) Reset() {
	c.buf = ""
	c.lastEmitted = ""
}

// Drain pops completed chunks. With force, the remaining buffer is flushed
// even below MinChars (terminal blocks at message_end). Empty chunks and
// consecutive duplicates are suppressed.
func (c *Chunker) Drain(force bool) []string {
	var out []string
	for len(c.buf) > c.policy.MaxChars {
		cut := c.splitPoint()
		out = c.emit(out, c.buf[:cut])
		c.buf = strings.TrimLeft(c.buf[cut:], " \t\n")
	}
	if force && strings.TrimSpace(c.buf) != "" {
		for _, part := range c.flushParts() {
			out = c.emit(out, part)
		}
		c.buf = ""
	}
	return out
}

// flushParts splits the final buffer for a force flush. Paragraph preference
// keeps paragraphs as separate blocks; other preferences emit one block.
// Oversized parts are still bounded by MaxChars.
func (c *Chunker) flushParts() []string {
	var parts []string
	if c.policy.BreakPreference == "paragraph" {
		parts = paragraphSplit(c.buf)
	} else {
		parts = []string{c.buf}
	}
	var bounded []string
	for _, p := range parts {
		for len(p) > c.policy.MaxChars {
			sub := &Chunker{policy: c.policy, buf: p}
			cut := sub.splitPoint()
			bounded = append(bounded, p[:cut])
			p = strings.TrimLeft(p[cut:], " \t\n")
		}
		bounded = append(bounded, p)
	}
	return bounded
}

var blankLineRe = regexp.MustCompile(`\n[ \t]*\n`)

// paragraphSplit splits on blank-line separators.
func paragraphSplit(s string) []string {
	return blankLineRe.Split(s, -1)
}

func (c *Chunker) emit(out []string, chunk string) []string {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" || chunk == c.lastEmitted {
		return out
	}
	c.lastEmitted = chunk
	return append(out, chunk)
}

// splitPoint returns the cut index for the current oversized buffer.
func (c *Chunker) splitPoint() int {
	min, max := c.policy.MinChars, c.policy.MaxChars

	tryOrder := []string{c.policy.BreakPreference}
	switch c.policy.BreakPreference {
	case "paragraph":
		tryOrder = append(tryOrder, "newline", "sentence")
	case "newline":
		tryOrder = append(tryOrder, "sentence")
	}

	for _, mode := range tryOrder {
		switch mode {
		case "paragraph":
			if loc := lastParagraphBreak(c.buf, min, max); loc > 0 {
				return loc
			}
		case "newline":
			if idx := strings.LastIndexByte(c.buf[:max], '\n'); idx >= min {
				return idx
			}
		case "sentence":
			if idx := lastSentenceBreak(c.buf, min, max); idx > 0 {
				return idx
			}
		}
	}

	// Last whitespace past MinChars, else hard split.
	if idx := lastWhitespace(c.buf, min, max); idx > 0 {
		return idx
	}
	return max
}

// lastParagraphBreak finds the last blank-line separator starting at or before
// max. A separator inside [min, max] is preferred; failing that any separator
// before max is accepted so paragraph preference wins over chunk size.
func lastParagraphBreak(s string, min, max int) int {
	locs := blankLineRe.FindAllStringIndex(s[:max], -1)
	if len(locs) == 0 {
		return -1
	}
	for i := len(locs) - 1; i >= 0; i-- {
		if locs[i][0] >= min {
			return locs[i][0]
		}
	}
	return locs[len(locs)-1][0]
}

// lastSentenceBreak finds the last sentence terminator followed by whitespace
// whose chunk fits in [min, max].
func lastSentenceBreak(s string, min, max int) int {
	limit := max
	if limit > len(s) {
		limit = len(s)
	}
	for i := limit - 1; i >= min; i-- {
		ch := s[i-1]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if i == len(s) || isSpace(s[i]) {
			return i
		}
	}
	return -1
}

func lastWhitespace(s string, min, max int) int {
	for i := max; i > min; i-- {
		if isSpace(s[i-1]) {
			return i - 1
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerParagraphPreference(t *testing.T) {
	c := NewChunker(ChunkPolicy{MinChars: 20, MaxChars: 40, BreakPreference: "paragraph"})
	c.Push("Line one is here.\n\nLine two follows here.\n\nLine three.")

	chunks := c.Drain(true)
	require.Equal(t, []string{"Line one is here.", "Line two follows here.", "Line three."}, chunks)
}

func TestChunkerRespectsMaxChars(t *testing.T) {
	c := NewChunker(ChunkPolicy{MinChars: 20, MaxChars: 40, BreakPreference: "sentence"})
	c.Push(strings.Repeat("word ", 40))

	chunks := c.Drain(true)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 40)
	}
	// Nothing lost: the words all come back out.
	assert.Equal(t, 40, strings.Count(strings.Join(chunks, " "), "word"))
}

func TestChunkerHardSplitWithoutWhitespace(t *testing.T) {
	c := NewChunker(ChunkPolicy{MinChars: 10, MaxChars: 20, BreakPreference: "sentence"})
	c.Push(strings.Repeat("x", 20) + strings.Repeat("y", 20) + strings.Repeat("z", 10))

	chunks := c.Drain(true)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 20), chunks[0])
	assert.Equal(t, strings.Repeat("y", 20), chunks[1])
	assert.Equal(t, strings.Repeat("z", 10), chunks[2])
}

func TestChunkerSentenceBreak(t *testing.T) {
	c := NewChunker(ChunkPolicy{MinChars: 10, MaxChars: 30, BreakPreference: "sentence"})
	c.Push("First sentence here. Second sentence follows after it.")

	chunks := c.Drain(true)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "First sentence here.", chunks[0])
}

func TestChunkerSuppressesDuplicatesAndEmpties(t *testing.T) {
	c := NewChunker(ChunkPolicy{MinChars: 5, MaxChars: 100, BreakPreference: "paragraph"})
	c.Push("hello")
	require.Equal(t, []string{"hello"}, c.Drain(true))

	c.Push("hello")
	assert.Empty(t, c.Drain(true), "consecutive duplicate chunk must be suppressed")

	c.Push("   \n\t ")
	assert.Empty(t, c.Drain(true))
}

func TestChunkerDrainWithoutForceHoldsShortBuffer(t *testing.T) {
	c := NewChunker(ChunkPolicy{MinChars: 20, MaxChars: 40, BreakPreference: "paragraph"})
	c.Push("short")
	assert.Empty(t, c.Drain(false))
	assert.Equal(t, 5, c.Len())
}

package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterCountsTokens(t *testing.T) {
	c, err := NewCounter("gpt-4")
	require.NoError(t, err)

	assert.Equal(t, 0, c.Count(""))
	assert.Greater(t, c.Count("hello world"), 0)

	short := c.Count("hi")
	long := c.Count(strings.Repeat("the quick brown fox ", 50))
	assert.Greater(t, long, short)
}

func TestWithinLimit(t *testing.T) {
	c, err := NewCounter("gpt-4")
	require.NoError(t, err)

	assert.True(t, c.WithinLimit("hi", 100))
	assert.False(t, c.WithinLimit(strings.Repeat("word ", 1000), 10))
}

func TestNilCodecFallback(t *testing.T) {
	c := &Counter{}
	assert.Equal(t, len("twelve chars")/4, c.Count("twelve chars"))
}

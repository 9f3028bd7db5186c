package agent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputPassThrough(t *testing.T) {
	c := NewOutputCapture()
	events := c.Intercept(StreamStdout, []byte("hello\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "hello\n", events[0].Text)
	assert.Equal(t, StreamStdout, events[0].Stream)
	assert.False(t, events[0].Truncated)
	assert.False(t, events[0].CapHit)
}

func TestOutputSingleWriteTruncation(t *testing.T) {
	c := NewOutputCapture()
	big := bytes.Repeat([]byte("x"), SingleWriteCap+1)
	events := c.Intercept(StreamStderr, big)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Text, SingleWriteCap)
	assert.True(t, events[0].Truncated)
}

func TestOutputSessionCap(t *testing.T) {
	c := NewOutputCapture()
	chunk := bytes.Repeat([]byte("y"), SingleWriteCap)

	var capHit bool
	captured := 0
	for i := 0; i < OutputCapPerSession/SingleWriteCap+2; i++ {
		for _, ev := range c.Intercept(StreamStdout, chunk) {
			captured += len(ev.Text)
			if ev.CapHit {
				capHit = true
			}
		}
	}
	assert.True(t, capHit, "a sentinel event marks the cap")
	assert.LessOrEqual(t, captured, OutputCapPerSession)

	// Past the cap nothing further is captured.
	assert.Empty(t, c.Intercept(StreamStdout, []byte("more")))
}

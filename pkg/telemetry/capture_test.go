package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdoutCaptureAcrossWrites(t *testing.T) {
	c := NewStdoutCapture()
	line := "ChatCompletionChunk: {\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":21,\"prefill_duration_ttft\":0.8,\"decoding_speed_tps\":17.2}}\n"

	// Split mid-line; the partial line must carry over between writes.
	for _, part := range []string{line[:25], line[25:]} {
		n, err := c.Write([]byte(part))
		require.NoError(t, err)
		assert.Equal(t, len(part), n)
	}

	rec := c.Take()
	require.NotNil(t, rec)
	assert.EqualValues(t, 8, *rec.InputTokens)
	assert.EqualValues(t, 21, *rec.OutputTokens)
	assert.InDelta(t, 0.8, *rec.TTFTSeconds, 1e-9)
	assert.InDelta(t, 17.2, *rec.DecodeTPS, 1e-9)
}

func TestStdoutCaptureIgnoresLogNoise(t *testing.T) {
	c := NewStdoutCapture()
	_, err := c.Write([]byte("serving on port 11434\nChatCompletionChunk: {not json\n"))
	require.NoError(t, err)
	assert.Nil(t, c.Take())
}

func TestStdoutCaptureTakeResets(t *testing.T) {
	c := NewStdoutCapture()
	_, err := c.Write([]byte("ChatCompletionChunk: {\"usage\":{\"completion_tokens\":3}}\n"))
	require.NoError(t, err)
	require.NotNil(t, c.Take())
	assert.Nil(t, c.Take(), "second take starts from a clean record")
}

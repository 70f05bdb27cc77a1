package telemetry

import (
	"bytes"
	"sync"

	"github.com/tidwall/gjson"
)

// maxPendingLine bounds the partial-line buffer so an engine spewing
// binary output cannot grow it without limit.
const maxPendingLine = 1 << 20

// StdoutCapture collects telemetry from an engine's standard output.
// Some engines echo each stream chunk on stdout as
// "ChatCompletionChunk: <json>" instead of reporting metrics in the HTTP
// response; tee the process stdout through a capture and call Take after
// each request. Write never fails, so it is safe as a log sink.
type StdoutCapture struct {
	mu      sync.Mutex
	pending []byte
	rec     Record
}

// NewStdoutCapture returns an empty capture.
func NewStdoutCapture() *StdoutCapture {
	return &StdoutCapture{}
}

// Write implements io.Writer. Complete lines are parsed immediately;
// a trailing partial line is held until the next write.
func (c *StdoutCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, p...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		line := string(c.pending[:i])
		c.pending = c.pending[i+1:]
		payload, ok := chunkPayload(line)
		if !ok {
			continue
		}
		if parsed := gjson.Parse(payload); parsed.IsObject() {
			c.rec.merge(parsed)
		}
	}
	if len(c.pending) > maxPendingLine {
		c.pending = c.pending[:0]
	}
	return len(p), nil
}

// Take returns the telemetry accumulated since the last call and resets
// the capture, or nil when the engine reported nothing.
func (c *StdoutCapture) Take() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec.Empty() {
		return nil
	}
	rec := c.rec
	c.rec = Record{}
	return &rec
}

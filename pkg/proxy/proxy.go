// Package proxy relays inference request bodies between gateway clients
// and the active backend engine, streaming SSE responses as they arrive.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const (
	// TailLimit bounds the in-memory copy of the stream kept for
	// telemetry extraction: one SSE record plus the telemetry window.
	TailLimit = 128 * 1024

	// doneEvent terminates every SSE stream, appended by the proxy when
	// the backend omits it.
	doneEvent = "data: [DONE]\n\n"

	// errorEvent is emitted when the backend connection drops mid-stream,
	// so clients see a structured failure before the terminator.
	errorEvent = `data: {"error":{"message":"backend stream ended unexpectedly","type":"backend_crashed"}}` + "\n\n"

	connectTimeout      = 30 * time.Second
	firstByteTimeout    = 5 * time.Minute
	nonStreamingTimeout = 5 * time.Minute

	// chunkIdleTimeout bounds the gap between stream chunks. A backend
	// that stalls without closing the connection must not hold a client
	// forever.
	chunkIdleTimeout = 5 * time.Minute
)

// ErrBackendUnreachable indicates the engine did not accept the
// connection.
var ErrBackendUnreachable = errors.New("backend is unreachable")

// Result summarizes one forwarded request.
type Result struct {
	// StatusCode is the backend's response status.
	StatusCode int
	// Tail holds the final bytes of the response body for telemetry
	// extraction, bounded by TailLimit.
	Tail []byte
	// Aborted is set when the client went away mid-stream.
	Aborted bool
}

// Proxy forwards request bodies to the backend engine.
type Proxy struct {
	client *http.Client
	log    logging.Logger
}

// New creates a proxy. The client carries no overall timeout; streams may
// run for hours and are bounded by the request context instead.
func New(log logging.Logger) *Proxy {
	return &Proxy{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           idleTimeoutDialer(&net.Dialer{Timeout: connectTimeout}, chunkIdleTimeout),
				ResponseHeaderTimeout: firstByteTimeout,
			},
		},
		log: log,
	}
}

// idleTimeoutDialer wraps dialed connections so every read must make
// progress within timeout.
func idleTimeoutDialer(d *net.Dialer, timeout time.Duration) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &idleTimeoutConn{Conn: conn, timeout: timeout}, nil
	}
}

// idleTimeoutConn refreshes the read deadline before each read, turning
// a fixed deadline into a per-chunk idle bound.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// Forward posts the body to the backend and relays the response to w. For
// streaming responses each chunk is written and flushed as it arrives,
// with a bounded tail copy retained for telemetry. Cancelling ctx closes
// the upstream connection.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, backendURL, path string, body []byte, stream bool) (*Result, error) {
	if !stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nonStreamingTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnreachable, err.Error())
	}
	defer resp.Body.Close()

	if stream && isEventStream(resp) {
		return p.relayStream(ctx, w, resp)
	}
	return p.relayBody(w, resp)
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// relayBody copies a non-streaming response verbatim.
func (p *Proxy) relayBody(w http.ResponseWriter, resp *http.Response) (*Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read backend response")
	}
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	_, writeErr := w.Write(data)

	tail := data
	if len(tail) > TailLimit {
		tail = tail[len(tail)-TailLimit:]
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Tail:       tail,
		Aborted:    writeErr != nil,
	}, nil
}

// relayStream forwards SSE chunks as they arrive, flushing after each
// write and teeing the bytes into a bounded tail buffer.
func (p *Proxy) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response) (*Result, error) {
	copyHeaders(w, resp)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	tail := newTailBuffer(TailLimit)
	result := &Result{StatusCode: resp.StatusCode}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			tail.Write(buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				// The client went away. Closing the response body tears
				// down the upstream connection.
				result.Aborted = true
				p.log.Debugf("client disconnected mid-stream: %v", err)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF && ctx.Err() == nil {
				p.log.Warnf("backend stream ended abnormally: %v", readErr)
				// Tell the client the stream died before terminating it.
				if _, err := io.WriteString(w, errorEvent); err == nil && flusher != nil {
					flusher.Flush()
				}
			}
			if ctx.Err() != nil {
				result.Aborted = true
			}
			break
		}
	}

	// Guarantee the stream terminator even when the backend omits it.
	if !result.Aborted && !bytes.Contains(tail.Bytes(), []byte("data: [DONE]")) {
		if _, err := io.WriteString(w, doneEvent); err == nil && flusher != nil {
			flusher.Flush()
		}
	}

	result.Tail = tail.Bytes()
	return result, nil
}

func copyHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, key := range []string{"Content-Type"} {
		if v := resp.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf
}

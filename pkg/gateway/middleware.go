package gateway

import (
	"net/http"
	"strings"
	"time"
)

// prefixAlias rewrites requests under the legacy API prefix onto the
// canonical one so a single route table serves both generations.
type prefixAlias struct {
	handler http.Handler
}

func (h *prefixAlias) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, prefixV0+"/") {
		r2 := r.Clone(r.Context())
		r2.URL.Path = prefixV1 + strings.TrimPrefix(r.URL.Path, prefixV0)
		h.handler.ServeHTTP(w, r2)
		return
	}
	h.handler.ServeHTTP(w, r)
}

// jsonMethodNotAllowed replaces the mux's plain text 405 response with
// the JSON error envelope used everywhere else.
func jsonMethodNotAllowed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&methodNotAllowedWriter{ResponseWriter: w, path: r.URL.Path}, r)
	})
}

type methodNotAllowedWriter struct {
	http.ResponseWriter
	path        string
	intercepted bool
}

func (w *methodNotAllowedWriter) WriteHeader(status int) {
	if status == http.StatusMethodNotAllowed && !w.intercepted {
		w.intercepted = true
		w.Header().Del("Content-Length")
		writeErrorPath(w.ResponseWriter, status, kindBadRequest, "method not allowed", w.path)
		return
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *methodNotAllowedWriter) Write(b []byte) (int, error) {
	if w.intercepted {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *methodNotAllowedWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// corsHandler applies permissive CORS headers and answers preflight
// requests with 204.
type corsHandler struct {
	handler http.Handler
}

func (h *corsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.handler.ServeHTTP(w, r)
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush forwards flushing so SSE streaming works through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// accessLog writes one log line per finished request with a monotonic
// request id.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := g.requestID.Add(1)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		g.log.WithFields(map[string]interface{}{
			"request_id": id,
			"status":     rec.status,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Infof("%s %s", r.Method, r.URL.Path)
	})
}

// concurrencyLimit bounds in-flight requests so a flood cannot exhaust
// the process while still allowing several long-lived streams.
func concurrencyLimit(limit int, next http.Handler) http.Handler {
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	sem := make(chan struct{}, limit)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
		}
	})
}

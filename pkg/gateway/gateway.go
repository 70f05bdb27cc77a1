// Package gateway is the HTTP frontend: endpoint routing, CORS, error
// shaping, and request logging for the local LLM server.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
	"github.com/lemonade-sdk/lemonade/pkg/routing"
)

const (
	// DefaultPort is the gateway's default listening port.
	DefaultPort = 8000
	// DefaultHost binds to loopback only; the gateway has no auth.
	DefaultHost = "localhost"

	defaultMaxConcurrency = 8

	// prefixV0 is the legacy API prefix, aliased onto prefixV1 by the
	// middleware stack.
	prefixV0 = "/api/v0"
	prefixV1 = "/api/v1"
)

// Config tunes the HTTP frontend.
type Config struct {
	Host           string
	Port           int
	CacheDir       string
	MaxConcurrency int
	Version        string
}

// Gateway serves the HTTP API and delegates to the router and registry.
type Gateway struct {
	cfg      Config
	registry *models.Registry
	router   *routing.Router
	backends map[string]inference.Backend
	checkers map[string]models.DownloadChecker
	log      logging.Logger
	// rootLogger is retained so POST /log-level can change the level at
	// runtime.
	rootLogger *logrus.Logger

	server    *http.Server
	requestID atomic.Uint64

	paramsMu sync.RWMutex
	params   map[string]interface{}

	// onShutdown runs after /internal/shutdown unloads the backend; the
	// lifecycle coordinator uses it to stop the listener.
	onShutdown   func()
	shutdownOnce sync.Once
}

// New creates a gateway. The checkers map resolves download state per
// recipe and usually shares instances with the backends map.
func New(cfg Config, registry *models.Registry, router *routing.Router, backends map[string]inference.Backend, checkers map[string]models.DownloadChecker, rootLogger *logrus.Logger, log logging.Logger) *Gateway {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Gateway{
		cfg:        cfg,
		registry:   registry,
		router:     router,
		backends:   backends,
		checkers:   checkers,
		log:        log,
		rootLogger: rootLogger,
		params:     make(map[string]interface{}),
	}
}

// OnShutdown installs the callback invoked when a shutdown is requested
// over HTTP.
func (g *Gateway) OnShutdown(fn func()) {
	g.onShutdown = fn
}

// Addr returns the configured listen address.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.cfg.Host, fmt.Sprintf("%d", g.cfg.Port))
}

// Handler builds the complete middleware and routing stack.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// JSON 404 for anything unrouted.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorPath(w, http.StatusNotFound, kindNotFound,
			fmt.Sprintf("no route for %s", r.URL.Path), r.URL.Path)
	})
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("POST /internal/shutdown", g.handleShutdown)

	for route, handler := range g.routeHandlers() {
		mux.HandleFunc(route, handler)
	}

	var handler http.Handler = mux
	handler = jsonMethodNotAllowed(handler)
	handler = &prefixAlias{handler: handler}
	handler = g.accessLog(handler)
	handler = concurrencyLimit(g.cfg.MaxConcurrency, handler)
	return &corsHandler{handler: handler}
}

// routeHandlers maps "METHOD /path" patterns to handlers under the
// canonical API prefix. The legacy prefix reaches the same table through
// the alias rewrite.
func (g *Gateway) routeHandlers() map[string]http.HandlerFunc {
	perPrefix := map[string]http.HandlerFunc{
		"GET /health":            g.handleHealth,
		"GET /models":            g.handleListModels,
		"GET /models/{id}":       g.handleGetModel,
		"POST /pull":             g.handlePull,
		"POST /load":             g.handleLoad,
		"POST /unload":           g.handleUnload,
		"POST /delete":           g.handleDelete,
		"POST /chat/completions": g.handleInference("chat/completions"),
		"POST /completions":      g.handleInference("completions"),
		"POST /embeddings":       g.handleInference("embeddings"),
		"POST /rerank":           g.handleInference("rerank"),
		"GET /stats":             g.handleStats,
		"GET /system-info":       g.handleSystemInfo,
		"GET /params":            g.handleGetParams,
		"POST /params":           g.handleSetParams,
		"POST /log-level":        g.handleLogLevel,
		"POST /halt":             g.handleShutdown,
	}

	m := make(map[string]http.HandlerFunc, len(perPrefix))
	for route, handler := range perPrefix {
		method, path, _ := strings.Cut(route, " ")
		m[method+" "+prefixV1+path] = handler
	}
	return m
}

// Serve runs the HTTP server until the context is cancelled or Shutdown
// is called.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.server = &http.Server{
		Handler: g.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	err := g.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

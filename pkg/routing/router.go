// Package routing owns the active backend session. It serializes model
// load and unload, selects the adapter by recipe, and dispatches
// inference requests to the running engine.
package routing

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
	"github.com/lemonade-sdk/lemonade/pkg/proxy"
	"github.com/lemonade-sdk/lemonade/pkg/telemetry"
)

// Typed errors surfaced to the HTTP layer.
var (
	ErrModelNotFound      = models.ErrModelNotFound
	ErrNoModelLoaded      = errors.New("no model is loaded and the request names none")
	ErrBackendCrashed     = errors.New("backend process crashed")
	ErrBackendStartFailed = errors.New("backend failed to start")
	// ErrModelInvalidated means the engine no longer accepts the on-disk
	// artifacts, typically after an engine upgrade. The client should
	// pull the model again.
	ErrModelInvalidated = errors.New("model artifacts were invalidated by a backend upgrade")
)

// Endpoint paths on the backend engines. Both engines speak the OpenAI
// dialect under /v1.
var backendPaths = map[string]string{
	"chat/completions": "/v1/chat/completions",
	"completions":      "/v1/completions",
	"embeddings":       "/v1/embeddings",
	"rerank":           "/v1/rerank",
}

// Router serializes load/unload and forwards inference requests to the
// loaded backend. Loads are totally ordered: a caller that arrives while
// another load is in flight waits for it instead of failing.
type Router struct {
	backends map[string]inference.Backend
	registry *models.Registry
	proxy    *proxy.Proxy
	defaults inference.StartOptions
	log      logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	loading bool
	session *inference.Session
	current models.Descriptor

	telemetryMu   sync.RWMutex
	lastTelemetry *telemetry.Record
}

// New creates a router over the given adapters.
func New(backends map[string]inference.Backend, registry *models.Registry, p *proxy.Proxy, defaults inference.StartOptions, log logging.Logger) *Router {
	r := &Router{
		backends: backends,
		registry: registry,
		proxy:    p,
		defaults: defaults,
		log:      log,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Load makes the named model the active one. Loading the already loaded
// model is a no-op. Loading a different model unloads the current one
// first. Concurrent loads serialize; every caller returns once its model
// is the loaded one.
func (r *Router) Load(ctx context.Context, name string, overrides inference.StartOptions) error {
	model, ok := r.registry.Lookup(name)
	if !ok {
		return errors.Wrapf(ErrModelNotFound, "%s", name)
	}
	backend, ok := r.backends[model.Recipe]
	if !ok {
		return errors.Wrapf(ErrModelNotFound, "no backend for recipe %s", model.Recipe)
	}

	r.mu.Lock()
	for r.loading {
		r.cond.Wait()
	}
	if r.session != nil && r.current.Name == name && !r.session.Crashed() {
		r.mu.Unlock()
		return nil
	}
	// Claim the loading slot, then release the lock: stopping and
	// starting engines takes seconds and health checks must not block.
	r.loading = true
	oldSession := r.session
	oldBackend := r.backends[r.current.Recipe]
	r.session = nil
	r.mu.Unlock()

	finish := func(session *inference.Session, model models.Descriptor) {
		r.mu.Lock()
		r.session = session
		r.current = model
		r.loading = false
		r.cond.Broadcast()
		r.mu.Unlock()
	}

	if oldSession != nil && oldBackend != nil {
		if err := oldBackend.Stop(ctx, oldSession); err != nil {
			r.log.WithError(err).Warnf("failed to stop previous backend cleanly")
		}
	}

	// The NPU engine pulls its own models at serve time; everything else
	// downloads through the hub before starting.
	if model.Recipe != models.RecipeFLM && !backend.IsModelCached(model) {
		if err := backend.PullModel(ctx, model, nil); err != nil {
			finish(nil, models.Descriptor{})
			return errors.Wrapf(err, "failed to download %s", name)
		}
	}

	opts := r.defaults
	if overrides.CtxSize > 0 {
		opts.CtxSize = overrides.CtxSize
	}
	if len(overrides.ExtraArgs) > 0 {
		opts.ExtraArgs = overrides.ExtraArgs
	}

	if err := backend.EnsureInstalled(ctx, func(msg string) { r.log.Info(msg) }); err != nil {
		finish(nil, models.Descriptor{})
		return errors.Wrap(err, ErrBackendStartFailed.Error())
	}
	session, err := backend.Start(ctx, model, opts)
	if err != nil {
		finish(nil, models.Descriptor{})
		// An FLM start failure with the model missing from the engine
		// cache means the engine dropped it, usually after an upgrade.
		if model.Recipe == models.RecipeFLM && !backend.IsModelCached(model) {
			return errors.Wrapf(ErrModelInvalidated, "%s: %v", name, err)
		}
		return errors.Wrapf(ErrBackendStartFailed, "%v", err)
	}

	finish(session, model)
	r.log.Infof("loaded %s (%s) on port %d", name, model.Recipe, session.Port)
	return nil
}

// Unload stops the active backend. It is idempotent and always succeeds
// from the caller's point of view.
func (r *Router) Unload(ctx context.Context) error {
	r.mu.Lock()
	for r.loading {
		r.cond.Wait()
	}
	session := r.session
	backend := r.backends[r.current.Recipe]
	if session == nil {
		r.mu.Unlock()
		return nil
	}
	r.loading = true
	r.session = nil
	r.current = models.Descriptor{}
	r.mu.Unlock()

	if backend != nil {
		if err := backend.Stop(ctx, session); err != nil {
			r.log.WithError(err).Warnf("failed to stop backend cleanly")
		}
	}

	r.mu.Lock()
	r.loading = false
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

// IsLoaded reports whether a live backend session exists.
func (r *Router) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil && !r.session.Crashed()
}

// LoadedModel returns the active model's descriptor.
func (r *Router) LoadedModel() (models.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return models.Descriptor{}, false
	}
	return r.current, true
}

// Session returns the active backend session, or nil.
func (r *Router) Session() *inference.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// LastTelemetry returns the most recent telemetry record, or nil.
func (r *Router) LastTelemetry() *telemetry.Record {
	r.telemetryMu.RLock()
	defer r.telemetryMu.RUnlock()
	return r.lastTelemetry
}

func (r *Router) setTelemetry(rec *telemetry.Record) {
	if rec == nil {
		return
	}
	r.telemetryMu.Lock()
	r.lastTelemetry = rec
	r.telemetryMu.Unlock()
}

// Dispatch forwards an inference request to the loaded backend, loading
// the named model first when it differs from the active one.
func (r *Router) Dispatch(ctx context.Context, w http.ResponseWriter, endpoint string, body []byte) error {
	path, ok := backendPaths[endpoint]
	if !ok {
		return errors.Errorf("unknown inference endpoint %q", endpoint)
	}

	requested := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	r.mu.Lock()
	session := r.session
	currentName := r.current.Name
	r.mu.Unlock()

	// A crashed engine surfaces on every call until an explicit load or
	// unload replaces the session. Requests naming the same model must
	// not silently respawn it.
	if session != nil && session.Crashed() {
		return errors.Wrapf(ErrBackendCrashed, "%s exited unexpectedly", currentName)
	}

	if requested == "" && session == nil {
		return ErrNoModelLoaded
	}
	if requested != "" && (session == nil || requested != currentName) {
		if err := r.Load(ctx, requested, inference.StartOptions{}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	session = r.session
	model := r.current
	backend := r.backends[model.Recipe]
	r.mu.Unlock()
	if session == nil || backend == nil {
		return ErrNoModelLoaded
	}
	if session.Crashed() {
		return errors.Wrapf(ErrBackendCrashed, "%s exited unexpectedly", model.Name)
	}

	translated, err := backend.TranslateRequest(endpoint, body, model)
	if err != nil {
		return err
	}

	session.SetState(inference.StateServing)
	defer session.SetState(inference.StateReady)

	result, err := r.proxy.Forward(ctx, w, session.BaseURL(), path, translated, stream)
	if err != nil {
		return err
	}
	r.setTelemetry(telemetry.ExtractFromTail(result.Tail))
	if rec := telemetry.ExtractFromBody(result.Tail); rec != nil {
		r.setTelemetry(rec)
	}
	// Engines that report metrics on stdout rather than in the response
	// override whatever the tail carried.
	if session.StdoutTelemetry != nil {
		r.setTelemetry(session.StdoutTelemetry.Take())
	}
	return nil
}

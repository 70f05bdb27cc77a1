package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/elastic/go-sysinfo"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
)

const maxBodyBytes = 32 << 20

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Lemonade Server is running.\nAPI base: %s\n", prefixV1)
}

// healthResponse mirrors the health contract: nulls, not empty strings,
// when nothing is loaded.
type healthResponse struct {
	Status           string            `json:"status"`
	ModelLoaded      *string           `json:"model_loaded"`
	CheckpointLoaded *string           `json:"checkpoint_loaded"`
	AllModelsLoaded  []loadedModelInfo `json:"all_models_loaded"`
}

type loadedModelInfo struct {
	ModelName string `json:"model_name"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		AllModelsLoaded: []loadedModelInfo{},
	}
	if model, ok := g.router.LoadedModel(); ok {
		resp.ModelLoaded = &model.Name
		resp.CheckpointLoaded = &model.Checkpoint
		resp.AllModelsLoaded = append(resp.AllModelsLoaded, loadedModelInfo{ModelName: model.Name})
	}
	writeJSON(w, http.StatusOK, resp)
}

// modelEntry is one element of the models listing, OpenAI shaped with
// gateway extensions.
type modelEntry struct {
	ID         string   `json:"id"`
	Object     string   `json:"object"`
	Created    int64    `json:"created"`
	OwnedBy    string   `json:"owned_by"`
	Checkpoint string   `json:"checkpoint"`
	Recipe     string   `json:"recipe"`
	Labels     []string `json:"labels,omitempty"`
	Suggested  bool     `json:"suggested,omitempty"`
	Downloaded *bool    `json:"downloaded,omitempty"`
}

func (g *Gateway) modelEntry(d models.Descriptor, includeDownloaded bool) modelEntry {
	entry := modelEntry{
		ID:         d.Name,
		Object:     "model",
		Created:    time.Now().Unix(),
		OwnedBy:    "lemonade",
		Checkpoint: d.Checkpoint,
		Recipe:     d.Recipe,
		Labels:     d.Labels,
		Suggested:  d.Suggested,
	}
	if includeDownloaded {
		downloaded := g.registry.IsDownloaded(d, g.checkers)
		entry.Downloaded = &downloaded
	}
	return entry
}

func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Get("show_all") == "true"

	data := make([]modelEntry, 0)
	for _, d := range g.registry.List() {
		if showAll {
			data = append(data, g.modelEntry(d, true))
			continue
		}
		// OpenAI compatibility: clients expect only usable models.
		if g.registry.IsDownloaded(d, g.checkers) {
			data = append(data, g.modelEntry(d, false))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (g *Gateway) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	d, ok := g.registry.Lookup(name)
	if !ok {
		writeErrorPath(w, http.StatusNotFound, kindNotFound,
			fmt.Sprintf("model %q not found", name), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, g.modelEntry(d, true))
}

// pullRequest is the body of POST /pull. The checkpoint and capability
// fields register a user model on the fly.
type pullRequest struct {
	ModelName  string `json:"model_name"`
	Stream     bool   `json:"stream"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embeddings bool   `json:"embeddings,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	MMProj     string `json:"mmproj,omitempty"`
}

func (pr pullRequest) labels() []string {
	var labels []string
	if pr.Reasoning {
		labels = append(labels, models.LabelReasoning)
	}
	if pr.Vision {
		labels = append(labels, models.LabelVision)
	}
	if pr.Embeddings {
		labels = append(labels, models.LabelEmbeddings)
	}
	if pr.Reranking {
		labels = append(labels, models.LabelReranking)
	}
	return labels
}

func (g *Gateway) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.ModelName == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "model_name is required")
		return
	}

	// Register a user model when the request supplies a checkpoint for an
	// unknown user. prefixed name.
	if _, known := g.registry.Lookup(req.ModelName); !known && req.Checkpoint != "" {
		recipe := req.Recipe
		if recipe == "" {
			recipe = models.RecipeLlamaCPP
		}
		err := g.registry.RegisterUser(models.Descriptor{
			Name:       req.ModelName,
			Checkpoint: req.Checkpoint,
			Recipe:     recipe,
			Labels:     req.labels(),
			MMProj:     req.MMProj,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
			return
		}
	}

	d, ok := g.registry.Lookup(req.ModelName)
	if !ok {
		writeErrorPath(w, http.StatusNotFound, kindNotFound,
			fmt.Sprintf("model %q not found", req.ModelName), r.URL.Path)
		return
	}
	backend, ok := g.backends[d.Recipe]
	if !ok {
		writeError(w, http.StatusNotFound, kindNotFound,
			fmt.Sprintf("no backend for recipe %q", d.Recipe))
		return
	}

	if req.Stream {
		g.pullStreaming(w, r, backend, d)
		return
	}
	if err := backend.PullModel(r.Context(), d, nil); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"model_name": d.Name,
	})
}

// pullStreaming runs the download while emitting SSE progress events.
func (g *Gateway) pullStreaming(w http.ResponseWriter, r *http.Request, backend inference.Backend, d models.Descriptor) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	onProgress := func(p hub.Progress) {
		writeSSEEvent(w, flusher, "progress", map[string]interface{}{
			"file":             p.File,
			"file_index":       p.FileIndex,
			"total_files":      p.TotalFiles,
			"bytes_downloaded": p.TotalDownloaded,
			"bytes_total":      p.TotalBytes,
			"percent":          p.Percent(),
		})
	}

	if err := backend.PullModel(r.Context(), d, onProgress); err != nil {
		writeSSEEvent(w, flusher, "error", map[string]interface{}{
			"error": map[string]string{"message": err.Error(), "type": kindInternal},
		})
		return
	}
	writeSSEEvent(w, flusher, "complete", map[string]string{"model_name": d.Name})
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if flusher != nil {
		flusher.Flush()
	}
}

// loadRequest is the body of POST /load. Checkpoint and recipe register
// an unknown user model on the fly, like POST /pull does.
type loadRequest struct {
	ModelName  string `json:"model_name"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	CtxSize    int    `json:"ctx_size,omitempty"`
	LlamaArgs  string `json:"llama_args,omitempty"`
}

func (g *Gateway) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.ModelName == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "model_name is required")
		return
	}

	if _, known := g.registry.Lookup(req.ModelName); !known && req.Checkpoint != "" {
		recipe := req.Recipe
		if recipe == "" {
			recipe = models.RecipeLlamaCPP
		}
		err := g.registry.RegisterUser(models.Descriptor{
			Name:       req.ModelName,
			Checkpoint: req.Checkpoint,
			Recipe:     recipe,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
			return
		}
	}

	overrides := inference.StartOptions{CtxSize: req.CtxSize}
	if req.LlamaArgs != "" {
		args, err := ParseEngineArgs(req.LlamaArgs)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindBadRequest,
				fmt.Sprintf("invalid llama_args: %v", err))
			return
		}
		overrides.ExtraArgs = args
	}

	if err := g.router.Load(r.Context(), req.ModelName, overrides); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"model_name": req.ModelName,
	})
}

// handleUnload accepts requests with no body or Content-Type at all and
// always succeeds.
func (g *Gateway) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := g.router.Unload(r.Context()); err != nil {
		g.log.WithError(err).Warnf("unload reported an error")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type deleteRequest struct {
	ModelName string `json:"model_name"`
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	d, ok := g.registry.Lookup(req.ModelName)
	if !ok {
		writeErrorPath(w, http.StatusNotFound, kindNotFound,
			fmt.Sprintf("model %q not found", req.ModelName), r.URL.Path)
		return
	}

	// Deleting the loaded model unloads it first.
	if loaded, ok := g.router.LoadedModel(); ok && loaded.Name == d.Name {
		_ = g.router.Unload(r.Context())
	}

	if backend, ok := g.backends[d.Recipe]; ok {
		if err := backend.DeleteModel(d); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	if d.IsUserModel() {
		if err := g.registry.UnregisterUser(d.Name); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if rec := g.router.LastTelemetry(); rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (g *Gateway) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version": g.cfg.Version,
		"port":    g.cfg.Port,
		"arch":    runtime.GOARCH,
	}
	if host, err := sysinfo.Host(); err == nil {
		hi := host.Info()
		info["os"] = hi.OS.Name
		info["os_version"] = hi.OS.Version
		info["kernel"] = hi.KernelVersion
		info["hostname"] = hi.Hostname
		if mem, err := host.Memory(); err == nil {
			info["memory_total_bytes"] = mem.Total
		}
	} else {
		info["os"] = runtime.GOOS
	}
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleGetParams(w http.ResponseWriter, r *http.Request) {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	writeJSON(w, http.StatusOK, g.params)
}

// handleSetParams merges the posted object into the in-memory generation
// defaults applied to inference requests.
func (g *Gateway) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var params map[string]interface{}
	if !g.decodeBody(w, r, &params) {
		return
	}
	g.paramsMu.Lock()
	for k, v := range params {
		if v == nil {
			delete(g.params, k)
			continue
		}
		g.params[k] = v
	}
	g.paramsMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type logLevelRequest struct {
	Level string `json:"level"`
}

func (g *Gateway) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	level, err := logging.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	g.rootLogger.SetLevel(level)
	if err := logging.PersistLevel(g.cfg.CacheDir, req.Level); err != nil {
		g.log.WithError(err).Warnf("failed to persist log level")
	}
	g.log.Infof("log level set to %s", req.Level)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "level": req.Level})
}

// handleShutdown acknowledges, then unloads the backend and stops the
// listener through the lifecycle callback.
func (g *Gateway) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	g.shutdownOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = g.router.Unload(ctx)
			if g.onShutdown != nil {
				g.onShutdown()
			}
		}()
	})
}

// decodeBody reads a JSON body, tolerating an absent body for callers
// that treat the request as a signal. Malformed JSON is a 400.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest,
			fmt.Sprintf("malformed JSON body: %v", err))
		return false
	}
	return true
}

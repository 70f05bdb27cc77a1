package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
	"github.com/lemonade-sdk/lemonade/pkg/proxy"
	"github.com/lemonade-sdk/lemonade/pkg/routing"
)

// fakeEngine is a backend adapter that proxies to an in-process HTTP
// server and records pull calls.
type fakeEngine struct {
	srv    *httptest.Server
	pulled []string
	cached map[string]bool
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{cached: make(map[string]bool)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "chat") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"choices":[{"message":{"content":"pong"},"finish_reason":"stop"}],"timings":{"prompt_n":3,"predicted_n":4}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"ok"}`)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEngine) port() int {
	u, _ := url.Parse(f.srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return p
}

func (f *fakeEngine) Name() string { return models.RecipeLlamaCPP }

func (f *fakeEngine) EnsureInstalled(ctx context.Context, progress func(string)) error { return nil }

func (f *fakeEngine) PullModel(ctx context.Context, m models.Descriptor, onProgress hub.ProgressFunc) error {
	if onProgress != nil {
		onProgress(hub.Progress{File: "a.gguf", FileIndex: 0, TotalFiles: 1, TotalBytes: 10, TotalDownloaded: 5})
		onProgress(hub.Progress{File: "a.gguf", FileIndex: 0, TotalFiles: 1, TotalBytes: 10, TotalDownloaded: 10})
	}
	f.pulled = append(f.pulled, m.Name)
	f.cached[m.Name] = true
	return nil
}

func (f *fakeEngine) DeleteModel(m models.Descriptor) error {
	delete(f.cached, m.Name)
	return nil
}

func (f *fakeEngine) IsModelCached(m models.Descriptor) bool { return f.cached[m.Name] }

func (f *fakeEngine) Start(ctx context.Context, m models.Descriptor, opts inference.StartOptions) (*inference.Session, error) {
	s := &inference.Session{
		BackendName: f.Name(),
		ModelName:   m.Name,
		Checkpoint:  m.Checkpoint,
		Port:        f.port(),
		StartedAt:   time.Now(),
	}
	s.SetState(inference.StateReady)
	return s, nil
}

func (f *fakeEngine) Stop(ctx context.Context, s *inference.Session) error {
	s.SetState(inference.StateStopped)
	return nil
}

func (f *fakeEngine) TranslateRequest(endpoint string, body []byte, m models.Descriptor) ([]byte, error) {
	return body, nil
}

// IsCached adapts the engine to the registry's download checker.
func (f *fakeEngine) IsCached(repo, revision, variant string) bool {
	return len(f.cached) > 0
}

type testEnv struct {
	gw     *Gateway
	srv    *httptest.Server
	engine *fakeEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rootLogger := logrus.New()
	rootLogger.SetLevel(logrus.ErrorLevel)
	log := logging.NewLogrusAdapter(rootLogger)

	registry, err := models.NewRegistry(t.TempDir(), log)
	require.NoError(t, err)

	engine := newFakeEngine(t)
	backends := map[string]inference.Backend{models.RecipeLlamaCPP: engine}
	checkers := map[string]models.DownloadChecker{models.RecipeLlamaCPP: engine}
	router := routing.New(backends, registry, proxy.New(log), inference.StartOptions{}, log)

	gw := New(Config{CacheDir: t.TempDir(), Version: "test"}, registry, router, backends, checkers, rootLogger, log)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv, engine: engine}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, readAll(t, resp)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, readAll(t, resp)
}

func TestHealthEmpty(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"model_loaded":null`)
	assert.Contains(t, body, `"all_models_loaded":[]`)
}

func TestHealthAfterLoad(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cached["Qwen3-0.6B-GGUF"] = true
	resp, _ := env.post(t, "/api/v1/load", `{"model_name":"Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := env.get(t, "/api/v1/health")
	assert.Contains(t, body, `"model_loaded":"Qwen3-0.6B-GGUF"`)
	assert.Contains(t, body, `"model_name":"Qwen3-0.6B-GGUF"`)
}

func TestModelsListFiltersByDownload(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.get(t, "/api/v1/models")
	var listing struct {
		Data []modelEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &listing))
	assert.Empty(t, listing.Data)

	_, body = env.get(t, "/api/v1/models?show_all=true")
	require.NoError(t, json.Unmarshal([]byte(body), &listing))
	assert.NotEmpty(t, listing.Data)
	require.NotNil(t, listing.Data[0].Downloaded)
}

func TestGetModel(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/v1/models/Qwen3-0.6B-GGUF")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"recipe":"llamacpp"`)

	resp, body = env.get(t, "/api/v1/models/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"type":"not_found"`)
}

func TestPullBlocking(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/pull", `{"model_name":"Qwen3-0.6B-GGUF","stream":false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"success"`)
	assert.Equal(t, []string{"Qwen3-0.6B-GGUF"}, env.engine.pulled)
}

func TestPullStreamingEmitsEvents(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/v1/pull", `{"model_name":"Qwen3-0.6B-GGUF","stream":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.GreaterOrEqual(t, strings.Count(body, "event: progress"), 2)
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"model_name":"Qwen3-0.6B-GGUF"`)
}

func TestPullRegistersUserModel(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.post(t, "/api/v1/pull",
		`{"model_name":"user.custom","checkpoint":"org/repo:Q4_K_M","recipe":"llamacpp","vision":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := env.get(t, "/api/v1/models/user.custom")
	assert.Contains(t, body, `"checkpoint":"org/repo:Q4_K_M"`)
	assert.Contains(t, body, "vision")
}

func TestLoadUnknownModel(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.post(t, "/api/v1/load", `{"model_name":"missing"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"type":"not_found"`)
}

func TestUnloadWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp, err := http.Post(env.srv.URL+"/api/v1/unload", "", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, readAll(t, resp), `"status":"success"`)
		resp.Body.Close()
	}
}

func TestDeleteUserModel(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.post(t, "/api/v1/pull",
		`{"model_name":"user.todelete","checkpoint":"org/repo","recipe":"llamacpp"}`)

	resp, _ := env.post(t, "/api/v1/delete", `{"model_name":"user.todelete"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.get(t, "/api/v1/models/user.todelete")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatCompletionAutoLoads(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cached["Qwen3-0.6B-GGUF"] = true

	resp, body := env.post(t, "/api/v1/chat/completions",
		`{"model":"Qwen3-0.6B-GGUF","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "pong")

	_, body = env.get(t, "/api/v1/stats")
	assert.Contains(t, body, `"input_tokens":3`)
}

func TestChatCompletionTokenLimitConflict(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.post(t, "/api/v1/chat/completions",
		`{"model":"x","max_tokens":1,"max_completion_tokens":2,"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "max_completion_tokens")
}

func TestDualPrefixRouting(t *testing.T) {
	env := newTestEnv(t)
	for _, prefix := range []string{"/api/v0", "/api/v1"} {
		resp, _ := env.get(t, prefix+"/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode, prefix)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/api/v1/definitely-not-a-route")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"path":"/api/v1/definitely-not-a-route"`)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/api/v1/pull")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Contains(t, body, `"message":"method not allowed"`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/chat/completions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestParamsAppliedToInference(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.post(t, "/api/v1/params", `{"temperature":0.2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := env.gw.applyParamDefaults([]byte(`{"model":"m"}`))
	assert.Contains(t, string(body), `"temperature":0.2`)

	// Explicit values win over stored defaults.
	body = env.gw.applyParamDefaults([]byte(`{"model":"m","temperature":0.9}`))
	assert.Contains(t, string(body), `"temperature":0.9`)
}

func TestLogLevelEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.post(t, "/api/v1/log-level", `{"level":"debug"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.post(t, "/api/v1/log-level", `{"level":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShutdownEndpointFiresCallback(t *testing.T) {
	env := newTestEnv(t)
	fired := make(chan struct{})
	env.gw.OnShutdown(func() { close(fired) })

	resp, body := env.post(t, "/internal/shutdown", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestParseEngineArgs(t *testing.T) {
	args, err := ParseEngineArgs(`--no-mmap --threads 8 --cache-type-k "q8_0"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"--no-mmap", "--threads", "8", "--cache-type-k", "q8_0"}, args)

	_, err = ParseEngineArgs("--port 9999")
	assert.Error(t, err)
	_, err = ParseEngineArgs("--model=foo")
	assert.Error(t, err)
}

func TestRootBanner(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Lemonade Server")
}

package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
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
	"github.com/lemonade-sdk/lemonade/pkg/telemetry"
)

// fakeBackend serves requests from an httptest server and counts engine
// starts and stops.
type fakeBackend struct {
	name       string
	srv        *httptest.Server
	startDelay time.Duration
	failStart  bool

	starts atomic.Int32
	stops  atomic.Int32
	live   atomic.Int32
}

func newFakeBackend(t *testing.T, name string) *fakeBackend {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"timings":{"prompt_n":1,"predicted_n":2}}`)
	}))
	t.Cleanup(srv.Close)
	return &fakeBackend{name: name, srv: srv}
}

func (f *fakeBackend) port() int {
	u, _ := url.Parse(f.srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return p
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) EnsureInstalled(ctx context.Context, progress func(string)) error {
	return nil
}

func (f *fakeBackend) PullModel(ctx context.Context, m models.Descriptor, onProgress hub.ProgressFunc) error {
	return nil
}

func (f *fakeBackend) DeleteModel(m models.Descriptor) error { return nil }

func (f *fakeBackend) IsModelCached(m models.Descriptor) bool { return true }

func (f *fakeBackend) Start(ctx context.Context, m models.Descriptor, opts inference.StartOptions) (*inference.Session, error) {
	time.Sleep(f.startDelay)
	if f.failStart {
		return nil, fmt.Errorf("engine refused to start")
	}
	f.starts.Add(1)
	f.live.Add(1)
	s := &inference.Session{
		BackendName: f.name,
		ModelName:   m.Name,
		Checkpoint:  m.Checkpoint,
		Port:        f.port(),
		StartedAt:   time.Now(),
	}
	s.SetState(inference.StateReady)
	return s, nil
}

func (f *fakeBackend) Stop(ctx context.Context, s *inference.Session) error {
	f.stops.Add(1)
	f.live.Add(-1)
	s.SetState(inference.StateStopped)
	return nil
}

func (f *fakeBackend) TranslateRequest(endpoint string, body []byte, m models.Descriptor) ([]byte, error) {
	return body, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeBackend) {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	log := logging.NewLogrusAdapter(l)

	registry, err := models.NewRegistry(t.TempDir(), log)
	require.NoError(t, err)

	fake := newFakeBackend(t, models.RecipeLlamaCPP)
	backends := map[string]inference.Backend{models.RecipeLlamaCPP: fake}
	return New(backends, registry, proxy.New(log), inference.StartOptions{}, log), fake
}

const (
	modelA = "Qwen3-0.6B-GGUF"
	modelB = "Llama-3.2-1B-Instruct-GGUF"
)

func TestLoadAndDispatch(t *testing.T) {
	r, fake := newTestRouter(t)

	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	assert.True(t, r.IsLoaded())
	loaded, ok := r.LoadedModel()
	require.True(t, ok)
	assert.Equal(t, modelA, loaded.Name)

	rec := httptest.NewRecorder()
	body := []byte(fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}]}`, modelA))
	require.NoError(t, r.Dispatch(context.Background(), rec, "chat/completions", body))
	assert.Contains(t, rec.Body.String(), "ok")
	assert.EqualValues(t, 1, fake.starts.Load())

	tel := r.LastTelemetry()
	require.NotNil(t, tel)
	assert.EqualValues(t, 2, *tel.OutputTokens)
}

func TestLoadSameModelIsNoop(t *testing.T) {
	r, fake := newTestRouter(t)

	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	assert.EqualValues(t, 1, fake.starts.Load())
}

func TestLoadSwitchStopsPrevious(t *testing.T) {
	r, fake := newTestRouter(t)

	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	require.NoError(t, r.Load(context.Background(), modelB, inference.StartOptions{}))
	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))

	assert.EqualValues(t, 3, fake.starts.Load())
	assert.EqualValues(t, 2, fake.stops.Load())
	assert.EqualValues(t, 1, fake.live.Load(), "exactly one engine alive")

	loaded, _ := r.LoadedModel()
	assert.Equal(t, modelA, loaded.Name)
}

func TestConcurrentLoadsStartOnce(t *testing.T) {
	r, fake := newTestRouter(t)
	fake.startDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Load(context.Background(), modelA, inference.StartOptions{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, fake.starts.Load())
}

func TestUnloadIsIdempotent(t *testing.T) {
	r, fake := newTestRouter(t)

	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	require.NoError(t, r.Unload(context.Background()))
	require.NoError(t, r.Unload(context.Background()))
	require.NoError(t, r.Unload(context.Background()))

	assert.False(t, r.IsLoaded())
	assert.EqualValues(t, 1, fake.stops.Load())
}

func TestLoadUnknownModel(t *testing.T) {
	r, _ := newTestRouter(t)
	err := r.Load(context.Background(), "no-such-model", inference.StartOptions{})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestLoadFailureReturnsToUnloaded(t *testing.T) {
	r, fake := newTestRouter(t)
	fake.failStart = true

	err := r.Load(context.Background(), modelA, inference.StartOptions{})
	assert.ErrorIs(t, err, ErrBackendStartFailed)
	assert.False(t, r.IsLoaded())

	// Recovery: a later load succeeds.
	fake.failStart = false
	assert.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
}

func TestDispatchWithoutModel(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	err := r.Dispatch(context.Background(), rec, "chat/completions", []byte(`{"messages":[]}`))
	assert.ErrorIs(t, err, ErrNoModelLoaded)
}

func TestDispatchAfterCrashSurfacesUntilReload(t *testing.T) {
	r, fake := newTestRouter(t)
	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	r.Session().SetState(inference.StateFailed)

	body := []byte(fmt.Sprintf(`{"model":%q,"messages":[]}`, modelA))
	err := r.Dispatch(context.Background(), httptest.NewRecorder(), "chat/completions", body)
	assert.ErrorIs(t, err, ErrBackendCrashed)

	// Naming the crashed model again must not silently respawn it.
	err = r.Dispatch(context.Background(), httptest.NewRecorder(), "chat/completions", body)
	assert.ErrorIs(t, err, ErrBackendCrashed)
	assert.EqualValues(t, 1, fake.starts.Load())

	// An explicit load replaces the crashed session.
	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))
	require.NoError(t, r.Dispatch(context.Background(), httptest.NewRecorder(), "chat/completions", body))
	assert.EqualValues(t, 2, fake.starts.Load())
}

func TestDispatchDrainsStdoutTelemetry(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))

	capture := telemetry.NewStdoutCapture()
	r.Session().StdoutTelemetry = capture
	_, err := capture.Write([]byte("ChatCompletionChunk: {\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":21,\"decoding_speed_tps\":17.2}}\n"))
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"model":%q,"messages":[]}`, modelA))
	require.NoError(t, r.Dispatch(context.Background(), httptest.NewRecorder(), "chat/completions", body))

	// Stdout metrics override the in-band timings the engine returned.
	tel := r.LastTelemetry()
	require.NotNil(t, tel)
	assert.EqualValues(t, 21, *tel.OutputTokens)
	assert.InDelta(t, 17.2, *tel.DecodeTPS, 1e-9)
}

func TestDispatchAutoSwitches(t *testing.T) {
	r, fake := newTestRouter(t)

	require.NoError(t, r.Load(context.Background(), modelA, inference.StartOptions{}))

	rec := httptest.NewRecorder()
	body := []byte(fmt.Sprintf(`{"model":%q,"messages":[]}`, modelB))
	require.NoError(t, r.Dispatch(context.Background(), rec, "chat/completions", body))

	loaded, _ := r.LoadedModel()
	assert.Equal(t, modelB, loaded.Name)
	assert.EqualValues(t, 2, fake.starts.Load())
	assert.EqualValues(t, 1, fake.live.Load())
}

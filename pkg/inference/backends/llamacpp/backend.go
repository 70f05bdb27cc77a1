package llamacpp

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
	"github.com/lemonade-sdk/lemonade/pkg/process"
)

// Backend runs llama-server child processes.
type Backend struct {
	cfg        Config
	fetcher    *hub.Fetcher
	supervisor *process.Supervisor
	log        logging.Logger
}

// NewBackend creates the llama.cpp adapter.
func NewBackend(cfg Config, fetcher *hub.Fetcher, supervisor *process.Supervisor, log logging.Logger) *Backend {
	if cfg.CtxSize <= 0 {
		cfg.CtxSize = DefaultCtxSize
	}
	return &Backend{
		cfg:        cfg,
		fetcher:    fetcher,
		supervisor: supervisor,
		log:        log.WithField("backend", Name),
	}
}

// Name implements inference.Backend.
func (b *Backend) Name() string {
	return Name
}

// PullModel downloads the model's GGUF artifacts into the hub cache.
func (b *Backend) PullModel(ctx context.Context, model models.Descriptor, onProgress hub.ProgressFunc) error {
	_, err := b.fetcher.Fetch(ctx, model.Repo(), "main", model.Variant(), onProgress)
	return err
}

// DeleteModel removes the model's cached artifacts.
func (b *Backend) DeleteModel(model models.Descriptor) error {
	return b.fetcher.Delete(model.Repo())
}

// IsModelCached implements inference.Backend.
func (b *Backend) IsModelCached(model models.Descriptor) bool {
	return b.fetcher.IsCached(model.Repo(), "main", model.Variant())
}

// Start launches llama-server for the model and waits for its health
// endpoint.
func (b *Backend) Start(ctx context.Context, model models.Descriptor, opts inference.StartOptions) (*inference.Session, error) {
	snap, err := b.fetcher.Fetch(ctx, model.Repo(), "main", model.Variant(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s is not available locally", model.Name)
	}

	port, err := process.FindFreePort()
	if err != nil {
		return nil, err
	}

	ctxSize := b.cfg.CtxSize
	if opts.CtxSize > 0 {
		ctxSize = opts.CtxSize
	}
	args := buildArgs(snap, port, ctxSize, inference.ModeFor(model), b.cfg.flavor(), opts.ExtraArgs)

	logWriter := b.log.WithField("model", model.Name).Writer()
	handle, err := b.supervisor.Spawn(ctx, process.Spec{
		Path:   b.cfg.exePath(),
		Args:   args,
		Stdout: logWriter,
		Stderr: logWriter,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start llama-server")
	}

	session := &inference.Session{
		BackendName: Name,
		ModelName:   model.Name,
		Checkpoint:  model.Checkpoint,
		VariantFile: snap.Primary,
		Port:        port,
		StartedAt:   time.Now(),
		Handle:      handle,
	}
	session.SetState(inference.StateStarting)

	if err := inference.WaitForReady(ctx, b.log, session.BaseURL()+"/health", b.cfg.ReadyTimeout, handle.Alive); err != nil {
		session.SetState(inference.StateFailed)
		_ = b.supervisor.Stop(context.Background(), handle, process.DefaultStopGrace)
		return nil, errors.Wrap(err, "llama-server failed to become ready")
	}
	session.SetState(inference.StateReady)
	b.log.Infof("llama-server ready for %s on port %d", model.Name, port)
	return session, nil
}

// Stop implements inference.Backend.
func (b *Backend) Stop(ctx context.Context, session *inference.Session) error {
	if session == nil || session.Handle == nil {
		return nil
	}
	session.SetState(inference.StateStopping)
	err := b.supervisor.Stop(ctx, session.Handle, process.DefaultStopGrace)
	session.SetState(inference.StateStopped)
	return err
}

// TranslateRequest implements inference.Backend. llama-server speaks the
// OpenAI dialect natively, so the body passes through unchanged.
func (b *Backend) TranslateRequest(endpoint string, body []byte, model models.Descriptor) ([]byte, error) {
	return body, nil
}

// buildArgs assembles the llama-server command line.
func buildArgs(snap *hub.Snapshot, port, ctxSize int, mode inference.Mode, flavor Flavor, extra []string) []string {
	args := []string{
		"-m", snap.Primary,
		"--ctx-size", strconv.Itoa(ctxSize),
		"--port", strconv.Itoa(port),
		"--jinja",
	}
	// Metal builds misbehave with context-shift enabled.
	if flavor != FlavorMetal {
		args = append(args, "--context-shift")
	}
	args = append(args, "--keep", "16")
	args = append(args, "--reasoning-format", "auto")

	switch mode {
	case inference.ModeEmbedding:
		args = append(args, "--embeddings")
	case inference.ModeReranking:
		args = append(args, "--reranking")
	}

	if snap.MMProj != "" {
		args = append(args, "--mmproj", snap.MMProj)
	}
	args = append(args, "-ngl", "99")
	return append(args, extra...)
}

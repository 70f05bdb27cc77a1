// Package flm integrates the FastFlowLM engine for NPU inference. The
// engine owns its binary installation and model cache; this adapter
// drives it through its CLI and OpenAI compatible HTTP surface.
package flm

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
	"github.com/lemonade-sdk/lemonade/pkg/process"
	"github.com/lemonade-sdk/lemonade/pkg/telemetry"
)

// Name is the recipe tag served by this adapter.
const Name = "flm"

// installerURL is where users get the engine; the adapter never installs
// it itself.
const installerURL = "https://github.com/FastFlowLM/FastFlowLM/releases/latest/download/flm-setup.exe"

// DefaultCtxSize matches the engine's recommended context window.
const DefaultCtxSize = 8192

// ErrNotInstalled indicates the flm binary is not on PATH.
var ErrNotInstalled = errors.Errorf("FastFlowLM is not installed; download it from %s and restart your terminal", installerURL)

// Config tunes the adapter.
type Config struct {
	// Binary overrides the flm executable path. Empty means PATH lookup.
	Binary string
	// CtxSize is the default context window in tokens.
	CtxSize int
	// ReadyTimeout bounds engine startup.
	ReadyTimeout time.Duration
}

// Backend drives the FastFlowLM engine.
type Backend struct {
	cfg        Config
	supervisor *process.Supervisor
	log        logging.Logger

	// runCommand is swapped in tests to fake the flm CLI.
	runCommand func(ctx context.Context, args ...string) (string, error)
}

// NewBackend creates the FLM adapter.
func NewBackend(cfg Config, supervisor *process.Supervisor, log logging.Logger) *Backend {
	if cfg.CtxSize <= 0 {
		cfg.CtxSize = DefaultCtxSize
	}
	b := &Backend{
		cfg:        cfg,
		supervisor: supervisor,
		log:        log.WithField("backend", Name),
	}
	b.runCommand = b.execCommand
	return b
}

// Name implements inference.Backend.
func (b *Backend) Name() string {
	return Name
}

// binary resolves the flm executable, or fails with an install hint.
func (b *Backend) binary() (string, error) {
	if b.cfg.Binary != "" {
		return b.cfg.Binary, nil
	}
	path, err := exec.LookPath("flm")
	if err != nil {
		return "", ErrNotInstalled
	}
	return path, nil
}

// EnsureInstalled verifies the engine binary is available. Unlike the
// llama.cpp adapter it never downloads anything: the vendor ships a
// signed installer that also sets up the NPU driver integration.
func (b *Backend) EnsureInstalled(ctx context.Context, progress func(string)) error {
	path, err := b.binary()
	if err != nil {
		return err
	}
	b.log.Infof("found flm at %s", path)
	return nil
}

func (b *Backend) execCommand(ctx context.Context, args ...string) (string, error) {
	path, err := b.binary()
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	return string(out), err
}

// PullModel downloads the model through the engine's own pull command.
// The hub progress callback receives no byte counts because the engine
// does not report them in machine readable form.
func (b *Backend) PullModel(ctx context.Context, model models.Descriptor, onProgress hub.ProgressFunc) error {
	b.log.Infof("pulling %s via flm", model.Checkpoint)
	if onProgress != nil {
		onProgress(hub.Progress{File: model.Checkpoint, TotalFiles: 1})
	}
	out, err := b.runCommand(ctx, "pull", model.Checkpoint)
	if err != nil {
		return errors.Wrapf(err, "flm pull %s failed: %s", model.Checkpoint, strings.TrimSpace(out))
	}
	if onProgress != nil {
		onProgress(hub.Progress{File: model.Checkpoint, FileIndex: 0, TotalFiles: 1})
	}
	return nil
}

// DeleteModel removes the model from the engine's cache.
func (b *Backend) DeleteModel(model models.Descriptor) error {
	out, err := b.runCommand(context.Background(), "remove", model.Checkpoint)
	if err != nil {
		return errors.Wrapf(err, "flm remove %s failed: %s", model.Checkpoint, strings.TrimSpace(out))
	}
	return nil
}

// IsModelCached asks the engine for its downloaded model list.
func (b *Backend) IsModelCached(model models.Descriptor) bool {
	out, err := b.runCommand(context.Background(), "list")
	if err != nil {
		return false
	}
	return listContains(out, model.Checkpoint)
}

// listContains scans flm list output for a checkpoint name.
func listContains(out, checkpoint string) bool {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		for _, f := range fields {
			if f == checkpoint {
				return true
			}
		}
	}
	return false
}

// IsCached adapts the engine cache check to the registry's
// DownloadChecker shape; the checkpoint arrives in the repo argument.
func (b *Backend) IsCached(repo, revision, variant string) bool {
	return b.IsModelCached(models.Descriptor{Checkpoint: repo})
}

// Start launches flm serve for the model and waits until its tags
// endpoint answers. The engine has no dedicated health route.
func (b *Backend) Start(ctx context.Context, model models.Descriptor, opts inference.StartOptions) (*inference.Session, error) {
	path, err := b.binary()
	if err != nil {
		return nil, err
	}

	port, err := process.FindFreePort()
	if err != nil {
		return nil, err
	}
	ctxSize := b.cfg.CtxSize
	if opts.CtxSize > 0 {
		ctxSize = opts.CtxSize
	}

	args := []string{
		"serve", model.Checkpoint,
		"--ctx-len", strconv.Itoa(ctxSize),
		"--port", strconv.Itoa(port),
	}
	args = append(args, opts.ExtraArgs...)

	// The engine reports per-request metrics by echoing chunks on
	// stdout, so stdout is teed through a telemetry capture the router
	// drains after each dispatch.
	logWriter := b.log.WithField("model", model.Name).Writer()
	capture := telemetry.NewStdoutCapture()
	handle, err := b.supervisor.Spawn(ctx, process.Spec{
		Path:   path,
		Args:   args,
		Stdout: io.MultiWriter(capture, logWriter),
		Stderr: logWriter,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start flm serve")
	}

	session := &inference.Session{
		BackendName:     Name,
		ModelName:       model.Name,
		Checkpoint:      model.Checkpoint,
		Port:            port,
		StartedAt:       time.Now(),
		Handle:          handle,
		StdoutTelemetry: capture,
	}
	session.SetState(inference.StateStarting)

	if err := inference.WaitForReady(ctx, b.log, session.BaseURL()+"/api/tags", b.cfg.ReadyTimeout, handle.Alive); err != nil {
		session.SetState(inference.StateFailed)
		_ = b.supervisor.Stop(context.Background(), handle, process.DefaultStopGrace)
		return nil, errors.Wrap(err, "flm serve failed to become ready")
	}
	session.SetState(inference.StateReady)
	b.log.Infof("flm ready for %s on port %d", model.Name, port)
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

// TranslateRequest rewrites the model field to the engine's checkpoint
// name. The engine rejects requests naming the gateway-level model.
func (b *Backend) TranslateRequest(endpoint string, body []byte, model models.Descriptor) ([]byte, error) {
	if !gjson.GetBytes(body, "model").Exists() {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "model", model.Checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to rewrite model field")
	}
	return out, nil
}

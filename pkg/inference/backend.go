// Package inference defines the backend adapter abstraction shared by the
// engine integrations.
package inference

import (
	"context"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/models"
)

// Mode encodes which serving mode a backend runs in. llama.cpp needs the
// mode at startup because embeddings and reranking require dedicated
// server flags.
type Mode uint8

const (
	// ModeCompletion runs the backend for chat and text completion.
	ModeCompletion Mode = iota
	// ModeEmbedding runs the backend in embedding mode.
	ModeEmbedding
	// ModeReranking runs the backend in reranking mode.
	ModeReranking
)

// String implements Stringer.String for Mode.
func (m Mode) String() string {
	switch m {
	case ModeCompletion:
		return "completion"
	case ModeEmbedding:
		return "embedding"
	case ModeReranking:
		return "reranking"
	default:
		return "unknown"
	}
}

// ModeFor derives the serving mode from a model's capability labels.
func ModeFor(model models.Descriptor) Mode {
	switch {
	case model.HasLabel(models.LabelEmbeddings):
		return ModeEmbedding
	case model.HasLabel(models.LabelReranking):
		return ModeReranking
	default:
		return ModeCompletion
	}
}

// StartOptions tune how a backend serves a model.
type StartOptions struct {
	// CtxSize is the context window in tokens. Zero means the adapter
	// default.
	CtxSize int
	// ExtraArgs are engine CLI arguments appended verbatim.
	ExtraArgs []string
}

// Backend is one local inference engine integration. Implementations live
// in the backends subpackages; the router selects one by recipe tag.
type Backend interface {
	// Name returns the recipe tag this adapter serves.
	Name() string

	// EnsureInstalled makes sure the engine binary is present and recent
	// enough, downloading a release if needed. Progress strings are human
	// readable status lines.
	EnsureInstalled(ctx context.Context, progress func(string)) error

	// PullModel makes the model's artifacts available locally.
	PullModel(ctx context.Context, model models.Descriptor, onProgress hub.ProgressFunc) error

	// DeleteModel removes the model's local artifacts.
	DeleteModel(model models.Descriptor) error

	// IsModelCached reports whether PullModel has already completed for
	// the model.
	IsModelCached(model models.Descriptor) bool

	// Start launches the engine serving the model and returns once the
	// engine's health endpoint answers, or fails within the deadline.
	Start(ctx context.Context, model models.Descriptor, opts StartOptions) (*Session, error)

	// Stop terminates the engine, gracefully first. Stopping a session
	// that already exited is not an error.
	Stop(ctx context.Context, session *Session) error

	// TranslateRequest rewrites an incoming OpenAI style request body
	// into the engine's dialect for the given endpoint.
	TranslateRequest(endpoint string, body []byte, model models.Descriptor) ([]byte, error)
}

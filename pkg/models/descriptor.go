// Package models merges the shipped model catalog with the user catalog
// and resolves model names to checkpoints and recipes.
package models

import (
	"strings"
)

// Recipe tags identify which backend adapter serves a model.
const (
	RecipeLlamaCPP = "llamacpp"
	RecipeFLM      = "flm"
)

// SupportedRecipes is the set of adapters compiled into this build.
// Catalog entries with other recipes are filtered out at load time.
var SupportedRecipes = map[string]bool{
	RecipeLlamaCPP: true,
	RecipeFLM:      true,
}

// UserPrefix marks models registered by the user rather than shipped in
// the catalog.
const UserPrefix = "user."

// Capability labels carried by catalog entries.
const (
	LabelVision      = "vision"
	LabelReasoning   = "reasoning"
	LabelEmbeddings  = "embeddings"
	LabelReranking   = "reranking"
	LabelToolCalling = "tool-calling"
	LabelCustom      = "custom"
)

// Descriptor describes one model in the catalog.
type Descriptor struct {
	// Name is the registry key, for example "Qwen3-0.6B-GGUF". User
	// registered models carry the "user." prefix.
	Name string `json:"-"`
	// Checkpoint identifies the remote repository, optionally with a
	// ":variant" suffix selecting files within it. FLM models carry the
	// engine's own checkpoint syntax instead.
	Checkpoint string `json:"checkpoint"`
	// Recipe selects the backend adapter.
	Recipe string `json:"recipe"`
	// Labels are capability tags.
	Labels []string `json:"labels,omitempty"`
	// MMProj is the vision projector filename, when the model has one.
	MMProj string `json:"mmproj,omitempty"`
	// MaxPromptLength is an advisory prompt length limit.
	MaxPromptLength int `json:"max_prompt_length,omitempty"`
	// SizeGB is an estimate of the download size.
	SizeGB float64 `json:"size,omitempty"`
	// Suggested marks entries highlighted by clients.
	Suggested bool `json:"suggested,omitempty"`
}

// Repo returns the repository part of the checkpoint, without any
// variant suffix.
func (d Descriptor) Repo() string {
	repo, _ := splitCheckpoint(d.Checkpoint)
	return repo
}

// Variant returns the variant suffix of the checkpoint, or "".
func (d Descriptor) Variant() string {
	_, variant := splitCheckpoint(d.Checkpoint)
	return variant
}

// splitCheckpoint splits "org/repo:variant" into its parts. FLM
// checkpoints like "gemma3:4b" are not split because the engine resolves
// them itself; callers must not ask for Repo on FLM descriptors.
func splitCheckpoint(checkpoint string) (string, string) {
	idx := strings.Index(checkpoint, ":")
	if idx < 0 {
		return checkpoint, ""
	}
	return checkpoint[:idx], checkpoint[idx+1:]
}

// HasLabel reports whether the descriptor carries a capability tag.
func (d Descriptor) HasLabel(label string) bool {
	for _, l := range d.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsUserModel reports whether the descriptor came from the user catalog.
func (d Descriptor) IsUserModel() bool {
	return strings.HasPrefix(d.Name, UserPrefix)
}

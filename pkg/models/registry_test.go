package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	r, err := NewRegistry(dir, logging.NewLogrusAdapter(l))
	require.NoError(t, err)
	return r, dir
}

func TestBuiltinCatalogLoads(t *testing.T) {
	r, _ := newTestRegistry(t)

	entries := r.List()
	require.NotEmpty(t, entries)

	d, ok := r.Lookup("Qwen3-0.6B-GGUF")
	require.True(t, ok)
	assert.Equal(t, RecipeLlamaCPP, d.Recipe)
	assert.Equal(t, "unsloth/Qwen3-0.6B-GGUF", d.Repo())
	assert.Equal(t, "Q4_K_M", d.Variant())
	assert.True(t, d.HasLabel(LabelReasoning))
}

func TestLookupUnknownModel(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, ok := r.Lookup("no-such-model")
	assert.False(t, ok)
}

func TestRegisterUserModelPersists(t *testing.T) {
	r, dir := newTestRegistry(t)

	err := r.RegisterUser(Descriptor{
		Name:       "user.my-model",
		Checkpoint: "org/repo:Q4_K_M",
		Recipe:     RecipeLlamaCPP,
	})
	require.NoError(t, err)

	d, ok := r.Lookup("user.my-model")
	require.True(t, ok)
	assert.True(t, d.HasLabel(LabelCustom))

	// A fresh registry must see the persisted entry.
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	r2, err := NewRegistry(dir, logging.NewLogrusAdapter(l))
	require.NoError(t, err)
	_, ok = r2.Lookup("user.my-model")
	assert.True(t, ok)
}

func TestRegisterUserModelValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.RegisterUser(Descriptor{Name: "no-prefix", Checkpoint: "org/repo", Recipe: RecipeLlamaCPP})
	assert.Error(t, err)

	err = r.RegisterUser(Descriptor{Name: "user.x", Checkpoint: "org/repo", Recipe: "vllm"})
	assert.Error(t, err)

	err = r.RegisterUser(Descriptor{Name: "user.x", Recipe: RecipeLlamaCPP})
	assert.Error(t, err)
}

func TestUnregisterUserModel(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterUser(Descriptor{
		Name:       "user.gone",
		Checkpoint: "org/repo",
		Recipe:     RecipeLlamaCPP,
	}))
	require.NoError(t, r.UnregisterUser("user.gone"))

	_, ok := r.Lookup("user.gone")
	assert.False(t, ok)

	// Built-in entries cannot be unregistered.
	err := r.UnregisterUser("Qwen3-0.6B-GGUF")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestUserEntryShadowsBuiltin(t *testing.T) {
	r, dir := newTestRegistry(t)

	// Write a user catalog that reuses a built-in name.
	user := map[string]Descriptor{
		"Qwen3-0.6B-GGUF": {Checkpoint: "other/repo:Q8_0", Recipe: RecipeLlamaCPP},
	}
	data, err := json.Marshal(user)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, UserCatalogFile), data, 0o644))

	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	r, err = NewRegistry(dir, logging.NewLogrusAdapter(l))
	require.NoError(t, err)

	d, ok := r.Lookup("Qwen3-0.6B-GGUF")
	require.True(t, ok)
	assert.Equal(t, "other/repo", d.Repo())
}

func TestUnsupportedRecipesFiltered(t *testing.T) {
	r, dir := newTestRegistry(t)
	_ = r

	user := map[string]Descriptor{
		"user.npu-only": {Checkpoint: "org/repo", Recipe: "oga-npu"},
	}
	data, err := json.Marshal(user)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, UserCatalogFile), data, 0o644))

	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	r2, err := NewRegistry(dir, logging.NewLogrusAdapter(l))
	require.NoError(t, err)
	_, ok := r2.Lookup("user.npu-only")
	assert.False(t, ok)
}

type stubChecker struct{ cached bool }

func (s stubChecker) IsCached(repo, revision, variant string) bool { return s.cached }

func TestIsDownloaded(t *testing.T) {
	r, _ := newTestRegistry(t)

	d, ok := r.Lookup("Qwen3-0.6B-GGUF")
	require.True(t, ok)

	checkers := map[string]DownloadChecker{RecipeLlamaCPP: stubChecker{cached: true}}
	assert.True(t, r.IsDownloaded(d, checkers))

	checkers[RecipeLlamaCPP] = stubChecker{cached: false}
	assert.False(t, r.IsDownloaded(d, checkers))

	// No checker for the recipe means not downloaded.
	flm, ok := r.Lookup("Qwen3-4B-NPU")
	require.True(t, ok)
	assert.False(t, r.IsDownloaded(flm, checkers))
}

package models

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

//go:embed catalog.json
var builtinCatalog []byte

// UserCatalogFile is the user catalog filename under the cache root.
const UserCatalogFile = "user_models.json"

// ErrModelNotFound indicates a name absent from the merged registry.
var ErrModelNotFound = errors.New("model not found")

// DownloadChecker reports whether a checkpoint's artifacts are cached
// locally. The hub fetcher implements it for llamacpp models; the FLM
// adapter implements it by asking the engine.
type DownloadChecker interface {
	IsCached(repo, revision, variant string) bool
}

// Registry merges the shipped catalog with the user catalog. User entries
// win on name collisions. Entries whose recipe is not supported by this
// build are dropped at load time.
type Registry struct {
	mu       sync.RWMutex
	builtin  map[string]Descriptor
	user     map[string]Descriptor
	userPath string
	log      logging.Logger
}

// NewRegistry loads the embedded catalog and overlays the user catalog
// from the cache root.
func NewRegistry(cacheDir string, log logging.Logger) (*Registry, error) {
	r := &Registry{
		builtin:  make(map[string]Descriptor),
		user:     make(map[string]Descriptor),
		userPath: filepath.Join(cacheDir, UserCatalogFile),
		log:      log,
	}

	var shipped map[string]Descriptor
	if err := json.Unmarshal(builtinCatalog, &shipped); err != nil {
		return nil, errors.Wrap(err, "failed to parse built-in catalog")
	}
	for name, d := range shipped {
		if !SupportedRecipes[d.Recipe] {
			log.Debugf("skipping catalog entry %s with unsupported recipe %s", name, d.Recipe)
			continue
		}
		d.Name = name
		r.builtin[name] = d
	}

	if err := r.loadUserCatalog(); err != nil {
		// A corrupt user catalog must not prevent startup.
		log.WithError(err).Warnf("ignoring unreadable user catalog at %s", r.userPath)
	}
	return r, nil
}

func (r *Registry) loadUserCatalog() error {
	data, err := os.ReadFile(r.userPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries map[string]Descriptor
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for name, d := range entries {
		if !SupportedRecipes[d.Recipe] {
			continue
		}
		d.Name = name
		r.user[name] = d
	}
	return nil
}

// List returns all registry entries sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]Descriptor, len(r.builtin)+len(r.user))
	for name, d := range r.builtin {
		merged[name] = d
	}
	for name, d := range r.user {
		merged[name] = d
	}

	out := make([]Descriptor, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a model name. User entries shadow built-in ones.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.user[name]; ok {
		return d, true
	}
	d, ok := r.builtin[name]
	return d, ok
}

// RegisterUser adds a user model and persists the user catalog. The name
// must carry the "user." prefix and the recipe must be supported.
func (r *Registry) RegisterUser(d Descriptor) error {
	if !d.IsUserModel() {
		return errors.Errorf("user model name %q must start with %q", d.Name, UserPrefix)
	}
	if !SupportedRecipes[d.Recipe] {
		return errors.Errorf("unsupported recipe %q", d.Recipe)
	}
	if d.Checkpoint == "" {
		return errors.New("user model requires a checkpoint")
	}
	if !d.HasLabel(LabelCustom) {
		d.Labels = append([]string{LabelCustom}, d.Labels...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.user[d.Name] = d
	return r.persistUserCatalogLocked()
}

// UnregisterUser removes a user model from the registry and persists the
// change. Removing a name that is not a user entry is an error.
func (r *Registry) UnregisterUser(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.user[name]; !ok {
		return errors.Wrapf(ErrModelNotFound, "%s is not a registered user model", name)
	}
	delete(r.user, name)
	return r.persistUserCatalogLocked()
}

func (r *Registry) persistUserCatalogLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.userPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	data, err := json.MarshalIndent(r.user, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode user catalog")
	}
	if err := atomicwriter.WriteFile(r.userPath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write user catalog")
	}
	return nil
}

// IsDownloaded reports whether a model's artifacts are present locally,
// using the per-recipe checker.
func (r *Registry) IsDownloaded(d Descriptor, checkers map[string]DownloadChecker) bool {
	checker, ok := checkers[d.Recipe]
	if !ok {
		return false
	}
	if d.Recipe == RecipeFLM {
		// FLM checkpoints are opaque to the hub cache; the adapter's
		// checker matches on the raw checkpoint string.
		return checker.IsCached(d.Checkpoint, "", "")
	}
	return checker.IsCached(d.Repo(), "main", d.Variant())
}

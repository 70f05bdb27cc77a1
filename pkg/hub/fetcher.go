package hub

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const (
	// OfflineEnv disables all network access when set. Only fully cached
	// models can be used.
	OfflineEnv = "LEMONADE_OFFLINE"

	// progressInterval throttles progress callbacks so SSE consumers are
	// not flooded.
	progressInterval = 100 * time.Millisecond

	maxDownloadRetries = 4
)

var (
	errRangeNotSatisfied = errors.New("server does not support resuming downloads")

	// ErrOffline indicates a download was required while offline mode is
	// active.
	ErrOffline = errors.New("offline mode is enabled and the model is not fully cached")
)

// Progress reports download state for one file within a larger pull.
type Progress struct {
	File            string
	FileIndex       int
	TotalFiles      int
	FileBytes       int64
	FileTotal       int64
	TotalBytes      int64
	TotalDownloaded int64
}

// Percent returns overall completion as 0-100.
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return 100 * float64(p.TotalDownloaded) / float64(p.TotalBytes)
}

// ProgressFunc receives throttled download progress updates.
type ProgressFunc func(Progress)

// Snapshot describes the local materialization of a fetched model.
type Snapshot struct {
	// Dir is the snapshot directory holding all files.
	Dir string
	// Files are the snapshot-relative weight file paths in shard order.
	Files []string
	// Primary is the absolute path of the main weight file (the first
	// shard for sharded models).
	Primary string
	// MMProj is the absolute path of the multimodal projector, empty if
	// the model has none.
	MMProj string
}

// Fetcher downloads model artifacts into the local store with resume and
// retry support.
type Fetcher struct {
	client  *Client
	store   *Store
	log     logging.Logger
	offline bool

	// blobLocks serializes writes to the same blob so concurrent pulls of
	// overlapping models never interleave on one partial file.
	blobLocks sync.Map
}

// NewFetcher creates a fetcher. Offline mode is taken from the
// LEMONADE_OFFLINE environment variable.
func NewFetcher(client *Client, store *Store, log logging.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		store:   store,
		log:     log,
		offline: os.Getenv(OfflineEnv) != "",
	}
}

// Fetch ensures all files selected by the variant expression are present in
// the local cache and returns the resulting snapshot. Interrupted pulls
// keep their partial blobs so a later Fetch resumes where it stopped.
func (f *Fetcher) Fetch(ctx context.Context, repo, revision, variant string, onProgress ProgressFunc) (*Snapshot, error) {
	if revision == "" {
		revision = "main"
	}
	if f.offline {
		return f.fetchOffline(repo, revision, variant)
	}

	files, err := f.client.ListFiles(ctx, repo, revision)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files for %s", repo)
	}
	sel, err := SelectVariant(files, variant)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve variant for %s", repo)
	}

	toFetch := append([]RepoFile{}, sel.Files...)
	if sel.MMProj != nil {
		toFetch = append(toFetch, *sel.MMProj)
	}
	toFetch = append(toFetch, sel.Aux...)

	var totalBytes int64
	for _, file := range toFetch {
		totalBytes += file.ActualSize()
	}

	var totalDownloaded int64
	for i, file := range toFetch {
		if f.store.HasFile(repo, revision, file.Path, file.ActualSize()) {
			totalDownloaded += file.ActualSize()
			continue
		}
		n, err := f.downloadFile(ctx, repo, revision, file, fileTotals{
			index:      i,
			count:      len(toFetch),
			bytes:      totalBytes,
			downloaded: totalDownloaded,
		}, onProgress)
		if err != nil {
			return nil, err
		}
		totalDownloaded += n
	}

	return f.snapshot(repo, revision, sel)
}

// fetchOffline serves a fetch purely from the cache, selecting the variant
// against the files already present in the snapshot directory.
func (f *Fetcher) fetchOffline(repo, revision, variant string) (*Snapshot, error) {
	files, err := f.localFiles(repo, revision)
	if err != nil || len(files) == 0 {
		return nil, ErrOffline
	}
	sel, err := SelectVariant(files, variant)
	if err != nil {
		return nil, ErrOffline
	}
	return f.snapshot(repo, revision, sel)
}

// localFiles enumerates the snapshot directory as a repository listing.
func (f *Fetcher) localFiles(repo, revision string) ([]RepoFile, error) {
	root := f.store.SnapshotDir(repo, revision)
	var files []RepoFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		files = append(files, RepoFile{
			Type: "file",
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// snapshot verifies every selected file is materialized and builds the
// Snapshot result.
func (f *Fetcher) snapshot(repo, revision string, sel *Selection) (*Snapshot, error) {
	snap := &Snapshot{Dir: f.store.SnapshotDir(repo, revision)}
	for _, file := range sel.Files {
		p, err := f.store.SnapshotFilePath(repo, revision, file.Path)
		if err != nil {
			return nil, err
		}
		snap.Files = append(snap.Files, file.Path)
		if snap.Primary == "" {
			snap.Primary = p
		}
	}
	if sel.MMProj != nil {
		p, err := f.store.SnapshotFilePath(repo, revision, sel.MMProj.Path)
		if err == nil {
			snap.MMProj = p
		}
	}
	return snap, nil
}

// fileTotals carries pull-wide progress context for one file download.
type fileTotals struct {
	index      int
	count      int
	bytes      int64
	downloaded int64
}

// downloadFile pulls one file into the store, resuming any partial blob
// and retrying transient failures with exponential backoff. It returns the
// file's full size once committed.
func (f *Fetcher) downloadFile(ctx context.Context, repo, revision string, file RepoFile, totals fileTotals, onProgress ProgressFunc) (int64, error) {
	digest := file.Digest()
	var partial string
	if digest != "" {
		partial = f.store.IncompletePath(repo, digest)
	} else {
		partial = filepath.Join(f.store.RepoDir(repo), "blobs", uuid.NewString()+".incomplete")
	}
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return 0, errors.Wrap(err, "failed to create blobs directory")
	}

	lock, _ := f.blobLocks.LoadOrStore(partial, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	// Another pull may have finished this file while we waited.
	if f.store.HasFile(repo, revision, file.Path, file.ActualSize()) {
		return file.ActualSize(), nil
	}

	log := f.log.WithField("file", file.Path)
	size := file.ActualSize()

	attempt := func() error {
		return f.downloadToPartial(ctx, repo, revision, file, partial, totals, onProgress)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDownloadRetries), ctx)
	if err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.Warnf("download failed, retrying in %s: %v", wait, err)
	}); err != nil {
		// Keep the partial blob so the next pull resumes, unless the
		// server cannot resume at all.
		if errors.Is(err, errRangeNotSatisfied) {
			os.Remove(partial)
		}
		return 0, errors.Wrapf(err, "failed to download %s", file.Path)
	}

	if fi, err := os.Stat(partial); err == nil && size > 0 && fi.Size() != size {
		os.Remove(partial)
		return 0, errors.Errorf("downloaded %s has size %d, expected %d", file.Path, fi.Size(), size)
	}

	blobName := digest
	if blobName == "" {
		blobName = strings.TrimSuffix(filepath.Base(partial), ".incomplete")
	}
	if err := f.store.CommitBlob(partial, repo, revision, blobName, file.Path); err != nil {
		return 0, err
	}
	log.Infof("downloaded %s (%d bytes)", file.Path, size)
	return size, nil
}

// downloadToPartial performs one download attempt, appending to whatever
// the partial file already holds.
func (f *Fetcher) downloadToPartial(ctx context.Context, repo, revision string, file RepoFile, partial string, totals fileTotals, onProgress ProgressFunc) error {
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer out.Close()

	offset, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return backoff.Permanent(err)
	}
	size := file.ActualSize()
	if size > 0 && offset >= size {
		return nil
	}

	body, _, err := f.client.DownloadFile(ctx, repo, revision, file.Path, offset)
	if err != nil {
		if errors.Is(err, errRangeNotSatisfied) {
			// Restart from scratch on the next attempt.
			if truncErr := out.Truncate(0); truncErr != nil {
				return backoff.Permanent(truncErr)
			}
			return err
		}
		var authErr *AuthError
		var notFound *NotFoundError
		if errors.As(err, &authErr) || errors.As(err, &notFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer body.Close()

	reporter := &progressReporter{
		onProgress:      onProgress,
		file:            file.Path,
		fileIndex:       totals.index,
		totalFiles:      totals.count,
		fileTotal:       size,
		fileBytes:       offset,
		totalBytes:      totals.bytes,
		totalDownloaded: totals.downloaded + offset,
	}
	if _, err := io.Copy(out, io.TeeReader(contextReader{ctx, body}, reporter)); err != nil {
		if ctx.Err() != nil {
			// Cancellation keeps the partial file for a later resume.
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	reporter.flush()
	return nil
}

// contextReader aborts a blocking read when the context is cancelled
// between chunks.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// progressReporter throttles progress callbacks to at most one per
// progressInterval, plus a final flush.
type progressReporter struct {
	onProgress      ProgressFunc
	file            string
	fileIndex       int
	totalFiles      int
	fileTotal       int64
	fileBytes       int64
	totalBytes      int64
	totalDownloaded int64
	lastReport      time.Time
}

func (p *progressReporter) Write(b []byte) (int, error) {
	n := len(b)
	p.fileBytes += int64(n)
	p.totalDownloaded += int64(n)
	if p.onProgress != nil && time.Since(p.lastReport) >= progressInterval {
		p.emit()
	}
	return n, nil
}

func (p *progressReporter) flush() {
	if p.onProgress != nil {
		p.emit()
	}
}

func (p *progressReporter) emit() {
	p.lastReport = time.Now()
	p.onProgress(Progress{
		File:            p.file,
		FileIndex:       p.fileIndex,
		TotalFiles:      p.totalFiles,
		FileBytes:       p.fileBytes,
		FileTotal:       p.fileTotal,
		TotalBytes:      p.totalBytes,
		TotalDownloaded: p.totalDownloaded,
	})
}

// Delete removes every cached artifact of a repository.
func (f *Fetcher) Delete(repo string) error {
	return f.store.RemoveRepo(repo)
}

// IsCached reports whether the variant's files are all present locally.
func (f *Fetcher) IsCached(repo, revision, variant string) bool {
	files, err := f.localFiles(repo, revision)
	if err != nil || len(files) == 0 {
		return false
	}
	if _, err := SelectVariant(files, variant); err != nil {
		return false
	}
	return true
}

// CacheDir resolves the model cache root. LEMONADE_CACHE_DIR overrides the
// default of ~/.cache/lemonade.
func CacheDir() string {
	if dir := os.Getenv("LEMONADE_CACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "lemonade")
	}
	return filepath.Join(home, ".cache", "lemonade")
}

// ModelsDir returns the hub cache directory under the cache root.
func ModelsDir(cacheRoot string) string {
	return filepath.Join(cacheRoot, "models")
}

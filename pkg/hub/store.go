package hub

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store manages the on-disk model cache. The layout follows the
// huggingface_hub convention so caches are interchangeable with other
// tooling:
//
//	<root>/models--<org>--<name>/blobs/<digest>
//	<root>/models--<org>--<name>/snapshots/<revision>/<file path>
//
// Snapshot entries are symlinks into blobs where the platform allows it,
// with a full copy as fallback.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given cache directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// repoDirName converts "org/name" to the cache directory form
// "models--org--name".
func repoDirName(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

// RepoDir returns the cache directory for a repository.
func (s *Store) RepoDir(repo string) string {
	return filepath.Join(s.root, repoDirName(repo))
}

// SnapshotDir returns the snapshot directory for a repository revision.
func (s *Store) SnapshotDir(repo, revision string) string {
	if revision == "" {
		revision = "main"
	}
	return filepath.Join(s.RepoDir(repo), "snapshots", revision)
}

// BlobPath returns the blob location for a content digest.
func (s *Store) BlobPath(repo, digest string) string {
	return filepath.Join(s.RepoDir(repo), "blobs", digest)
}

// IncompletePath returns the partial-download location for a digest.
// Using a stable name keyed by digest lets interrupted pulls resume.
func (s *Store) IncompletePath(repo, digest string) string {
	return s.BlobPath(repo, digest) + ".incomplete"
}

// HasFile reports whether a snapshot file exists with the expected size.
// A size of zero or less skips the size check.
func (s *Store) HasFile(repo, revision, file string, size int64) bool {
	fi, err := os.Stat(filepath.Join(s.SnapshotDir(repo, revision), file))
	if err != nil || fi.IsDir() {
		return false
	}
	return size <= 0 || fi.Size() == size
}

// CommitBlob moves a fully downloaded temp file into the blob directory
// and links it into the snapshot tree.
func (s *Store) CommitBlob(tempPath, repo, revision, digest, file string) error {
	blobPath := s.BlobPath(repo, digest)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return fmt.Errorf("create blobs directory: %w", err)
	}
	if err := os.Rename(tempPath, blobPath); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}
	return s.linkSnapshot(blobPath, repo, revision, file)
}

// linkSnapshot places a snapshot entry pointing at a blob. Symlinks are
// preferred; on filesystems or platforms that refuse them the blob is
// copied instead.
func (s *Store) linkSnapshot(blobPath, repo, revision, file string) error {
	snapPath := filepath.Join(s.SnapshotDir(repo, revision), file)
	if err := os.MkdirAll(filepath.Dir(snapPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.Remove(snapPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	rel, err := filepath.Rel(filepath.Dir(snapPath), blobPath)
	if err != nil {
		rel = blobPath
	}
	if err := os.Symlink(rel, snapPath); err == nil {
		return nil
	}
	return copyFile(blobPath, snapPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// SnapshotFilePath returns the absolute path of a snapshot file, or an
// error if it is not present in the cache.
func (s *Store) SnapshotFilePath(repo, revision, file string) (string, error) {
	p := filepath.Join(s.SnapshotDir(repo, revision), file)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("file %s not cached for %s: %w", file, repo, err)
	}
	return p, nil
}

// HasRepo reports whether any snapshot of the repository exists locally.
func (s *Store) HasRepo(repo string) bool {
	fi, err := os.Stat(s.RepoDir(repo))
	return err == nil && fi.IsDir()
}

// RemoveRepo deletes a repository's entire cache directory, including all
// blobs and snapshots.
func (s *Store) RemoveRepo(repo string) error {
	dir := s.RepoDir(repo)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(dir)
}

// RepoSize returns the total bytes occupied by a repository's blobs.
func (s *Store) RepoSize(repo string) int64 {
	var total int64
	blobsDir := filepath.Join(s.RepoDir(repo), "blobs")
	entries, err := os.ReadDir(blobsDir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && !info.IsDir() {
			total += info.Size()
		}
	}
	return total
}

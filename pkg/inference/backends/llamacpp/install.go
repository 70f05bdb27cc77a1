package llamacpp

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
)

const (
	versionFileName = "version.txt"
	backendFileName = "backend.txt"

	// minArchiveSize guards against error pages saved as the archive.
	minArchiveSize = 1 << 20
)

// EnsureInstalled installs or upgrades the llama-server binary under the
// cache root. Installed version and flavor are recorded next to the
// binary; any mismatch triggers a clean reinstall.
func (b *Backend) EnsureInstalled(ctx context.Context, progress func(string)) error {
	flavor := b.cfg.flavor()
	dir := b.cfg.installDir()

	if b.installedVersionMatches(flavor) {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		b.log.Infof("upgrading llama-server to %s (%s)", flavor.Version(), flavor)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrap(err, "failed to remove stale llama-server install")
		}
	}

	url, filename, err := releaseURL(flavor)
	if err != nil {
		return err
	}
	if progress != nil {
		progress(fmt.Sprintf("Downloading llama-server %s (%s)", flavor.Version(), flavor))
	}
	b.log.Infof("downloading llama-server from %s", url)

	archivePath := filepath.Join(os.TempDir(), uuid.NewString()+"-"+filename)
	defer os.Remove(archivePath)
	if err := downloadArchive(ctx, url, archivePath); err != nil {
		return errors.Wrapf(err, "failed to download llama-server from %s", url)
	}

	if progress != nil {
		progress("Extracting llama-server")
	}
	if err := extractZip(archivePath, dir); err != nil {
		return errors.Wrap(err, "failed to extract llama-server archive")
	}

	if err := atomicwriter.WriteFile(filepath.Join(dir, versionFileName), []byte(flavor.Version()+"\n"), 0o644); err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(filepath.Join(dir, backendFileName), []byte(string(flavor)+"\n"), 0o644); err != nil {
		return err
	}
	b.log.Infof("installed llama-server %s (%s)", flavor.Version(), flavor)
	return nil
}

// installedVersionMatches checks the recorded install against the pinned
// release.
func (b *Backend) installedVersionMatches(flavor Flavor) bool {
	if _, err := os.Stat(b.cfg.exePath()); err != nil {
		return false
	}
	dir := b.cfg.installDir()
	version, err := os.ReadFile(filepath.Join(dir, versionFileName))
	if err != nil {
		return false
	}
	backend, err := os.ReadFile(filepath.Join(dir, backendFileName))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(version)) == flavor.Version() &&
		strings.TrimSpace(string(backend)) == string(flavor)
}

func downloadArchive(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	if n < minArchiveSize {
		os.Remove(dest)
		return fmt.Errorf("downloaded archive is suspiciously small (%d bytes)", n)
	}
	return nil
}

// extractZip unpacks an archive into dir, preserving file modes and
// refusing entries that escape the destination.
func extractZip(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range r.File {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	mode := f.Mode()
	if mode&0o111 == 0 && strings.Contains(filepath.Base(target), "llama") {
		mode |= 0o755
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

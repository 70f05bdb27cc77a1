// Package instance enforces the single running server guarantee through an
// advisory lock file.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LockFileName is the well known lock file name under the system temp
// directory. Clients locate a running server by reading it.
const LockFileName = "lemonade_Server.lock"

// ErrAlreadyRunning indicates that another server process holds the lock.
var ErrAlreadyRunning = errors.New("another server instance is already running")

// Info is the contents of the lock file: the PID of the server holding the
// lock and the port it serves on.
type Info struct {
	Pid  int
	Port int
}

// Lock is a held single-instance lock. It stays valid until Release is
// called or the owning process exits.
type Lock struct {
	path string
	file *os.File
}

// DefaultPath returns the lock file location under the system temp
// directory.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), LockFileName)
}

// Acquire takes the single-instance lock at path and records the caller's
// PID and serving port in it. It returns ErrAlreadyRunning if another live
// process holds the lock.
func Acquire(path string, port int) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, ErrAlreadyRunning
	}
	if err := f.Truncate(0); err != nil {
		releaseFlock(f)
		f.Close()
		return nil, errors.Wrap(err, "failed to truncate lock file")
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d %d\n", os.Getpid(), port)), 0); err != nil {
		releaseFlock(f)
		f.Close()
		return nil, errors.Wrap(err, "failed to write lock file")
	}
	if err := f.Sync(); err != nil {
		releaseFlock(f)
		f.Close()
		return nil, errors.Wrap(err, "failed to sync lock file")
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	releaseFlock(l.file)
	err := l.file.Close()
	l.file = nil
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}
	return err
}

// Read returns the PID and port recorded in the lock file at path. A
// missing or malformed file yields ok=false.
func Read(path string) (Info, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, false
	}
	var info Info
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d %d", &info.Pid, &info.Port); err != nil {
		return Info{}, false
	}
	if info.Pid <= 0 || info.Port <= 0 {
		return Info{}, false
	}
	return info, true
}

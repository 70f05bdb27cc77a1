package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"github.com/sirupsen/logrus"
)

// levelFileName is the file under the cache root that records the log level
// chosen via POST /api/v1/log-level so it survives restarts.
const levelFileName = "log_level"

// ParseLevel converts a CLI/API log level string to a logrus level. The
// accepted set is trace, debug, info, warn, error.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// PersistLevel records the log level under cacheDir so the next serve picks
// it up. Writes are atomic so a crash never leaves a torn file.
func PersistLevel(cacheDir, level string) error {
	if _, err := ParseLevel(level); err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(filepath.Join(cacheDir, levelFileName), []byte(level+"\n"), 0o644)
}

// PersistedLevel returns the previously persisted log level, or "" if none
// has been recorded.
func PersistedLevel(cacheDir string) string {
	data, err := os.ReadFile(filepath.Join(cacheDir, levelFileName))
	if err != nil {
		return ""
	}
	level := strings.TrimSpace(string(data))
	if _, err := ParseLevel(level); err != nil {
		return ""
	}
	return level
}

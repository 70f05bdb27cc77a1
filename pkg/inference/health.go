package inference

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

const (
	healthPollInterval = 500 * time.Millisecond

	// DefaultReadyTimeout bounds how long an engine may take to answer its
	// health endpoint after spawning. Large models take a while to map
	// into memory.
	DefaultReadyTimeout = 10 * time.Minute

	// CIModeEnv caps the readiness deadline so hung engines fail fast in
	// automated runs.
	CIModeEnv    = "LEMONADE_CI_MODE"
	ciReadyLimit = time.Minute
)

// ErrBackendExited indicates the engine process died before becoming
// ready.
var ErrBackendExited = errors.New("backend process exited before becoming ready")

// WaitForReady polls the engine's health URL until it answers 200, the
// timeout passes, or the process dies. The alive callback may be nil.
func WaitForReady(ctx context.Context, log logging.Logger, healthURL string, timeout time.Duration, alive func() bool) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if os.Getenv(CIModeEnv) != "" && timeout > ciReadyLimit {
		timeout = ciReadyLimit
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: healthPollInterval}
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		if alive != nil && !alive() {
			return ErrBackendExited
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			log.Debugf("health check at %s returned %d", healthURL, resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "backend at %s did not become ready within %s", healthURL, timeout)
		case <-ticker.C:
		}
	}
}

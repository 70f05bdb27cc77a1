package inference

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/process"
	"github.com/lemonade-sdk/lemonade/pkg/telemetry"
)

// SessionState tracks a backend session through its lifecycle.
type SessionState int32

const (
	// StateStarting means the engine process was spawned but is not yet
	// answering health checks.
	StateStarting SessionState = iota
	// StateReady means the engine answers health checks.
	StateReady
	// StateServing means at least one inference request is in flight.
	StateServing
	// StateStopping means a stop was requested.
	StateStopping
	// StateStopped means the engine exited on request.
	StateStopped
	// StateFailed means the engine exited unexpectedly or never became
	// ready.
	StateFailed
)

// String implements Stringer.String for SessionState.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one running backend engine serving one model. At most one
// session exists per gateway instance; the router owns it.
type Session struct {
	// BackendName is the recipe tag of the adapter that started this
	// session.
	BackendName string
	// ModelName is the registry name being served.
	ModelName string
	// Checkpoint is the resolved checkpoint identifier.
	Checkpoint string
	// VariantFile is the specific weight file loaded, when applicable.
	VariantFile string
	// Port is the engine's listening port on localhost.
	Port int
	// StartedAt is when the engine process was spawned.
	StartedAt time.Time
	// Handle is the supervised engine process. Nil for engines the
	// adapter does not own directly.
	Handle *process.Handle
	// StdoutTelemetry collects metrics the engine echoes on stdout
	// instead of in the HTTP response. Nil for engines that report
	// in-band.
	StdoutTelemetry *telemetry.StdoutCapture

	state atomic.Int32
}

// BaseURL returns the engine's local HTTP address.
func (s *Session) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port)
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// SetState moves the session to a new lifecycle state.
func (s *Session) SetState(state SessionState) {
	s.state.Store(int32(state))
}

// Crashed reports whether the engine exited without a stop being
// requested, either by its process dying or by an adapter marking the
// session failed.
func (s *Session) Crashed() bool {
	if s.State() == StateFailed {
		return true
	}
	if s.Handle == nil {
		return false
	}
	if s.Handle.Alive() {
		return false
	}
	state := s.State()
	return state != StateStopping && state != StateStopped
}

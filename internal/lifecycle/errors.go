package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the node id is unknown. Nothing was changed.
	ErrNotFound = errors.New("node not found")
	// ErrConflict means the request clashes with existing state, such as a
	// name already in use.
	ErrConflict = errors.New("node conflict")
	// ErrProvisioning means an overlay could not be created or recreated.
	ErrProvisioning = errors.New("overlay provisioning failed")
	// ErrResourceExhausted means the display port window is full. Run fails
	// before any side effect.
	ErrResourceExhausted = errors.New("no free display port")
	// ErrBroker means the session broker was unreachable or rejected a call.
	ErrBroker = errors.New("session broker failed")
	// ErrWorkloadStart means the workload process could not be launched.
	// The route created for it has been removed.
	ErrWorkloadStart = errors.New("workload failed to start")

	// ErrNotRunning is returned by Access on a stopped node.
	ErrNotRunning = fmt.Errorf("%w: node is not running", ErrConflict)
)

// resultOf labels err for metrics.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, ErrBroker):
		return "broker"
	case errors.Is(err, ErrWorkloadStart):
		return "workload_start"
	case errors.Is(err, ErrProvisioning):
		return "provisioning"
	default:
		return "error"
	}
}

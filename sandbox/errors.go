package sandbox

import "errors"

// Stable reason codes surfaced to callers of the pool.
var (
	// ErrAlreadyExists indicates the user already has an active sandbox.
	ErrAlreadyExists = errors.New("user already has an active sandbox")

	// ErrCapacityExceeded indicates the pool is full.
	ErrCapacityExceeded = errors.New("maximum number of sandboxes reached")

	// ErrNoActiveContainer indicates an operation requires a sandbox the
	// user does not have.
	ErrNoActiveContainer = errors.New("no active sandbox for user")

	// ErrImageProvisioning indicates the sandbox image pull or build failed.
	ErrImageProvisioning = errors.New("sandbox image provisioning failed")

	// ErrEngineUnavailable indicates the container engine control plane is
	// unreachable.
	ErrEngineUnavailable = errors.New("container engine unavailable")
)

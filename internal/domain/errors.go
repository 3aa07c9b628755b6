package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrShareNotFound means the requested share ID does not exist.
	ErrShareNotFound = errors.New("share not found")

	// ErrNoAvailablePort is returned when the configured share port range
	// has no port left that is not already assigned to a share.
	ErrNoAvailablePort = errors.New("no available ports in the share range")

	// ErrNoPortAvailable is returned when the proxy listener exhausted its
	// bind attempts.
	ErrNoPortAvailable = errors.New("no proxy port available")

	// ErrInvalidPath indicates the shared path is not an existing directory.
	ErrInvalidPath = errors.New("share path must be an existing directory")

	// ErrPrerequisiteMissing means the tunnel client binary or its
	// credentials are not installed.
	ErrPrerequisiteMissing = errors.New("tunnel prerequisite missing")

	// ErrStartupTimeout means the tunnel client never reported a registered
	// connection within the startup window.
	ErrStartupTimeout = errors.New("tunnel startup timeout")

	// ErrTunnelStarting is returned by a Start that overlaps another one
	// still waiting for readiness.
	ErrTunnelStarting = errors.New("tunnel is already starting")

	// ErrTunnelExited means the tunnel client exited before it became ready.
	ErrTunnelExited = errors.New("tunnel client exited")

	// ErrProxyForward wraps downstream connection failures while forwarding.
	ErrProxyForward = errors.New("proxy forward failed")

	// ErrPersistence wraps read, write and parse failures of the state file.
	ErrPersistence = errors.New("share registry persistence failed")
)

// ShareError wraps an underlying error with share context.
type ShareError struct {
	ShareID string
	Op      string
	Err     error
}

func (e *ShareError) Error() string {
	if e.ShareID != "" {
		return fmt.Sprintf("share %s: %s: %v", e.ShareID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ShareError) Unwrap() error {
	return e.Err
}

// ExitError reports a tunnel client that exited before becoming ready.
type ExitError struct {
	Code      int
	LastFatal string
}

func (e *ExitError) Error() string {
	if e.LastFatal != "" {
		return fmt.Sprintf("tunnel client exited with code %d: %s", e.Code, e.LastFatal)
	}
	return fmt.Sprintf("tunnel client exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrTunnelExited
}

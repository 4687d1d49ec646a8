// Package errs defines the error taxonomy of the fleet-access layer.
// Infrastructure failures are typed so callers can distinguish "retry
// will not help" (auth) from "host is flaky" (connection) from "the
// command itself failed" (a data result, not an infrastructure error).
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned when a caller-supplied timeout expires.
	// The channel or connection involved has been torn down; the remote
	// state is unknown, not cleanly rolled back.
	ErrTimedOut = errors.New("operation timed out")

	// ErrSessionGone is returned for any operation against a session
	// that has failed or been closed.
	ErrSessionGone = errors.New("session gone")

	// ErrConnectionLost is returned when the connection backing a
	// session was closed underneath it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCacheMiss is an explicit "no data" result, distinct from a
	// call failure.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotEmpty is returned by a non-recursive delete of a non-empty
	// remote directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrPoolClosed is returned by pool operations after shutdown.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrTransferCancelled marks a transfer settled by cooperative
	// cancellation. Any partial file is left in place.
	ErrTransferCancelled = errors.New("transfer cancelled")
)

// AuthError means the host rejected the supplied credential. It is
// never retried and is terminal for the host until credentials change.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError is a transient network failure. Retry with backoff
// happens inside the connection pool only; by the time a caller sees
// this, retries are exhausted and the host should be treated as
// offline.
type ConnectionError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed after %d attempts: %v", e.Host, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError records a remote command that ran and exited non-zero.
// It is a normal data result, carried alongside the captured output.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// TransferError records a partial or failed file transfer. Offset is
// the last confirmed byte, kept so callers can surface resumable-offset
// diagnostics. Transfers are not auto-resumed.
type TransferError struct {
	TransferID string
	Offset     int64
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s failed at byte %d: %v", e.TransferID, e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

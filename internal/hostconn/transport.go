// Package hostconn owns authenticated physical connections to remote
// hosts. Higher layers treat a connection as either usable now or
// failed; all retry and backoff policy lives here.
package hostconn

import (
	"context"
	"io"
	"os"

	"github.com/moorline/fleetgate/internal/models"
)

// Dialer opens an authenticated transport to a remote host. The real
// implementation dials SSH; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cred models.HostCredential) (Transport, error)
}

// Transport is one physical connection multiplexing logical channels.
type Transport interface {
	// NewExec opens a channel for sequential command execution.
	NewExec() (ExecChannel, error)

	// NewShell opens an interactive PTY channel.
	NewShell(cols, rows int) (ShellChannel, error)

	// NewFile opens a file operation channel.
	NewFile() (FileChannel, error)

	// Alive reports whether the connection still responds.
	Alive() bool

	Close() error
}

// ExecChannel runs commands one at a time, in submission order.
type ExecChannel interface {
	// Run executes command and blocks until it exits or ctx is done.
	// A non-zero exit is returned in the result with a nil error; a
	// non-nil error means the channel or connection failed.
	Run(ctx context.Context, command string) (models.CommandResult, error)

	Close() error
}

// ShellChannel is a full-duplex interactive shell over a PTY.
type ShellChannel interface {
	// Write sends raw input to the remote shell.
	Write(p []byte) (int, error)

	// Output streams remote output. The channel closes when the shell
	// or its connection terminates.
	Output() <-chan []byte

	// Resize forwards a terminal size change to the PTY.
	Resize(cols, rows int) error

	Close() error
}

// FileChannel exposes the remote filesystem operations transfers need.
type FileChannel interface {
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Mkdir(path string, mode os.FileMode) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Close() error
}

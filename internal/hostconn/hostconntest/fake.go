// Package hostconntest provides in-memory Dialer and Transport fakes so
// the layers above the pool can be tested without a real SSH server.
package hostconntest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/models"
)

// Handler produces the outcome of one remote command. Returning a
// non-nil error simulates a channel or connection failure.
type Handler func(ctx context.Context, command string) (models.CommandResult, error)

// Dialer is a scriptable hostconn.Dialer.
type Dialer struct {
	mu         sync.Mutex
	handler    Handler
	dialErrs   []error
	dials      int
	transports []*Transport

	// DialDelay makes every dial take this long, for timeout tests.
	DialDelay time.Duration

	// ExecOpenFailures makes the first N exec channel opens on each new
	// transport fail, for degraded-connection tests.
	ExecOpenFailures int
}

func NewDialer() *Dialer {
	return &Dialer{handler: DefaultHandler}
}

// SetHandler replaces the command handler for transports dialed later.
func (d *Dialer) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// FailNext queues errors returned by upcoming dials, in order. A nil
// entry means that dial succeeds.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, errs...)
}

// Dials reports how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Transports returns every transport handed out so far.
func (d *Dialer) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Transport, len(d.transports))
	copy(out, d.transports)
	return out
}

func (d *Dialer) Dial(ctx context.Context, cred models.HostCredential) (hostconn.Transport, error) {
	d.mu.Lock()
	d.dials++
	var err error
	if len(d.dialErrs) > 0 {
		err = d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
	}
	handler := d.handler
	delay := d.DialDelay
	execFailures := d.ExecOpenFailures
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	t := &Transport{
		HostID:           cred.HostID,
		handler:          handler,
		fs:               NewMemFS(),
		execOpenFailures: execFailures,
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// Transport is one fake physical connection.
type Transport struct {
	HostID int64

	mu               sync.Mutex
	handler          Handler
	closed           bool
	execOpenFailures int
	shells           []*ShellChannel
	fs               *MemFS
}

// FS exposes the transport's in-memory remote filesystem.
func (t *Transport) FS() *MemFS { return t.fs }

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Shells returns the shell channels opened on this transport.
func (t *Transport) Shells() []*ShellChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ShellChannel, len(t.shells))
	copy(out, t.shells)
	return out
}

func (t *Transport) NewExec() (hostconn.ExecChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if t.execOpenFailures > 0 {
		t.execOpenFailures--
		return nil, fmt.Errorf("channel open refused")
	}
	return &execChannel{t: t}, nil
}

func (t *Transport) NewShell(cols, rows int) (hostconn.ShellChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	sh := &ShellChannel{
		Cols: cols,
		Rows: rows,
		out:  make(chan []byte, 64),
	}
	t.shells = append(t.shells, sh)
	return sh, nil
}

func (t *Transport) NewFile() (hostconn.FileChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	return t.fs, nil
}

func (t *Transport) Alive() bool { return !t.Closed() }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type execChannel struct {
	t *Transport
}

func (c *execChannel) Run(ctx context.Context, command string) (models.CommandResult, error) {
	c.t.mu.Lock()
	closed := c.t.closed
	handler := c.t.handler
	c.t.mu.Unlock()
	if closed {
		return models.CommandResult{}, fmt.Errorf("transport closed")
	}
	return handler(ctx, command)
}

func (c *execChannel) Close() error { return nil }

// ShellChannel echoes writes back on its output stream.
type ShellChannel struct {
	Cols, Rows int

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

func (s *ShellChannel) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("shell closed")
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	s.out <- chunk
	return len(p), nil
}

func (s *ShellChannel) Output() <-chan []byte { return s.out }

func (s *ShellChannel) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cols, s.Rows = cols, rows
	return nil
}

func (s *ShellChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// DefaultHandler understands a small shell vocabulary: echo, true,
// false, sleep N, exit N. Anything else exits 0 with no output.
func DefaultHandler(ctx context.Context, command string) (models.CommandResult, error) {
	start := time.Now()
	res := models.CommandResult{Command: command, ExecutedAt: start}
	switch {
	case strings.HasPrefix(command, "echo "):
		res.Stdout = strings.TrimPrefix(command, "echo ") + "\n"
	case command == "false":
		res.ExitCode = 1
	case strings.HasPrefix(command, "exit "):
		res.ExitCode, _ = strconv.Atoi(strings.TrimPrefix(command, "exit "))
	case strings.HasPrefix(command, "sleep "):
		secs, _ := strconv.ParseFloat(strings.TrimPrefix(command, "sleep "), 64)
		select {
		case <-ctx.Done():
			return models.CommandResult{}, ctx.Err()
		case <-time.After(time.Duration(secs * float64(time.Second))):
		}
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	return res, nil
}

// ScriptHandler answers from a fixed command table; unknown commands
// exit 127. Map a command to an outcome with a non-nil Err to simulate
// a connection failure on that command.
func ScriptHandler(script map[string]Outcome) Handler {
	return func(ctx context.Context, command string) (models.CommandResult, error) {
		out, ok := script[command]
		if !ok {
			return models.CommandResult{
				Command:  command,
				ExitCode: 127,
				Stderr:   "command not found: " + command,
			}, nil
		}
		if out.Err != nil {
			return models.CommandResult{}, out.Err
		}
		return models.CommandResult{
			Command:  command,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}, nil
	}
}

// Outcome is one scripted command result.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// MemFS is an in-memory remote filesystem implementing
// hostconn.FileChannel.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	// ReadDelay throttles every read, for mid-stream cancellation tests.
	ReadDelay time.Duration
}

func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

// WriteFile seeds a remote file, creating parent directories.
func (m *MemFS) WriteFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), data...)
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		m.dirs[dir] = true
	}
}

// FileContent returns the current content of a remote file.
func (m *MemFS) FileContent(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *MemFS) Open(p string) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.files[p]
	m.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return &slowReader{r: bytes.NewReader(data), delay: m.ReadDelay}, nil
}

func (m *MemFS) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	m.files[p] = nil
	m.mu.Unlock()
	return &memWriter{fs: m, path: p}, nil
}

func (m *MemFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.files[p]; ok {
		return fileInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	if m.dirs[p] {
		return fileInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, os.ErrNotExist
}

func (m *MemFS) ReadDir(p string) ([]os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return nil, os.ErrNotExist
	}
	var infos []os.FileInfo
	for f, data := range m.files {
		if path.Dir(f) == p {
			infos = append(infos, fileInfo{name: path.Base(f), size: int64(len(data))})
		}
	}
	for d := range m.dirs {
		if d != p && path.Dir(d) == p {
			infos = append(infos, fileInfo{name: path.Base(d), dir: true})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (m *MemFS) Mkdir(p string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return os.ErrExist
	}
	m.dirs[p] = true
	return nil
}

func (m *MemFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(m.files, p)
	return nil
}

func (m *MemFS) RemoveDirectory(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return os.ErrNotExist
	}
	for f := range m.files {
		if strings.HasPrefix(f, p+"/") {
			return fmt.Errorf("directory not empty")
		}
	}
	for d := range m.dirs {
		if d != p && strings.HasPrefix(d, p+"/") {
			return fmt.Errorf("directory not empty")
		}
	}
	delete(m.dirs, p)
	return nil
}

func (m *MemFS) Close() error { return nil }

type memWriter struct {
	fs   *MemFS
	path string
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.path] = append(w.fs.files[w.path], p...)
	return len(p), nil
}

func (w *memWriter) Close() error { return nil }

type slowReader struct {
	r     *bytes.Reader
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.r.Read(p)
}

func (s *slowReader) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (f fileInfo) Name() string { return f.name }
func (f fileInfo) Size() int64  { return f.size }
func (f fileInfo) Mode() os.FileMode {
	if f.dir {
		return os.ModeDir | 0755
	}
	return 0644
}
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.dir }
func (f fileInfo) Sys() interface{}   { return nil }

// Package session layers logical command and shell sessions over pooled
// connections. A session wraps one channel plus its bounded command
// history and metrics; it is exclusively owned by its creator until
// closed, timed out, or lost with its connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/models"
)

// Config controls session limits.
type Config struct {
	HistorySize   int
	OutputBuffer  int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	DefaultCols   int
	DefaultRows   int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = 80
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = 24
	}
	return c
}

// Stats counts live sessions for operational visibility.
type Stats struct {
	Active int `json:"active"`
	Failed int `json:"failed"`
}

type session struct {
	id     string
	hostID int64
	kind   models.SessionKind
	conn   *hostconn.Conn
	exec   hostconn.ExecChannel
	shell  hostconn.ShellChannel
	out    chan []byte

	// opMu serializes network operations so batch ordering holds.
	opMu sync.Mutex

	historyMax int

	mu           sync.Mutex
	state        models.SessionState
	createdAt    time.Time
	lastActivity time.Time
	history      []models.CommandResult
	commandsRun  int64
	bytesIn      int64
	bytesOut     int64
	totalLatency int64
}

// Multiplexer manages logical sessions over the connection pool.
type Multiplexer struct {
	pool *hostconn.Pool
	cfg  Config

	mu       sync.RWMutex
	sessions map[string]*session
	started  bool
	stopped  bool

	stop chan struct{}
	done chan struct{}
}

func NewMultiplexer(pool *hostconn.Pool, cfg Config) *Multiplexer {
	return &Multiplexer{
		pool:     pool,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the idle-session sweep.
func (m *Multiplexer) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.sweepLoop()
}

// Stop closes every session.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stop)
	if started {
		<-m.done
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseSession(id)
	}
}

// CreateSession acquires a connection, opens a channel of the requested
// kind and returns the new session's ID.
func (m *Multiplexer) CreateSession(ctx context.Context, cred models.HostCredential, kind models.SessionKind) (string, error) {
	now := time.Now()
	s := &session{
		id:           uuid.NewString(),
		hostID:       cred.HostID,
		kind:         kind,
		state:        models.SessionCreated,
		createdAt:    now,
		lastActivity: now,
		historyMax:   m.cfg.HistorySize,
	}

	switch kind {
	case models.KindShell:
		conn, shell, err := m.pool.AcquireShell(ctx, cred, m.cfg.DefaultCols, m.cfg.DefaultRows)
		if err != nil {
			return "", err
		}
		s.conn = conn
		s.shell = shell
		s.out = make(chan []byte, m.cfg.OutputBuffer)
	case models.KindExec, models.KindBatch:
		conn, exec, err := m.pool.AcquireExec(ctx, cred)
		if err != nil {
			return "", err
		}
		s.conn = conn
		s.exec = exec
	default:
		return "", fmt.Errorf("unknown session kind %q", kind)
	}

	s.state = models.SessionActive

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if s.shell != nil {
		go m.pumpShell(s)
	}
	return s.id, nil
}

func (m *Multiplexer) get(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.ErrSessionGone
	}
	return s, nil
}

// ExecuteCommand runs one command to completion or destroys the channel
// and returns TimedOut on expiry. Timeouts are not auto-retried; the
// remote state is unknown afterwards.
func (m *Multiplexer) ExecuteCommand(ctx context.Context, id, command string, timeout time.Duration) (models.CommandResult, error) {
	s, err := m.get(id)
	if err != nil {
		return models.CommandResult{}, err
	}
	if s.exec == nil {
		return models.CommandResult{}, fmt.Errorf("session %s is interactive, use SendRaw", id)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := m.checkActive(s); err != nil {
		return models.CommandResult{}, err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := s.exec.Run(runCtx, command)
	if err != nil {
		m.failSession(s)
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("session %s: command timed out, tearing down channel", id)
			return models.CommandResult{}, errs.ErrTimedOut
		}
		log.Printf("session %s: command failed: %v", id, err)
		return models.CommandResult{}, errs.ErrConnectionLost
	}

	s.record(res)
	return res, nil
}

// ExecuteBatch runs commands strictly in submission order on the
// session's channel. A connection failure on command i stops the batch
// with no results beyond i; a non-zero exit is recorded and the batch
// continues.
func (m *Multiplexer) ExecuteBatch(ctx context.Context, id string, commands []string) ([]models.CommandResult, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.exec == nil {
		return nil, fmt.Errorf("session %s is interactive, use SendRaw", id)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := m.checkActive(s); err != nil {
		return nil, err
	}

	results := make([]models.CommandResult, 0, len(commands))
	for _, command := range commands {
		res, err := s.exec.Run(ctx, command)
		if err != nil {
			m.failSession(s)
			log.Printf("session %s: batch stopped after %d of %d commands: %v",
				id, len(results), len(commands), err)
			return results, errs.ErrConnectionLost
		}
		s.record(res)
		results = append(results, res)
	}
	return results, nil
}

// SendRaw forwards raw input to an interactive shell.
func (m *Multiplexer) SendRaw(id string, data []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if s.shell == nil {
		return fmt.Errorf("session %s is not interactive", id)
	}
	if err := m.checkActive(s); err != nil {
		return err
	}

	n, err := s.shell.Write(data)
	if err != nil {
		m.failSession(s)
		return errs.ErrConnectionLost
	}
	s.mu.Lock()
	s.bytesOut += int64(n)
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// Output returns the session's remote output stream. The channel closes
// when the session ends.
func (m *Multiplexer) Output(id string) (<-chan []byte, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.shell == nil {
		return nil, fmt.Errorf("session %s is not interactive", id)
	}
	return s.out, nil
}

// ResizeTerminal forwards a size change to the PTY of an interactive
// session and is a logged no-op otherwise.
func (m *Multiplexer) ResizeTerminal(id string, cols, rows int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if s.shell == nil {
		log.Printf("session %s: resize ignored, not interactive", id)
		return nil
	}
	return s.shell.Resize(cols, rows)
}

// CommandHistory returns a copy of the session's bounded command ring.
func (m *Multiplexer) CommandHistory(id string) ([]models.CommandResult, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CommandResult, len(s.history))
	copy(out, s.history)
	return out, nil
}

// Metrics returns the session's counters.
func (m *Multiplexer) Metrics(id string) (models.SessionMetrics, error) {
	s, err := m.get(id)
	if err != nil {
		return models.SessionMetrics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := models.SessionMetrics{
		CommandsRun: s.commandsRun,
		BytesIn:     s.bytesIn,
		BytesOut:    s.bytesOut,
	}
	if s.commandsRun > 0 {
		metrics.AvgLatencyMs = float64(s.totalLatency) / float64(s.commandsRun)
	}
	return metrics, nil
}

// Info returns the session's descriptive state.
func (m *Multiplexer) Info(id string) (models.SessionInfo, error) {
	s, err := m.get(id)
	if err != nil {
		return models.SessionInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:             s.id,
		HostID:         s.hostID,
		Kind:           s.kind,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
	}, nil
}

// CloseSession closes the session's channel and returns its connection
// to the pool. Closing an unknown or already-closed session is a no-op.
func (m *Multiplexer) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	prev := s.state
	s.state = models.SessionClosing
	s.mu.Unlock()

	if prev == models.SessionFailed {
		// Connection already discarded on failure.
		s.setState(models.SessionClosed)
		return nil
	}

	if s.shell != nil {
		s.shell.Close()
	}
	if s.exec != nil {
		s.exec.Close()
	}
	m.pool.Release(s.conn)
	s.setState(models.SessionClosed)
	return nil
}

// Stats counts sessions by state.
func (m *Multiplexer) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, s := range m.sessions {
		s.mu.Lock()
		switch s.state {
		case models.SessionActive:
			stats.Active++
		case models.SessionFailed:
			stats.Failed++
		}
		s.mu.Unlock()
	}
	return stats
}

func (s *session) setState(state models.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) record(res models.CommandResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, res)
	if len(s.history) > s.historyMax {
		s.history = s.history[len(s.history)-s.historyMax:]
	}
	s.commandsRun++
	s.totalLatency += res.LatencyMs
	s.bytesIn += int64(len(res.Stdout) + len(res.Stderr))
	s.bytesOut += int64(len(res.Command))
	s.lastActivity = time.Now()
}

// checkActive verifies the session can still carry operations. A
// terminal state wins over a lost connection: Failed sessions always
// answer SessionGone.
func (m *Multiplexer) checkActive(s *session) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != models.SessionActive {
		return errs.ErrSessionGone
	}
	select {
	case <-s.conn.Done():
		m.failSession(s)
		return errs.ErrConnectionLost
	default:
	}
	return nil
}

// failSession moves a session to its terminal Failed state and discards
// the connection backing it.
func (m *Multiplexer) failSession(s *session) {
	s.mu.Lock()
	if s.state == models.SessionClosed || s.state == models.SessionFailed {
		s.mu.Unlock()
		return
	}
	s.state = models.SessionFailed
	s.mu.Unlock()
	m.pool.Discard(s.conn)
}

func (m *Multiplexer) pumpShell(s *session) {
	defer close(s.out)
	for {
		select {
		case chunk, ok := <-s.shell.Output():
			if !ok {
				m.shellEnded(s)
				return
			}
			s.mu.Lock()
			s.bytesIn += int64(len(chunk))
			s.lastActivity = time.Now()
			s.mu.Unlock()
			select {
			case s.out <- chunk:
			case <-s.conn.Done():
				m.shellEnded(s)
				return
			}
		case <-s.conn.Done():
			m.shellEnded(s)
			return
		}
	}
}

// shellEnded marks a still-active shell session Failed; a deliberate
// close has already moved the state past Active.
func (m *Multiplexer) shellEnded(s *session) {
	s.mu.Lock()
	active := s.state == models.SessionActive
	s.mu.Unlock()
	if active {
		log.Printf("session %s: shell connection lost", s.id)
		m.failSession(s)
	}
}

func (m *Multiplexer) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.closeIdle()
		}
	}
}

func (m *Multiplexer) closeIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range idle {
		log.Printf("closing idle session %s", id)
		m.CloseSession(id)
	}
}

package hostconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/models"
)

// Config controls pool sizing and retry policy.
type Config struct {
	MaxConnsPerHost    int
	MaxChannelsPerConn int
	DialTimeout        time.Duration
	IdleTimeout        time.Duration
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	SweepInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 2
	}
	if c.MaxChannelsPerConn <= 0 {
		c.MaxChannelsPerConn = 8
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 4 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Conn is one pooled physical connection. It multiplexes up to
// MaxChannelsPerConn logical channels.
type Conn struct {
	hostID    int64
	transport Transport
	openedAt  time.Time

	// guarded by the owning bucket's mutex
	state    models.ConnState
	channels int
	lastUsed time.Time

	lost     chan struct{}
	lostOnce sync.Once
}

// HostID returns the host this connection belongs to.
func (c *Conn) HostID() int64 { return c.hostID }

// Done is closed when the connection is force-closed underneath its
// holders; sessions observe it as ConnectionLost.
func (c *Conn) Done() <-chan struct{} { return c.lost }

func (c *Conn) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

type hostBucket struct {
	mu      sync.Mutex
	cond    *sync.Cond
	conns   []*Conn
	dialing int

	// gen advances on Invalidate so a dial that was already in flight
	// cannot re-insert a connection built on stale credentials.
	gen uint64
}

// Pool owns authenticated physical connections per host. Per-host
// buckets carry their own locks so unrelated hosts never contend.
type Pool struct {
	cfg    Config
	dialer Dialer

	mu      sync.Mutex
	hosts   map[int64]*hostBucket
	closed  bool
	started bool

	stop chan struct{}
	done chan struct{}
}

func NewPool(dialer Dialer, cfg Config) *Pool {
	return &Pool{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		hosts:  make(map[int64]*hostBucket),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the idle-eviction sweep.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.sweepLoop()
}

// Stop closes every connection and unblocks waiting acquirers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	buckets := make([]*hostBucket, 0, len(p.hosts))
	for _, b := range p.hosts {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	close(p.stop)
	if started {
		<-p.done
	}

	for _, b := range buckets {
		b.mu.Lock()
		conns := b.conns
		b.conns = nil
		for _, c := range conns {
			c.state = models.ConnClosed
		}
		b.cond.Broadcast()
		b.mu.Unlock()
		for _, c := range conns {
			c.markLost()
			c.transport.Close()
		}
	}
}

func (p *Pool) bucket(hostID int64) *hostBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.hosts[hostID]
	if !ok {
		b = &hostBucket{}
		b.cond = sync.NewCond(&b.mu)
		p.hosts[hostID] = b
	}
	return b
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquire returns a connection to the credential's host with spare
// channel capacity, reusing an existing one where possible and dialing
// under the per-host cap otherwise. When the host is saturated the
// call blocks until a slot frees or ctx expires.
func (p *Pool) Acquire(ctx context.Context, cred models.HostCredential) (*Conn, error) {
	b := p.bucket(cred.HostID)

	b.mu.Lock()
	for {
		if p.isClosed() {
			b.mu.Unlock()
			return nil, errs.ErrPoolClosed
		}

		if c := pickReusable(b.conns, p.cfg.MaxChannelsPerConn); c != nil {
			c.channels++
			c.state = models.ConnBusy
			c.lastUsed = time.Now()
			b.mu.Unlock()
			return c, nil
		}

		if len(b.conns)+b.dialing < p.cfg.MaxConnsPerHost {
			gen := b.gen
			b.dialing++
			b.mu.Unlock()

			transport, err := p.dialWithRetry(ctx, cred)

			b.mu.Lock()
			b.dialing--
			b.cond.Broadcast()
			if err != nil {
				b.mu.Unlock()
				return nil, err
			}
			if b.gen != gen {
				b.mu.Unlock()
				transport.Close()
				log.Printf("discarding connection to host %d dialed before invalidation", cred.HostID)
				b.mu.Lock()
				continue
			}
			now := time.Now()
			c := &Conn{
				hostID:    cred.HostID,
				transport: transport,
				openedAt:  now,
				lastUsed:  now,
				state:     models.ConnBusy,
				channels:  1,
				lost:      make(chan struct{}),
			}
			b.conns = append(b.conns, c)
			b.mu.Unlock()
			return c, nil
		}

		stop := context.AfterFunc(ctx, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		stop()
		if ctx.Err() != nil {
			b.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func pickReusable(conns []*Conn, channelCap int) *Conn {
	for _, c := range conns {
		if (c.state == models.ConnIdle || c.state == models.ConnBusy) && c.channels < channelCap {
			return c
		}
	}
	return nil
}

// dialWithRetry applies the pool's backoff policy for transient network
// errors. Authentication failures surface immediately.
func (p *Pool) dialWithRetry(ctx context.Context, cred models.HostCredential) (Transport, error) {
	delay := p.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		transport, err := p.dialer.Dial(dialCtx, cred)
		cancel()
		if err == nil {
			return transport, nil
		}

		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		lastErr = err
		if attempt == p.cfg.RetryAttempts {
			break
		}

		log.Printf("dial host %d (%s) attempt %d/%d failed: %v",
			cred.HostID, cred.Addr(), attempt, p.cfg.RetryAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.cfg.RetryMaxDelay {
			delay = p.cfg.RetryMaxDelay
		}
	}
	return nil, &errs.ConnectionError{Host: cred.Addr(), Attempts: p.cfg.RetryAttempts, Err: lastErr}
}

// Release returns one channel slot. The connection becomes Idle once
// its last channel is released.
func (p *Pool) Release(c *Conn) {
	b := p.bucket(c.hostID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.state == models.ConnClosed {
		return
	}
	if c.channels > 0 {
		c.channels--
	}
	c.lastUsed = time.Now()
	if c.channels == 0 {
		c.state = models.ConnIdle
	}
	b.cond.Broadcast()
}

// Discard removes a connection from the live set and closes it. Used
// when a channel or the connection itself failed.
func (p *Pool) Discard(c *Conn) {
	b := p.bucket(c.hostID)
	b.mu.Lock()
	if c.state == models.ConnClosed {
		b.mu.Unlock()
		return
	}
	c.state = models.ConnClosed
	c.channels = 0
	b.conns = removeConn(b.conns, c)
	b.cond.Broadcast()
	b.mu.Unlock()

	c.markLost()
	c.transport.Close()
}

func removeConn(conns []*Conn, target *Conn) []*Conn {
	for i, c := range conns {
		if c == target {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// Invalidate force-closes every connection to a host, used on
// credential rotation or a failed health check. Sessions holding those
// connections observe ConnectionLost.
func (p *Pool) Invalidate(hostID int64) {
	b := p.bucket(hostID)
	b.mu.Lock()
	b.gen++
	conns := b.conns
	b.conns = nil
	for _, c := range conns {
		c.state = models.ConnClosed
		c.channels = 0
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, c := range conns {
		c.markLost()
		c.transport.Close()
	}
	if len(conns) > 0 {
		log.Printf("invalidated %d connection(s) to host %d", len(conns), hostID)
	}
}

// Stats reports per-host connection counts.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	buckets := make(map[int64]*hostBucket, len(p.hosts))
	for id, b := range p.hosts {
		buckets[id] = b
	}
	p.mu.Unlock()

	stats := models.PoolStats{PerHost: make(map[int64]models.PoolHostStats, len(buckets))}
	for id, b := range buckets {
		b.mu.Lock()
		var s models.PoolHostStats
		for _, c := range b.conns {
			s.Open++
			switch c.state {
			case models.ConnIdle:
				s.Idle++
			case models.ConnBusy:
				s.Busy++
			}
		}
		b.mu.Unlock()
		if s.Open > 0 {
			stats.PerHost[id] = s
		}
	}
	return stats
}

func (p *Pool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	buckets := make([]*hostBucket, 0, len(p.hosts))
	for _, b := range p.hosts {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for _, b := range buckets {
		var evicted, idle []*Conn
		b.mu.Lock()
		kept := b.conns[:0]
		for _, c := range b.conns {
			if c.state == models.ConnIdle && c.channels == 0 && c.lastUsed.Before(cutoff) {
				c.state = models.ConnClosed
				evicted = append(evicted, c)
				continue
			}
			if c.state == models.ConnIdle && c.channels == 0 {
				idle = append(idle, c)
			}
			kept = append(kept, c)
		}
		b.conns = kept
		b.mu.Unlock()

		for _, c := range evicted {
			c.markLost()
			c.transport.Close()
			log.Printf("evicted idle connection to host %d", c.hostID)
		}

		// Idle connections that survived the timeout still get a health
		// check; the remote end may have dropped them without notice.
		for _, c := range idle {
			if !c.transport.Alive() {
				log.Printf("discarding dead idle connection to host %d", c.hostID)
				p.Discard(c)
			}
		}
	}
}

// AcquireExec acquires a connection and opens an exec channel on it. A
// channel-open failure on a reused connection marks it Degraded and is
// retried once on a fresh acquire.
func (p *Pool) AcquireExec(ctx context.Context, cred models.HostCredential) (*Conn, ExecChannel, error) {
	return acquireChannel(p, ctx, cred, func(t Transport) (ExecChannel, error) {
		return t.NewExec()
	})
}

// AcquireShell acquires a connection and opens a PTY shell channel.
func (p *Pool) AcquireShell(ctx context.Context, cred models.HostCredential, cols, rows int) (*Conn, ShellChannel, error) {
	return acquireChannel(p, ctx, cred, func(t Transport) (ShellChannel, error) {
		return t.NewShell(cols, rows)
	})
}

// AcquireFile acquires a connection and opens a file channel.
func (p *Pool) AcquireFile(ctx context.Context, cred models.HostCredential) (*Conn, FileChannel, error) {
	return acquireChannel(p, ctx, cred, func(t Transport) (FileChannel, error) {
		return t.NewFile()
	})
}

func acquireChannel[T any](p *Pool, ctx context.Context, cred models.HostCredential, open func(Transport) (T, error)) (*Conn, T, error) {
	var zero T
	conn, err := p.Acquire(ctx, cred)
	if err != nil {
		return nil, zero, err
	}
	ch, err := open(conn.transport)
	if err == nil {
		return conn, ch, nil
	}

	log.Printf("channel open on pooled connection to host %d failed, retrying fresh: %v", cred.HostID, err)
	p.degrade(conn)

	conn, err2 := p.Acquire(ctx, cred)
	if err2 != nil {
		return nil, zero, err2
	}
	ch, err2 = open(conn.transport)
	if err2 != nil {
		p.degrade(conn)
		return nil, zero, fmt.Errorf("open channel on host %d: %w", cred.HostID, err2)
	}
	return conn, ch, nil
}

func (p *Pool) degrade(c *Conn) {
	b := p.bucket(c.hostID)
	b.mu.Lock()
	if c.state != models.ConnClosed {
		c.state = models.ConnDegraded
	}
	b.mu.Unlock()
	p.Discard(c)
}

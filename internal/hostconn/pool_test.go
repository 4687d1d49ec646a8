package hostconn_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/hostconn/hostconntest"
	"github.com/moorline/fleetgate/internal/models"
)

func testCred(hostID int64) models.HostCredential {
	return models.HostCredential{
		HostID:   hostID,
		Address:  fmt.Sprintf("10.0.0.%d", hostID),
		Port:     22,
		Username: "deploy",
		Method:   models.AuthPassword,
		Secret:   "secret",
	}
}

func fastConfig() hostconn.Config {
	return hostconn.Config{
		MaxConnsPerHost:    2,
		MaxChannelsPerConn: 8,
		DialTimeout:        time.Second,
		RetryAttempts:      3,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
	}
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	pool.Release(conn)

	conn2, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Failed to acquire again: %v", err)
	}
	pool.Release(conn2)

	if dials := dialer.Dials(); dials != 1 {
		t.Errorf("Expected 1 dial, got %d", dials)
	}
}

func TestPerHostConnectionCap(t *testing.T) {
	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Acquire(context.Background(), testCred(1))
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer pool.Release(conn)
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	if dials := dialer.Dials(); dials > 2 {
		t.Errorf("Expected at most 2 physical connections, got %d dials", dials)
	}
}

func TestAcquireBlocksWhenSaturated(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConnsPerHost = 1
	cfg.MaxChannelsPerConn = 2

	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, cfg)
	defer pool.Stop()

	c1, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	c2, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}

	acquired := make(chan *hostconn.Conn, 1)
	go func() {
		c3, err := pool.Acquire(context.Background(), testCred(1))
		if err != nil {
			t.Errorf("Third acquire failed: %v", err)
			return
		}
		acquired <- c3
	}()

	select {
	case <-acquired:
		t.Fatal("Third acquire should block while host is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(c1)

	select {
	case c3 := <-acquired:
		pool.Release(c3)
	case <-time.After(time.Second):
		t.Fatal("Third acquire did not complete after a slot freed")
	}

	pool.Release(c2)
	if dials := dialer.Dials(); dials != 1 {
		t.Errorf("Expected 1 dial, got %d", dials)
	}
}

func TestAcquireContextExpiryWhileBlocked(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConnsPerHost = 1
	cfg.MaxChannelsPerConn = 1

	pool := hostconn.NewPool(hostconntest.NewDialer(), cfg)
	defer pool.Stop()

	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer pool.Release(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx, testCred(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	dialer := hostconntest.NewDialer()
	dialer.FailNext(&errs.AuthError{Host: "10.0.0.1:22", Err: errors.New("unable to authenticate")})

	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	_, err := pool.Acquire(context.Background(), testCred(1))
	var authErr *errs.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
	if dials := dialer.Dials(); dials != 1 {
		t.Errorf("Auth failure must not be retried, got %d dials", dials)
	}
}

func TestTransientErrorRetried(t *testing.T) {
	dialer := hostconntest.NewDialer()
	dialer.FailNext(errors.New("connection refused"), errors.New("connection refused"), nil)

	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Expected third attempt to succeed, got %v", err)
	}
	pool.Release(conn)

	if dials := dialer.Dials(); dials != 3 {
		t.Errorf("Expected 3 dials, got %d", dials)
	}
}

func TestRetryExhaustion(t *testing.T) {
	dialer := hostconntest.NewDialer()
	dialer.FailNext(
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	)

	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	_, err := pool.Acquire(context.Background(), testCred(1))
	var connErr *errs.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if connErr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", connErr.Attempts)
	}
}

func TestInvalidateClosesConnections(t *testing.T) {
	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	pool.Invalidate(1)

	select {
	case <-conn.Done():
	default:
		t.Error("Expected Done to fire after invalidate")
	}
	if !dialer.Transports()[0].Closed() {
		t.Error("Expected underlying transport to be closed")
	}

	// Next acquire must dial fresh.
	conn2, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire after invalidate failed: %v", err)
	}
	pool.Release(conn2)
	if dials := dialer.Dials(); dials != 2 {
		t.Errorf("Expected fresh dial after invalidate, got %d dials", dials)
	}
}

func TestInvalidateDuringDialDiscardsStaleConnection(t *testing.T) {
	dialer := hostconntest.NewDialer()
	dialer.DialDelay = 50 * time.Millisecond

	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	type result struct {
		conn *hostconn.Conn
		err  error
	}
	acquired := make(chan result, 1)
	go func() {
		conn, err := pool.Acquire(context.Background(), testCred(1))
		acquired <- result{conn, err}
	}()

	// Rotate credentials while the dial is still in flight. The
	// connection that dial produces was authenticated with the old
	// secret and must not enter the pool.
	time.Sleep(20 * time.Millisecond)
	pool.Invalidate(1)

	res := <-acquired
	if res.err != nil {
		t.Fatalf("Acquire failed: %v", res.err)
	}
	pool.Release(res.conn)

	if dials := dialer.Dials(); dials != 2 {
		t.Fatalf("Expected the stale dial to be redone, got %d dials", dials)
	}
	transports := dialer.Transports()
	if !transports[0].Closed() {
		t.Error("Expected the pre-invalidation transport to be closed")
	}
	if transports[1].Closed() {
		t.Error("Expected the fresh transport to stay open")
	}
}

func TestSweepDiscardsDeadIdleConnection(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = time.Minute
	cfg.SweepInterval = 10 * time.Millisecond

	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, cfg)
	pool.Start()
	defer pool.Stop()

	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(conn)

	// The remote end drops the idle connection without the pool
	// noticing; the sweep's health check has to find the corpse.
	dialer.Transports()[0].Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected the sweep to discard the dead idle connection")
	}

	conn2, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire after discard failed: %v", err)
	}
	pool.Release(conn2)
	if dials := dialer.Dials(); dials != 2 {
		t.Errorf("Expected a fresh dial, got %d", dials)
	}
}

func TestIdleEviction(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond

	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, cfg)
	pool.Start()
	defer pool.Stop()

	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(conn)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if dialer.Transports()[0].Closed() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !dialer.Transports()[0].Closed() {
		t.Fatal("Expected idle connection to be evicted")
	}

	stats := pool.Stats()
	if s, ok := stats.PerHost[1]; ok && s.Open != 0 {
		t.Errorf("Expected no open connections after eviction, got %+v", s)
	}
}

func TestDegradedChannelOpenRetriesFresh(t *testing.T) {
	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, fastConfig())
	defer pool.Stop()

	// Seed an idle connection whose next channel open will fail.
	dialer.ExecOpenFailures = 1
	conn, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(conn)
	dialer.ExecOpenFailures = 0

	conn2, exec, err := pool.AcquireExec(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Expected fresh-connection retry to succeed, got %v", err)
	}
	defer pool.Release(conn2)
	defer exec.Close()

	if dials := dialer.Dials(); dials != 2 {
		t.Errorf("Expected 2 dials (degraded + fresh), got %d", dials)
	}
	if !dialer.Transports()[0].Closed() {
		t.Error("Expected degraded transport to be closed")
	}
}

func TestStats(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxChannelsPerConn = 1

	dialer := hostconntest.NewDialer()
	pool := hostconn.NewPool(dialer, cfg)
	defer pool.Stop()

	busy, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	idle, err := pool.Acquire(context.Background(), testCred(1))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(idle)
	_ = busy

	stats := pool.Stats()
	s := stats.PerHost[1]
	if s.Open != 2 || s.Busy != 1 || s.Idle != 1 {
		t.Errorf("Expected open=2 busy=1 idle=1, got %+v", s)
	}
}

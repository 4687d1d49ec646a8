package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moorline/fleetgate/internal/discovery"
	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/history"
	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/hostconn/hostconntest"
	"github.com/moorline/fleetgate/internal/models"
	"github.com/moorline/fleetgate/internal/monitor"
	"github.com/moorline/fleetgate/internal/session"
	"github.com/moorline/fleetgate/internal/statecache"
	"github.com/moorline/fleetgate/internal/transfer"
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

func batteryScript() map[string]hostconntest.Outcome {
	return map[string]hostconntest.Outcome{
		"echo ok":            {Stdout: "ok\n"},
		"cat /proc/loadavg":  {Stdout: "0.40 0.30 0.20 1/100 4242\n"},
		"nproc":              {Stdout: "4\n"},
		"cat /proc/meminfo":  {Stdout: "MemTotal: 8000 kB\nMemAvailable: 4000 kB\n"},
		"df -P /":            {Stdout: "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 1000 500 500 50% /\n"},
		`docker ps -a --format '{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}|{{.Status}}'`: {
			Stdout: "abc123|web|nginx:1.25|running|Up 4 hours\n",
		},
	}
}

type stack struct {
	dialer    *hostconntest.Dialer
	pool      *hostconn.Pool
	mux       *session.Multiplexer
	cache     *statecache.Cache
	store     *history.Store
	transfers *transfer.Manager
	collector *monitor.Collector
}

func setupStack(t *testing.T, source monitor.HostSource) *stack {
	t.Helper()

	dialer := hostconntest.NewDialer()
	dialer.SetHandler(hostconntest.ScriptHandler(batteryScript()))

	pool := hostconn.NewPool(dialer, hostconn.Config{DialTimeout: time.Second})
	mux := session.NewMultiplexer(pool, session.Config{})
	cache := statecache.New(statecache.Config{})

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open history store: %v", err)
	}

	transfers := transfer.NewManager(pool, store, transfer.Config{})
	collector := monitor.NewCollector(mux, cache, store, source, monitor.Config{})

	t.Cleanup(func() {
		collector.Stop()
		transfers.Stop()
		mux.Stop()
		pool.Stop()
		store.Close()
	})

	return &stack{
		dialer:    dialer,
		pool:      pool,
		mux:       mux,
		cache:     cache,
		store:     store,
		transfers: transfers,
		collector: collector,
	}
}

func TestFullStackSweepSessionAndTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	source := monitor.StaticSource{testCred(1), testCred(2)}
	s := setupStack(t, source)
	ctx := context.Background()

	// A forced sweep brings the whole fleet into the cache and the
	// history store.
	s.collector.RefreshAll(ctx, true)

	for _, hostID := range []int64{1, 2} {
		status, err := s.cache.GetServerStatus(hostID)
		if err != nil || !status.Online {
			t.Fatalf("Host %d: expected cached online status, got %+v, %v", hostID, status, err)
		}
		record, err := s.store.Host(hostID)
		if err != nil || !record.Online {
			t.Fatalf("Host %d: expected online history record, got %v", hostID, err)
		}
		samples, err := s.store.Samples(hostID, 10)
		if err != nil || len(samples) == 0 {
			t.Fatalf("Host %d: expected persisted samples, got %v", hostID, err)
		}
	}

	// Interactive work rides the same pool the sweep used.
	sid, err := s.mux.CreateSession(ctx, testCred(1), models.KindExec)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	res, err := s.mux.ExecuteCommand(ctx, sid, "echo ok", time.Second)
	if err != nil {
		t.Fatalf("Failed to execute command: %v", err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("Unexpected output: %q", res.Stdout)
	}
	if err := s.mux.CloseSession(sid); err != nil {
		t.Fatalf("Failed to close session: %v", err)
	}

	// Upload over the pool, then read the content back off the fake
	// remote filesystem.
	content := bytes.Repeat([]byte("deploy"), 5000)
	local := filepath.Join(t.TempDir(), "bundle.tar")
	if err := os.WriteFile(local, content, 0644); err != nil {
		t.Fatalf("Failed to write local file: %v", err)
	}

	id, err := s.transfers.Upload(ctx, testCred(1), local, "/srv/bundle.tar")
	if err != nil {
		t.Fatalf("Failed to start upload: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	var tr models.Transfer
	for {
		tr, err = s.transfers.Progress(id)
		if err != nil {
			t.Fatalf("Failed to poll transfer: %v", err)
		}
		if tr.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Transfer did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tr.State != models.TransferDone {
		t.Fatalf("Expected done, got %s (%s)", tr.State, tr.Error)
	}

	var uploaded []byte
	for _, transport := range s.dialer.Transports() {
		if data, ok := transport.FS().FileContent("/srv/bundle.tar"); ok {
			uploaded = data
			break
		}
	}
	if !bytes.Equal(uploaded, content) {
		t.Error("Uploaded content does not match the local file")
	}

	archived, err := s.store.Transfers(1, 10)
	if err != nil || len(archived) != 1 {
		t.Fatalf("Expected 1 archived transfer, got %d, %v", len(archived), err)
	}

	// Losing the host mid-session surfaces as a connection-lost failure
	// and the session becomes unusable.
	sid2, err := s.mux.CreateSession(ctx, testCred(2), models.KindExec)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	s.pool.Invalidate(2)
	if _, err := s.mux.ExecuteCommand(ctx, sid2, "echo ok", time.Second); !errors.Is(err, errs.ErrConnectionLost) {
		t.Errorf("Expected ErrConnectionLost, got %v", err)
	}
	if _, err := s.mux.ExecuteCommand(ctx, sid2, "echo ok", time.Second); !errors.Is(err, errs.ErrSessionGone) {
		t.Errorf("Expected ErrSessionGone after failure, got %v", err)
	}
}

func TestDiscoveryFeedsCollector(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	consulServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/fleetgate-host" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		response := []map[string]interface{}{
			{
				"Node": map[string]interface{}{
					"Address": "10.0.0.5",
				},
				"Service": map[string]interface{}{
					"ID":      "fleetgate-host-5",
					"Address": "10.0.0.5",
					"Port":    22,
					"Meta":    map[string]string{"host_id": "5"},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer consulServer.Close()

	template := models.HostCredential{Username: "deploy", Method: models.AuthPassword, Secret: "secret"}
	sd, err := discovery.NewServiceDiscovery(consulServer.URL[7:], template)
	if err != nil {
		t.Fatalf("Failed to create service discovery: %v", err)
	}

	registry := discovery.NewRegistry(nil)
	s := setupStack(t, registry)

	select {
	case hosts := <-sd.WatchHosts():
		registry.SetDiscovered(hosts)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for discovery")
	}

	s.collector.RefreshAll(context.Background(), true)

	status, err := s.cache.GetServerStatus(5)
	if err != nil {
		t.Fatalf("Expected discovered host in cache, got %v", err)
	}
	if !status.Online {
		t.Error("Expected discovered host to be online")
	}
	record, err := s.store.Host(5)
	if err != nil {
		t.Fatalf("Expected discovered host in history, got %v", err)
	}
	if record.Address != "10.0.0.5:22" {
		t.Errorf("Unexpected recorded address: %s", record.Address)
	}
}

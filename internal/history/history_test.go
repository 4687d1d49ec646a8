package history

import (
	"testing"
	"time"

	"github.com/moorline/fleetgate/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen(t *testing.T) {
	store := setupTestStore(t)
	if store.conn == nil {
		t.Fatal("Store connection is nil")
	}
}

func TestUpsertHost(t *testing.T) {
	store := setupTestStore(t)

	now := time.Now()
	if err := store.UpsertHost(1, "10.0.0.1:22", true, now); err != nil {
		t.Fatalf("Failed to insert host: %v", err)
	}
	if err := store.UpsertHost(1, "10.0.0.9:22", false, now); err != nil {
		t.Fatalf("Failed to update host: %v", err)
	}

	host, err := store.Host(1)
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}
	if host.Address != "10.0.0.9:22" {
		t.Errorf("Expected updated address, got %s", host.Address)
	}
	if host.Online {
		t.Error("Expected host to be offline after upsert")
	}

	hosts, err := store.Hosts()
	if err != nil {
		t.Fatalf("Failed to list hosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Errorf("Expected 1 host after upsert, got %d", len(hosts))
	}
}

func TestInsertAndQuerySamples(t *testing.T) {
	store := setupTestStore(t)

	if err := store.UpsertHost(1, "10.0.0.1:22", true, time.Now()); err != nil {
		t.Fatalf("Failed to insert host: %v", err)
	}

	for i := 0; i < 3; i++ {
		sample := &models.MonitoringSample{
			HostID:            1,
			LatencyMs:         float64(10 + i),
			CPUPercent:        45.5,
			RAMPercent:        61.2,
			DiskPercent:       72.0,
			ContainersRunning: 4,
			ContainersTotal:   6,
			Timestamp:         time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.InsertSample(sample); err != nil {
			t.Fatalf("Failed to insert sample %d: %v", i, err)
		}
	}

	samples, err := store.Samples(1, 2)
	if err != nil {
		t.Fatalf("Failed to query samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("Expected limit to apply, got %d samples", len(samples))
	}
	if samples[0].LatencyMs != 12 {
		t.Errorf("Expected newest sample first, got latency %v", samples[0].LatencyMs)
	}
}

func TestMarkOffline(t *testing.T) {
	store := setupTestStore(t)

	now := time.Now()
	if err := store.UpsertHost(1, "10.0.0.1:22", true, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Failed to insert stale host: %v", err)
	}
	if err := store.UpsertHost(2, "10.0.0.2:22", true, now); err != nil {
		t.Fatalf("Failed to insert fresh host: %v", err)
	}

	if err := store.MarkOffline(5 * time.Minute); err != nil {
		t.Fatalf("Failed to mark offline: %v", err)
	}

	stale, _ := store.Host(1)
	fresh, _ := store.Host(2)
	if stale.Online {
		t.Error("Expected stale host to be offline")
	}
	if !fresh.Online {
		t.Error("Expected fresh host to stay online")
	}
}

func TestCleanupOldSamples(t *testing.T) {
	store := setupTestStore(t)

	if err := store.UpsertHost(1, "10.0.0.1:22", true, time.Now()); err != nil {
		t.Fatalf("Failed to insert host: %v", err)
	}

	old := &models.MonitoringSample{HostID: 1, Timestamp: time.Now().Add(-48 * time.Hour)}
	recent := &models.MonitoringSample{HostID: 1, Timestamp: time.Now()}
	if err := store.InsertSample(old); err != nil {
		t.Fatalf("Failed to insert old sample: %v", err)
	}
	if err := store.InsertSample(recent); err != nil {
		t.Fatalf("Failed to insert recent sample: %v", err)
	}

	deleted, err := store.CleanupOldSamples(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted sample, got %d", deleted)
	}

	samples, _ := store.Samples(1, 10)
	if len(samples) != 1 {
		t.Errorf("Expected 1 remaining sample, got %d", len(samples))
	}
}

func TestFleetStats(t *testing.T) {
	store := setupTestStore(t)

	now := time.Now()
	store.UpsertHost(1, "10.0.0.1:22", true, now)
	store.UpsertHost(2, "10.0.0.2:22", false, now)

	stats, err := store.FleetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats["total_hosts"] != 2 {
		t.Errorf("Expected 2 total hosts, got %v", stats["total_hosts"])
	}
	if stats["online_hosts"] != 1 {
		t.Errorf("Expected 1 online host, got %v", stats["online_hosts"])
	}
}

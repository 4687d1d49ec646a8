// Package history persists monitoring samples to sqlite so the
// dashboard can chart fleet state over time.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moorline/fleetgate/internal/models"
)

type Store struct {
	conn *sql.DB
}

// HostRecord is one monitored host as last seen by the collector.
type HostRecord struct {
	HostID   int64     `json:"host_id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{conn: conn}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		host_id INTEGER PRIMARY KEY,
		address TEXT NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		online BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_last_seen ON hosts(last_seen);
	CREATE INDEX IF NOT EXISTS idx_hosts_online ON hosts(online);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		latency_ms REAL NOT NULL,
		cpu_percent REAL NOT NULL,
		ram_percent REAL NOT NULL,
		disk_percent REAL NOT NULL,
		containers_running INTEGER NOT NULL,
		containers_total INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (host_id) REFERENCES hosts(host_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_samples_host_id ON samples(host_id);
	CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples(timestamp);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		host_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		bytes_total INTEGER NOT NULL,
		bytes_done INTEGER NOT NULL,
		state TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_host_id ON transfers(host_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_ended_at ON transfers(ended_at);
	`

	_, err := s.conn.Exec(schema)
	return err
}

func (s *Store) UpsertHost(hostID int64, address string, online bool, lastSeen time.Time) error {
	query := `
	INSERT INTO hosts (host_id, address, last_seen, online, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(host_id) DO UPDATE SET
		address = excluded.address,
		last_seen = excluded.last_seen,
		online = excluded.online,
		updated_at = excluded.updated_at
	`
	_, err := s.conn.Exec(query, hostID, address, lastSeen, online, time.Now())
	return err
}

func (s *Store) InsertSample(sample *models.MonitoringSample) error {
	query := `INSERT INTO samples (host_id, target, latency_ms, cpu_percent, ram_percent,
	          disk_percent, containers_running, containers_total, timestamp)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.conn.Exec(query, sample.HostID, sample.Target, sample.LatencyMs,
		sample.CPUPercent, sample.RAMPercent, sample.DiskPercent,
		sample.ContainersRunning, sample.ContainersTotal, sample.Timestamp)
	return err
}

func (s *Store) Samples(hostID int64, limit int) ([]models.MonitoringSample, error) {
	query := `SELECT id, host_id, target, latency_ms, cpu_percent, ram_percent,
	          disk_percent, containers_running, containers_total, timestamp
	          FROM samples WHERE host_id = ?
	          ORDER BY timestamp DESC LIMIT ?`

	rows, err := s.conn.Query(query, hostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.MonitoringSample
	for rows.Next() {
		var m models.MonitoringSample
		err := rows.Scan(&m.ID, &m.HostID, &m.Target, &m.LatencyMs, &m.CPUPercent,
			&m.RAMPercent, &m.DiskPercent, &m.ContainersRunning, &m.ContainersTotal,
			&m.Timestamp)
		if err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}

	return samples, rows.Err()
}

func (s *Store) Hosts() ([]HostRecord, error) {
	query := `SELECT host_id, address, last_seen, online FROM hosts ORDER BY host_id`

	rows, err := s.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []HostRecord
	for rows.Next() {
		var h HostRecord
		if err := rows.Scan(&h.HostID, &h.Address, &h.LastSeen, &h.Online); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}

	return hosts, rows.Err()
}

func (s *Store) Host(hostID int64) (*HostRecord, error) {
	query := `SELECT host_id, address, last_seen, online FROM hosts WHERE host_id = ?`

	var h HostRecord
	err := s.conn.QueryRow(query, hostID).Scan(&h.HostID, &h.Address, &h.LastSeen, &h.Online)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// TransferRecord is one archived file transfer.
type TransferRecord struct {
	ID         string    `json:"id"`
	HostID     int64     `json:"host_id"`
	Direction  string    `json:"direction"`
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	BytesTotal int64     `json:"bytes_total"`
	BytesDone  int64     `json:"bytes_done"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// ArchiveTransfer records a settled transfer.
func (s *Store) ArchiveTransfer(t models.Transfer) error {
	query := `INSERT OR REPLACE INTO transfers (id, host_id, direction, local_path,
	          remote_path, bytes_total, bytes_done, state, error, started_at, ended_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.conn.Exec(query, t.ID, t.HostID, string(t.Direction), t.LocalPath,
		t.RemotePath, t.BytesTotal, t.BytesDone, t.State.String(), t.Error,
		t.StartedAt, t.EndedAt)
	return err
}

// Transfers lists archived transfers for a host, newest first.
func (s *Store) Transfers(hostID int64, limit int) ([]TransferRecord, error) {
	query := `SELECT id, host_id, direction, local_path, remote_path, bytes_total,
	          bytes_done, state, error, started_at, ended_at
	          FROM transfers WHERE host_id = ?
	          ORDER BY ended_at DESC LIMIT ?`

	rows, err := s.conn.Query(query, hostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []TransferRecord
	for rows.Next() {
		var t TransferRecord
		err := rows.Scan(&t.ID, &t.HostID, &t.Direction, &t.LocalPath, &t.RemotePath,
			&t.BytesTotal, &t.BytesDone, &t.State, &t.Error, &t.StartedAt, &t.EndedAt)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

// MarkOffline flips hosts not seen within threshold to offline.
func (s *Store) MarkOffline(threshold time.Duration) error {
	query := `UPDATE hosts SET online = 0 WHERE last_seen < ? AND online = 1`
	_, err := s.conn.Exec(query, time.Now().Add(-threshold))
	return err
}

// CleanupOldSamples deletes samples older than the retention window and
// reports how many rows were removed.
func (s *Store) CleanupOldSamples(retention time.Duration) (int64, error) {
	query := `DELETE FROM samples WHERE timestamp < ?`
	res, err := s.conn.Exec(query, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FleetStats aggregates fleet-wide counts for operational visibility.
func (s *Store) FleetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalHosts int
	var onlineHosts sql.NullInt64
	err := s.conn.QueryRow("SELECT COUNT(*), SUM(CASE WHEN online = 1 THEN 1 ELSE 0 END) FROM hosts").
		Scan(&totalHosts, &onlineHosts)
	if err != nil {
		return nil, err
	}

	stats["total_hosts"] = totalHosts
	stats["online_hosts"] = int(onlineHosts.Int64)
	stats["offline_hosts"] = totalHosts - int(onlineHosts.Int64)

	var totalSamples int64
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM samples").Scan(&totalSamples); err != nil {
		return nil, err
	}
	stats["total_samples"] = totalSamples

	var avgCPU, avgLatency sql.NullFloat64
	err = s.conn.QueryRow(`SELECT AVG(cpu_percent), AVG(latency_ms) FROM samples
	                       WHERE timestamp > datetime('now', '-5 minutes')`).
		Scan(&avgCPU, &avgLatency)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	stats["avg_cpu_percent"] = avgCPU.Float64
	stats["avg_latency_ms"] = avgLatency.Float64

	return stats, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

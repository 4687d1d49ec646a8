// Package transfer runs asynchronous chunked file transfers and
// synchronous remote filesystem operations over pooled connections.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/history"
	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/models"
)

// Config bounds transfer resource use.
type Config struct {
	ChunkSize        int
	MaxConcurrent    int
	MaxPerHost       int
	HistoryRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32 * 1024
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = 2
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = time.Hour
	}
	return c
}

type job struct {
	mu       sync.Mutex
	snapshot models.Transfer
	cancel   bool
}

func (j *job) cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel
}

func (j *job) view() models.Transfer {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot
}

func (j *job) update(fn func(*models.Transfer)) {
	j.mu.Lock()
	fn(&j.snapshot)
	j.mu.Unlock()
}

// Manager owns all transfers. Excess requests beyond the global and
// per-host caps queue until a slot frees.
type Manager struct {
	pool    *hostconn.Pool
	archive *history.Store
	cfg     Config

	mu       sync.Mutex
	jobs     map[string]*job
	hostSems map[int64]chan struct{}

	globalSem chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a transfer manager. archive may be nil to skip
// persisting settled transfers.
func NewManager(pool *hostconn.Pool, archive *history.Store, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		pool:      pool,
		archive:   archive,
		cfg:       cfg,
		jobs:      make(map[string]*job),
		hostSems:  make(map[int64]chan struct{}),
		globalSem: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Stop cancels in-flight transfers and waits for them to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, j := range m.jobs {
		j.mu.Lock()
		if !j.snapshot.State.Terminal() {
			j.cancel = true
		}
		j.mu.Unlock()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Upload streams a local file to the remote host and returns the
// transfer ID immediately; poll Progress for completion.
func (m *Manager) Upload(ctx context.Context, cred models.HostCredential, localPath, remotePath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat local file: %w", err)
	}

	j := m.newJob(cred.HostID, models.TransferUpload, localPath, remotePath, info.Size())
	m.wg.Add(1)
	go m.run(ctx, cred, j, m.runUpload)
	return j.view().ID, nil
}

// Download streams a remote file to the local path and returns the
// transfer ID immediately.
func (m *Manager) Download(ctx context.Context, cred models.HostCredential, localPath, remotePath string) (string, error) {
	j := m.newJob(cred.HostID, models.TransferDownload, localPath, remotePath, 0)
	m.wg.Add(1)
	go m.run(ctx, cred, j, m.runDownload)
	return j.view().ID, nil
}

func (m *Manager) newJob(hostID int64, dir models.TransferDirection, localPath, remotePath string, total int64) *job {
	j := &job{snapshot: models.Transfer{
		ID:         uuid.NewString(),
		HostID:     hostID,
		Direction:  dir,
		LocalPath:  localPath,
		RemotePath: remotePath,
		BytesTotal: total,
		State:      models.TransferPending,
		StartedAt:  time.Now(),
	}}
	m.mu.Lock()
	m.jobs[j.snapshot.ID] = j
	m.mu.Unlock()
	return j
}

func (m *Manager) hostSem(hostID int64) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.hostSems[hostID]
	if !ok {
		sem = make(chan struct{}, m.cfg.MaxPerHost)
		m.hostSems[hostID] = sem
	}
	return sem
}

type runner func(ctx context.Context, fc hostconn.FileChannel, j *job) error

func (m *Manager) run(ctx context.Context, cred models.HostCredential, j *job, fn runner) {
	defer m.wg.Done()
	defer m.pruneHistory()

	globalSem := m.globalSem
	hostSem := m.hostSem(cred.HostID)

	// The per-host slot is taken first: a transfer queued behind a busy
	// host must not pin a global slot that an idle host could use.
	select {
	case hostSem <- struct{}{}:
	case <-ctx.Done():
		m.settle(j, models.TransferCancelled, ctx.Err())
		return
	}
	defer func() { <-hostSem }()

	select {
	case globalSem <- struct{}{}:
	case <-ctx.Done():
		m.settle(j, models.TransferCancelled, ctx.Err())
		return
	}
	defer func() { <-globalSem }()

	if j.cancelled() {
		m.settle(j, models.TransferCancelled, nil)
		return
	}

	conn, fc, err := m.pool.AcquireFile(ctx, cred)
	if err != nil {
		m.settle(j, models.TransferFailed, err)
		return
	}
	defer m.pool.Release(conn)
	defer fc.Close()

	j.update(func(t *models.Transfer) { t.State = models.TransferRunning })

	if err := fn(ctx, fc, j); err != nil {
		if errors.Is(err, errs.ErrTransferCancelled) {
			m.settle(j, models.TransferCancelled, nil)
			return
		}
		m.settle(j, models.TransferFailed, err)
		return
	}
	m.settle(j, models.TransferDone, nil)
}

func (m *Manager) settle(j *job, state models.TransferState, err error) {
	j.update(func(t *models.Transfer) {
		t.State = state
		t.EndedAt = time.Now()
		if err != nil {
			t.Error = err.Error()
		}
	})
	v := j.view()
	if state == models.TransferFailed {
		log.Printf("transfer %s failed at byte %d: %s", v.ID, v.BytesDone, v.Error)
	}
	if m.archive != nil {
		if err := m.archive.ArchiveTransfer(v); err != nil {
			log.Printf("Failed to archive transfer %s: %v", v.ID, err)
		}
	}
}

func (m *Manager) runUpload(ctx context.Context, fc hostconn.FileChannel, j *job) error {
	v := j.view()

	src, err := os.Open(v.LocalPath)
	if err != nil {
		return &errs.TransferError{TransferID: v.ID, Err: err}
	}
	defer src.Close()

	dst, err := fc.Create(v.RemotePath)
	if err != nil {
		return &errs.TransferError{TransferID: v.ID, Err: err}
	}
	defer dst.Close()

	return m.copyChunks(ctx, dst, src, j)
}

func (m *Manager) runDownload(ctx context.Context, fc hostconn.FileChannel, j *job) error {
	v := j.view()

	info, err := fc.Stat(v.RemotePath)
	if err != nil {
		return &errs.TransferError{TransferID: v.ID, Err: err}
	}
	j.update(func(t *models.Transfer) { t.BytesTotal = info.Size() })

	src, err := fc.Open(v.RemotePath)
	if err != nil {
		return &errs.TransferError{TransferID: v.ID, Err: err}
	}
	defer src.Close()

	dst, err := os.Create(v.LocalPath)
	if err != nil {
		return &errs.TransferError{TransferID: v.ID, Err: err}
	}
	defer dst.Close()

	return m.copyChunks(ctx, dst, src, j)
}

// copyChunks streams fixed-size chunks, advancing BytesDone per chunk
// and checking the cooperative cancel flag between chunks. A cancelled
// transfer leaves any partial file in place.
func (m *Manager) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, j *job) error {
	buf := make([]byte, m.cfg.ChunkSize)
	for {
		if j.cancelled() {
			return errs.ErrTransferCancelled
		}
		if err := ctx.Err(); err != nil {
			return errs.ErrTransferCancelled
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				v := j.view()
				return &errs.TransferError{TransferID: v.ID, Offset: v.BytesDone, Err: err}
			}
			j.update(func(t *models.Transfer) { t.BytesDone += int64(n) })
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			v := j.view()
			return &errs.TransferError{TransferID: v.ID, Offset: v.BytesDone, Err: readErr}
		}
	}
}

// CancelTransfer requests cooperative cancellation. The transfer
// settles as Cancelled once the flag is observed between chunks.
func (m *Manager) CancelTransfer(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transfer %s", id)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snapshot.State.Terminal() {
		return fmt.Errorf("transfer %s already %s", id, j.snapshot.State)
	}
	j.cancel = true
	return nil
}

// Progress returns a point-in-time snapshot of one transfer.
func (m *Manager) Progress(id string) (models.Transfer, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return models.Transfer{}, fmt.Errorf("unknown transfer %s", id)
	}
	return j.view(), nil
}

// ActiveTransfers lists transfers not yet in a terminal state.
func (m *Manager) ActiveTransfers() []models.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transfer
	for _, j := range m.jobs {
		if v := j.view(); !v.State.Terminal() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// History lists terminal transfers for a host, newest first. Entries
// age out after the configured retention window.
func (m *Manager) History(hostID int64, limit int) []models.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transfer
	for _, j := range m.jobs {
		v := j.view()
		if v.HostID == hostID && v.State.Terminal() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].EndedAt.After(out[k].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats counts transfers by state.
func (m *Manager) Stats() models.TransferStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.TransferStats
	for _, j := range m.jobs {
		switch j.view().State {
		case models.TransferPending:
			stats.Queued++
		case models.TransferRunning:
			stats.Active++
		case models.TransferDone:
			stats.Done++
		case models.TransferFailed:
			stats.Failed++
		case models.TransferCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

func (m *Manager) pruneHistory() {
	cutoff := time.Now().Add(-m.cfg.HistoryRetention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		v := j.view()
		if v.State.Terminal() && v.EndedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

// ListDirectory returns the entries of a remote directory.
func (m *Manager) ListDirectory(ctx context.Context, cred models.HostCredential, remotePath string) ([]models.FileInfo, error) {
	conn, fc, err := m.pool.AcquireFile(ctx, cred)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(conn)
	defer fc.Close()

	infos, err := fc.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", remotePath, err)
	}

	out := make([]models.FileInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, models.FileInfo{
			Name:    info.Name(),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return out, nil
}

// CreateDirectory creates a remote directory with the given mode.
func (m *Manager) CreateDirectory(ctx context.Context, cred models.HostCredential, remotePath string, mode os.FileMode) error {
	conn, fc, err := m.pool.AcquireFile(ctx, cred)
	if err != nil {
		return err
	}
	defer m.pool.Release(conn)
	defer fc.Close()

	if err := fc.Mkdir(remotePath, mode); err != nil {
		return fmt.Errorf("mkdir %s: %w", remotePath, err)
	}
	return nil
}

// DeleteRemote removes a remote file or directory. Deleting a non-empty
// directory without recursive fails with NotEmpty.
func (m *Manager) DeleteRemote(ctx context.Context, cred models.HostCredential, remotePath string, recursive bool) error {
	conn, fc, err := m.pool.AcquireFile(ctx, cred)
	if err != nil {
		return err
	}
	defer m.pool.Release(conn)
	defer fc.Close()

	return deletePath(fc, remotePath, recursive)
}

func deletePath(fc hostconn.FileChannel, remotePath string, recursive bool) error {
	info, err := fc.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", remotePath, err)
	}

	if !info.IsDir() {
		return fc.Remove(remotePath)
	}

	entries, err := fc.ReadDir(remotePath)
	if err != nil {
		return fmt.Errorf("list %s: %w", remotePath, err)
	}
	if len(entries) > 0 && !recursive {
		return errs.ErrNotEmpty
	}
	for _, entry := range entries {
		if err := deletePath(fc, path.Join(remotePath, entry.Name()), true); err != nil {
			return err
		}
	}
	return fc.RemoveDirectory(remotePath)
}

// Package statecache shields the UI from per-action round trips with a
// short-TTL cache of host reachability and container listings. Reads
// never touch the network; a miss is returned as data and the caller
// decides whether to fall back to a live fetch.
package statecache

import (
	"sync"
	"time"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/models"
)

// Config sets per-key TTLs.
type Config struct {
	StatusTTL    time.Duration
	ContainerTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.StatusTTL <= 0 {
		c.StatusTTL = 30 * time.Second
	}
	if c.ContainerTTL <= 0 {
		c.ContainerTTL = 5 * time.Minute
	}
	return c
}

type entry[T any] struct {
	value     T
	writtenAt time.Time
	set       bool
}

// fresh is checked on every read so expiry never depends on a sweep.
func (e entry[T]) fresh(ttl time.Duration) bool {
	return e.set && time.Since(e.writtenAt) <= ttl
}

type hostEntry struct {
	mu         sync.Mutex
	status     entry[models.ServerStatus]
	containers entry[[]models.Container]
}

// Cache holds per-host entries, each behind its own lock so unrelated
// hosts never contend.
type Cache struct {
	cfg Config

	mu    sync.RWMutex
	hosts map[int64]*hostEntry
}

func New(cfg Config) *Cache {
	return &Cache{
		cfg:   cfg.withDefaults(),
		hosts: make(map[int64]*hostEntry),
	}
}

func (c *Cache) host(hostID int64) *hostEntry {
	c.mu.RLock()
	h, ok := c.hosts[hostID]
	c.mu.RUnlock()
	if ok {
		return h
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok = c.hosts[hostID]; ok {
		return h
	}
	h = &hostEntry{}
	c.hosts[hostID] = h
	return h
}

// GetServerStatus returns the cached reachability verdict or
// ErrCacheMiss.
func (c *Cache) GetServerStatus(hostID int64) (models.ServerStatus, error) {
	h := c.host(hostID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.fresh(c.cfg.StatusTTL) {
		return models.ServerStatus{}, errs.ErrCacheMiss
	}
	return h.status.value, nil
}

// SetServerStatus overwrites the host's status entry wholesale.
func (c *Cache) SetServerStatus(hostID int64, status models.ServerStatus) {
	h := c.host(hostID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = entry[models.ServerStatus]{value: status, writtenAt: time.Now(), set: true}
}

// GetContainers returns a copy of the cached container listing or
// ErrCacheMiss.
func (c *Cache) GetContainers(hostID int64) ([]models.Container, error) {
	h := c.host(hostID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.containers.fresh(c.cfg.ContainerTTL) {
		return nil, errs.ErrCacheMiss
	}
	out := make([]models.Container, len(h.containers.value))
	copy(out, h.containers.value)
	return out, nil
}

// SetContainers overwrites the host's container listing wholesale,
// never partially.
func (c *Cache) SetContainers(hostID int64, containers []models.Container) {
	stored := make([]models.Container, len(containers))
	copy(stored, containers)

	h := c.host(hostID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.containers = entry[[]models.Container]{value: stored, writtenAt: time.Now(), set: true}
}

// Invalidate drops both entries for a host so the next reads are
// guaranteed misses, independent of TTL.
func (c *Cache) Invalidate(hostID int64) {
	h := c.host(hostID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = entry[models.ServerStatus]{}
	h.containers = entry[[]models.Container]{}
}

// InvalidateContainers drops only the container listing. Every mutating
// container action calls this so the next read reflects the mutation.
func (c *Cache) InvalidateContainers(hostID int64) {
	h := c.host(hostID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.containers = entry[[]models.Container]{}
}

// HostIDs lists hosts that currently carry any entry, fresh or stale.
func (c *Cache) HostIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.hosts))
	for id := range c.hosts {
		ids = append(ids, id)
	}
	return ids
}

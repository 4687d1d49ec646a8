// Package monitor runs the background collection sweep: it probes every
// registered host over a pooled session, parses the introspection
// battery into typed samples, and feeds the state cache and the history
// store.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/semaphore"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/history"
	"github.com/moorline/fleetgate/internal/models"
	"github.com/moorline/fleetgate/internal/session"
	"github.com/moorline/fleetgate/internal/statecache"
)

// HostSource supplies the credentials of the hosts to monitor. The
// registry hands out already-decrypted credentials per sweep; nothing
// is persisted here.
type HostSource interface {
	Hosts() []models.HostCredential
}

// StaticSource is a fixed host list, used when discovery is disabled.
type StaticSource []models.HostCredential

func (s StaticSource) Hosts() []models.HostCredential { return s }

type Config struct {
	Interval       time.Duration
	Concurrency    int64
	CommandTimeout time.Duration
	PingTargets    []string
	SelfSample     bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	return c
}

type Collector struct {
	mux    *session.Multiplexer
	cache  *statecache.Cache
	store  *history.Store
	source HostSource
	cfg    Config

	mu      sync.Mutex
	started bool
	stopped bool

	stop chan struct{}
	done chan struct{}
}

func NewCollector(mux *session.Multiplexer, cache *statecache.Cache, store *history.Store, source HostSource, cfg Config) *Collector {
	return &Collector{
		mux:    mux,
		cache:  cache,
		store:  store,
		source: source,
		cfg:    cfg.withDefaults(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.loop()
}

// Stop halts the sweep loop. In-flight collections finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stop)
	if started {
		<-c.done
	}
}

func (c *Collector) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(context.Background())
		case <-c.stop:
			return
		}
	}
}

// sweep collects every registered host with bounded concurrency. One
// host failing never aborts the others.
func (c *Collector) sweep(ctx context.Context) {
	hosts := c.source.Hosts()
	sem := semaphore.NewWeighted(c.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, cred := range hosts {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cred models.HostCredential) {
			defer wg.Done()
			defer sem.Release(1)
			c.collectHost(ctx, cred)
		}(cred)
	}
	wg.Wait()

	if c.cfg.SelfSample {
		c.recordSelfSample()
	}
}

func (c *Collector) collectHost(ctx context.Context, cred models.HostCredential) {
	status := c.probe(ctx, cred)
	c.cache.SetServerStatus(cred.HostID, status)
	if err := c.store.UpsertHost(cred.HostID, cred.Addr(), status.Online, status.CheckedAt); err != nil {
		log.Printf("Failed to record host %d: %v", cred.HostID, err)
	}
	if !status.Online {
		return
	}

	if _, err := c.collectContainers(ctx, cred); err != nil {
		log.Printf("Container collection for host %d failed: %v", cred.HostID, err)
	}
	if _, err := c.collectSystem(ctx, cred); err != nil {
		log.Printf("System collection for host %d failed: %v", cred.HostID, err)
	}
}

// probe opens a session and runs a trivial command. Unreachability is a
// verdict, not an error.
func (c *Collector) probe(ctx context.Context, cred models.HostCredential) models.ServerStatus {
	start := time.Now()
	status := models.ServerStatus{HostID: cred.HostID, CheckedAt: start}

	sid, err := c.mux.CreateSession(ctx, cred, models.KindExec)
	if err != nil {
		return status
	}
	defer c.mux.CloseSession(sid)

	res, err := c.mux.ExecuteCommand(ctx, sid, "echo ok", c.cfg.CommandTimeout)
	if err != nil || res.ExitCode != 0 {
		return status
	}

	status.Online = true
	status.LatencyMs = time.Since(start).Milliseconds()
	return status
}

func (c *Collector) credFor(hostID int64) (models.HostCredential, error) {
	for _, cred := range c.source.Hosts() {
		if cred.HostID == hostID {
			return cred, nil
		}
	}
	return models.HostCredential{}, fmt.Errorf("unknown host %d", hostID)
}

// CheckServerConnection is the single source of truth for reachability.
// It answers from the cache unless the entry is stale or forceRealTime
// is set, in which case it probes live and refreshes the cache.
func (c *Collector) CheckServerConnection(ctx context.Context, hostID int64, forceRealTime bool) (models.ServerStatus, error) {
	if !forceRealTime {
		if status, err := c.cache.GetServerStatus(hostID); err == nil {
			return status, nil
		}
	}

	cred, err := c.credFor(hostID)
	if err != nil {
		return models.ServerStatus{}, err
	}

	status := c.probe(ctx, cred)
	c.cache.SetServerStatus(hostID, status)
	if err := c.store.UpsertHost(hostID, cred.Addr(), status.Online, status.CheckedAt); err != nil {
		log.Printf("Failed to record host %d: %v", hostID, err)
	}
	return status, nil
}

// CollectSystemData runs the introspection battery on a host, persists
// the parsed sample, and returns it.
func (c *Collector) CollectSystemData(ctx context.Context, hostID int64) (*models.MonitoringSample, error) {
	cred, err := c.credFor(hostID)
	if err != nil {
		return nil, err
	}
	return c.collectSystem(ctx, cred)
}

func (c *Collector) collectSystem(ctx context.Context, cred models.HostCredential) (*models.MonitoringSample, error) {
	sid, err := c.mux.CreateSession(ctx, cred, models.KindExec)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer c.mux.CloseSession(sid)

	sample := &models.MonitoringSample{HostID: cred.HostID, Timestamp: time.Now()}

	loadOut, latency, err := c.run(ctx, sid, cmdLoadAvg)
	if err != nil {
		return nil, err
	}
	sample.LatencyMs = float64(latency)

	cpuOut, _, err := c.run(ctx, sid, cmdCPUCount)
	if err != nil {
		return nil, err
	}
	memOut, _, err := c.run(ctx, sid, cmdMemInfo)
	if err != nil {
		return nil, err
	}
	diskOut, _, err := c.run(ctx, sid, cmdDiskUsage)
	if err != nil {
		return nil, err
	}

	// A single unparseable metric zeroes that field, never the sample.
	load, err := parseLoadAvg(loadOut)
	if err != nil {
		log.Printf("Host %d: %v", cred.HostID, err)
	}
	cores, err := parseCPUCount(cpuOut)
	if err != nil {
		log.Printf("Host %d: %v", cred.HostID, err)
	}
	sample.CPUPercent = cpuPercentFromLoad(load, cores)

	if sample.RAMPercent, err = parseMemInfo(memOut); err != nil {
		log.Printf("Host %d: %v", cred.HostID, err)
	}
	if sample.DiskPercent, err = parseDiskUsage(diskOut); err != nil {
		log.Printf("Host %d: %v", cred.HostID, err)
	}

	if containers, err := c.cache.GetContainers(cred.HostID); err == nil {
		sample.ContainersRunning = countRunning(containers)
		sample.ContainersTotal = len(containers)
	}

	if err := c.store.InsertSample(sample); err != nil {
		return nil, fmt.Errorf("persist sample: %w", err)
	}

	for _, target := range c.cfg.PingTargets {
		out, _, err := c.run(ctx, sid, pingCommand(target))
		if err != nil {
			return nil, err
		}
		ms, err := parsePingLatency(out)
		if err != nil {
			log.Printf("Host %d ping %s: %v", cred.HostID, target, err)
			continue
		}
		ping := &models.MonitoringSample{
			HostID:    cred.HostID,
			Target:    target,
			LatencyMs: ms,
			Timestamp: time.Now(),
		}
		if err := c.store.InsertSample(ping); err != nil {
			return nil, fmt.Errorf("persist ping sample: %w", err)
		}
	}

	return sample, nil
}

// CollectContainerData lists the host's containers, refreshes the
// cache, and returns the listing.
func (c *Collector) CollectContainerData(ctx context.Context, hostID int64) ([]models.Container, error) {
	cred, err := c.credFor(hostID)
	if err != nil {
		return nil, err
	}
	return c.collectContainers(ctx, cred)
}

func (c *Collector) collectContainers(ctx context.Context, cred models.HostCredential) ([]models.Container, error) {
	sid, err := c.mux.CreateSession(ctx, cred, models.KindExec)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer c.mux.CloseSession(sid)

	out, _, err := c.run(ctx, sid, cmdListContainers)
	if err != nil {
		return nil, err
	}

	containers := parseContainers(out)
	c.cache.SetContainers(cred.HostID, containers)
	return containers, nil
}

// run executes one battery command, separating infrastructure failure
// (error) from a non-zero exit (also an error here: the battery is
// fixed and expected to succeed).
func (c *Collector) run(ctx context.Context, sid, command string) (string, int64, error) {
	res, err := c.mux.ExecuteCommand(ctx, sid, command, c.cfg.CommandTimeout)
	if err != nil {
		return "", 0, fmt.Errorf("run %q: %w", command, err)
	}
	if res.ExitCode != 0 {
		return "", 0, &errs.CommandError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, res.LatencyMs, nil
}

// StartContainer starts a container by name or ID.
func (c *Collector) StartContainer(ctx context.Context, hostID int64, container string) error {
	return c.containerAction(ctx, hostID, "start", container)
}

// StopContainer stops a container by name or ID.
func (c *Collector) StopContainer(ctx context.Context, hostID int64, container string) error {
	return c.containerAction(ctx, hostID, "stop", container)
}

// RestartContainer restarts a container by name or ID.
func (c *Collector) RestartContainer(ctx context.Context, hostID int64, container string) error {
	return c.containerAction(ctx, hostID, "restart", container)
}

// RemoveContainer removes a container by name or ID.
func (c *Collector) RemoveContainer(ctx context.Context, hostID int64, container string) error {
	return c.containerAction(ctx, hostID, "rm", container)
}

// containerAction runs one docker mutation. The container cache entry
// is invalidated unconditionally: after an attempted mutation the
// cached listing can no longer be trusted, success or not.
func (c *Collector) containerAction(ctx context.Context, hostID int64, verb, container string) error {
	defer c.cache.InvalidateContainers(hostID)

	cred, err := c.credFor(hostID)
	if err != nil {
		return err
	}

	sid, err := c.mux.CreateSession(ctx, cred, models.KindExec)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer c.mux.CloseSession(sid)

	command := fmt.Sprintf("docker %s %s", verb, container)
	res, err := c.mux.ExecuteCommand(ctx, sid, command, c.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("run %q: %w", command, err)
	}
	if res.ExitCode != 0 {
		return &errs.CommandError{Command: command, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// RefreshAll re-collects hosts into the cache. With force set every
// host is invalidated and re-collected; otherwise only hosts whose
// cache entries have gone stale are touched.
func (c *Collector) RefreshAll(ctx context.Context, force bool) {
	hosts := c.source.Hosts()
	sem := semaphore.NewWeighted(c.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, cred := range hosts {
		if !force {
			_, statusErr := c.cache.GetServerStatus(cred.HostID)
			_, containerErr := c.cache.GetContainers(cred.HostID)
			if statusErr == nil && containerErr == nil {
				continue
			}
		} else {
			c.cache.Invalidate(cred.HostID)
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cred models.HostCredential) {
			defer wg.Done()
			defer sem.Release(1)
			c.collectHost(ctx, cred)
		}(cred)
	}
	wg.Wait()
}

// CleanupOldData prunes samples past the retention window and flips
// hosts silent for two sweep intervals to offline.
func (c *Collector) CleanupOldData(retention time.Duration) (int64, error) {
	deleted, err := c.store.CleanupOldSamples(retention)
	if err != nil {
		return 0, fmt.Errorf("cleanup samples: %w", err)
	}
	if err := c.store.MarkOffline(2 * c.cfg.Interval); err != nil {
		return deleted, fmt.Errorf("mark offline: %w", err)
	}
	return deleted, nil
}

// recordSelfSample measures the dashboard machine itself and records it
// under the reserved local host ID, so operators can see the collector
// box alongside the fleet.
func (c *Collector) recordSelfSample() {
	sample := &models.MonitoringSample{HostID: models.LocalHostID, Timestamp: time.Now()}

	if pct, err := cpu.Percent(time.Second, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	} else if err != nil {
		log.Printf("Self-sample cpu: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.RAMPercent = vm.UsedPercent
	} else {
		log.Printf("Self-sample memory: %v", err)
	}
	if du, err := disk.Usage("/"); err == nil {
		sample.DiskPercent = du.UsedPercent
	} else {
		log.Printf("Self-sample disk: %v", err)
	}

	if err := c.store.InsertSample(sample); err != nil {
		log.Printf("Failed to persist self-sample: %v", err)
	}
}

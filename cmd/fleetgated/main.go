package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moorline/fleetgate/internal/config"
	"github.com/moorline/fleetgate/internal/discovery"
	"github.com/moorline/fleetgate/internal/history"
	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/models"
	"github.com/moorline/fleetgate/internal/monitor"
	"github.com/moorline/fleetgate/internal/session"
	"github.com/moorline/fleetgate/internal/statecache"
	"github.com/moorline/fleetgate/internal/transfer"
)

const cleanupInterval = time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	dialer := hostconn.NewSSHDialer(cfg.DialTimeout)
	pool := hostconn.NewPool(dialer, cfg.Pool())
	pool.Start()
	defer pool.Stop()

	mux := session.NewMultiplexer(pool, cfg.Session())
	mux.Start()
	defer mux.Stop()

	cache := statecache.New(cfg.Cache())

	transfers := transfer.NewManager(pool, store, cfg.Transfer())
	defer transfers.Stop()

	registry := discovery.NewRegistry(nil)
	if cfg.ConsulAddr != "" {
		template, err := credentialTemplate(cfg)
		if err != nil {
			return err
		}
		sd, err := discovery.NewServiceDiscovery(cfg.ConsulAddr, template)
		if err != nil {
			return fmt.Errorf("initialize discovery: %w", err)
		}
		go func() {
			for hosts := range sd.WatchHosts() {
				registry.SetDiscovered(hosts)
			}
		}()
	}

	collector := monitor.NewCollector(mux, cache, store, registry, cfg.Monitor())
	collector.Start()
	defer collector.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go startMaintenanceTasks(ctx, collector, cfg.Retention())

	log.Printf("fleetgated started, history db at %s", cfg.DBPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	return nil
}

// credentialTemplate builds the login identity applied to discovered
// hosts. The key material is read once at startup and held only in
// memory.
func credentialTemplate(cfg *config.Config) (models.HostCredential, error) {
	template := models.HostCredential{
		Username: cfg.SSHUser,
		Method:   models.AuthPassword,
	}
	if cfg.SSHKeyFile != "" {
		key, err := os.ReadFile(cfg.SSHKeyFile)
		if err != nil {
			return models.HostCredential{}, fmt.Errorf("read ssh key: %w", err)
		}
		template.Method = models.AuthPrivateKey
		template.Secret = string(key)
	}
	return template, nil
}

func startMaintenanceTasks(ctx context.Context, collector *monitor.Collector, retention time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := collector.CleanupOldData(retention)
			if err != nil {
				log.Printf("Error cleaning up old samples: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("Cleaned up %d old samples", deleted)
			}
		}
	}
}

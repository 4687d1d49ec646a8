// Package discovery feeds the host registry from the consul catalog.
// Hosts registered under the fleetgate-host service are merged with the
// statically configured list; static entries win on conflict.
package discovery

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"

	"github.com/moorline/fleetgate/internal/models"
)

const serviceName = "fleetgate-host"

// Registry is the live host list handed to the collector. It merges the
// static configuration with whatever discovery last reported.
type Registry struct {
	mu         sync.Mutex
	static     []models.HostCredential
	discovered []models.HostCredential
}

func NewRegistry(static []models.HostCredential) *Registry {
	return &Registry{static: static}
}

// Hosts returns the merged host list. A static entry shadows a
// discovered entry with the same host ID.
func (r *Registry) Hosts() []models.HostCredential {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]bool, len(r.static))
	out := make([]models.HostCredential, 0, len(r.static)+len(r.discovered))
	for _, cred := range r.static {
		seen[cred.HostID] = true
		out = append(out, cred)
	}
	for _, cred := range r.discovered {
		if !seen[cred.HostID] {
			out = append(out, cred)
		}
	}
	return out
}

// SetDiscovered replaces the discovered portion of the registry.
func (r *Registry) SetDiscovered(hosts []models.HostCredential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = hosts
}

// ServiceDiscovery polls the consul catalog for fleet hosts. Discovered
// services carry only an address; the credential template supplies the
// login identity.
type ServiceDiscovery struct {
	client   *consul.Client
	template models.HostCredential
}

func NewServiceDiscovery(consulAddr string, template models.HostCredential) (*ServiceDiscovery, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &ServiceDiscovery{
		client:   client,
		template: template,
	}, nil
}

// DiscoverHosts queries consul for healthy fleet hosts. Services
// without a numeric host_id meta entry are skipped.
func (sd *ServiceDiscovery) DiscoverHosts() ([]models.HostCredential, error) {
	services, _, err := sd.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("query consul: %w", err)
	}

	var hosts []models.HostCredential
	for _, service := range services {
		hostID, err := strconv.ParseInt(service.Service.Meta["host_id"], 10, 64)
		if err != nil {
			log.Printf("Skipping service %s: missing host_id meta", service.Service.ID)
			continue
		}

		addr := service.Service.Address
		if addr == "" {
			addr = service.Node.Address
		}
		port := service.Service.Port
		if port == 0 {
			port = 22
		}

		cred := sd.template
		cred.HostID = hostID
		cred.Address = addr
		cred.Port = port
		hosts = append(hosts, cred)
	}

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].HostID < hosts[j].HostID })
	return hosts, nil
}

// WatchHosts polls the catalog and emits the host list whenever it
// changes.
func (sd *ServiceDiscovery) WatchHosts() <-chan []models.HostCredential {
	hostsChan := make(chan []models.HostCredential, 1)

	go func() {
		var lastKey string
		for {
			hosts, err := sd.DiscoverHosts()
			if err != nil {
				log.Printf("Discovery failed: %v", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if key := hostsKey(hosts); key != lastKey {
				log.Printf("Discovered %d fleet hosts", len(hosts))
				hostsChan <- hosts
				lastKey = key
			}

			time.Sleep(10 * time.Second)
		}
	}()

	return hostsChan
}

func hostsKey(hosts []models.HostCredential) string {
	parts := make([]string, len(hosts))
	for i, h := range hosts {
		parts[i] = fmt.Sprintf("%d=%s", h.HostID, h.Addr())
	}
	return strings.Join(parts, ",")
}

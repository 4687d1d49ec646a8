package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/moorline/fleetgate/internal/models"
)

func template() models.HostCredential {
	return models.HostCredential{
		Username: "deploy",
		Method:   models.AuthPrivateKey,
		Secret:   "key material",
	}
}

func healthResponse() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"Node": map[string]interface{}{
				"Address": "10.0.0.1",
			},
			"Service": map[string]interface{}{
				"ID":      "fleetgate-host-7",
				"Address": "10.0.0.2",
				"Port":    2222,
				"Meta":    map[string]string{"host_id": "7"},
			},
		},
		{
			"Node": map[string]interface{}{
				"Address": "10.0.0.3",
			},
			"Service": map[string]interface{}{
				"ID":      "fleetgate-host-bad",
				"Address": "10.0.0.4",
				"Port":    22,
				"Meta":    map[string]string{},
			},
		},
	}
}

func TestDiscoverHosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/fleetgate-host" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse())
	}))
	defer server.Close()

	sd, err := NewServiceDiscovery(server.URL[7:], template())
	if err != nil {
		t.Fatalf("Failed to create service discovery: %v", err)
	}

	hosts, err := sd.DiscoverHosts()
	if err != nil {
		t.Fatalf("Failed to discover hosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("Expected 1 host (service without host_id skipped), got %d", len(hosts))
	}
	if hosts[0].HostID != 7 {
		t.Errorf("Expected host ID 7, got %d", hosts[0].HostID)
	}
	if hosts[0].Addr() != "10.0.0.2:2222" {
		t.Errorf("Expected address 10.0.0.2:2222, got %s", hosts[0].Addr())
	}
	if hosts[0].Username != "deploy" || hosts[0].Method != models.AuthPrivateKey {
		t.Errorf("Expected template credential to be applied, got %+v", hosts[0])
	}
}

func TestDiscoverHostsUsesNodeAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := []map[string]interface{}{
			{
				"Node": map[string]interface{}{
					"Address": "10.0.0.1",
				},
				"Service": map[string]interface{}{
					"ID":      "fleetgate-host-3",
					"Address": "",
					"Port":    0,
					"Meta":    map[string]string{"host_id": "3"},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	sd, err := NewServiceDiscovery(server.URL[7:], template())
	if err != nil {
		t.Fatalf("Failed to create service discovery: %v", err)
	}

	hosts, err := sd.DiscoverHosts()
	if err != nil {
		t.Fatalf("Failed to discover hosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("Expected 1 host, got %d", len(hosts))
	}
	if hosts[0].Addr() != "10.0.0.1:22" {
		t.Errorf("Expected node address with default port, got %s", hosts[0].Addr())
	}
}

func TestWatchHostsEmitsOnChange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse())
	}))
	defer server.Close()

	sd, err := NewServiceDiscovery(server.URL[7:], template())
	if err != nil {
		t.Fatalf("Failed to create service discovery: %v", err)
	}

	select {
	case hosts := <-sd.WatchHosts():
		if len(hosts) != 1 || hosts[0].HostID != 7 {
			t.Errorf("Unexpected host list: %+v", hosts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for host list")
	}
}

func TestRegistryMergesStaticAndDiscovered(t *testing.T) {
	static := models.HostCredential{HostID: 7, Address: "192.168.1.7", Username: "root"}
	registry := NewRegistry([]models.HostCredential{static})

	registry.SetDiscovered([]models.HostCredential{
		{HostID: 7, Address: "10.0.0.2", Username: "deploy"},
		{HostID: 9, Address: "10.0.0.9", Username: "deploy"},
	})

	hosts := registry.Hosts()
	if len(hosts) != 2 {
		t.Fatalf("Expected 2 hosts, got %d", len(hosts))
	}
	for _, h := range hosts {
		if h.HostID == 7 && h.Address != "192.168.1.7" {
			t.Errorf("Expected static entry to shadow discovered one, got %+v", h)
		}
	}

	registry.SetDiscovered(nil)
	if got := registry.Hosts(); len(got) != 1 {
		t.Errorf("Expected only the static host after discovery reset, got %d", len(got))
	}
}

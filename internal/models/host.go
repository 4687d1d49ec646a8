package models

import (
	"net"
	"strconv"
	"time"
)

type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
)

// HostCredential is a decrypted credential supplied per call by the
// permission layer. It is never persisted by this layer.
type HostCredential struct {
	HostID   int64      `json:"host_id"`
	Address  string     `json:"address"`
	Port     int        `json:"port"`
	Username string     `json:"username"`
	Method   AuthMethod `json:"auth_method"`
	Secret   string     `json:"-"`
}

// Addr returns the dialable host:port form of the credential.
func (c HostCredential) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Address, strconv.Itoa(port))
}

type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnIdle
	ConnBusy
	ConnDegraded
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnIdle:
		return "idle"
	case ConnBusy:
		return "busy"
	case ConnDegraded:
		return "degraded"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// ServerStatus is the cached reachability verdict for a host.
type ServerStatus struct {
	HostID    int64     `json:"host_id"`
	Online    bool      `json:"online"`
	LatencyMs int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Container is one entry of a host's container listing.
type Container struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// PoolHostStats counts physical connections for one host.
type PoolHostStats struct {
	Open int `json:"open"`
	Idle int `json:"idle"`
	Busy int `json:"busy"`
}

// PoolStats is a point-in-time snapshot of the connection pool.
type PoolStats struct {
	PerHost map[int64]PoolHostStats `json:"per_host"`
}

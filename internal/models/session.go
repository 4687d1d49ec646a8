package models

import "time"

type SessionKind string

const (
	KindShell SessionKind = "shell"
	KindExec  SessionKind = "exec"
	KindBatch SessionKind = "batch"
)

type SessionState int32

const (
	SessionCreated SessionState = iota
	SessionActive
	SessionClosing
	SessionClosed
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	case SessionFailed:
		return "failed"
	}
	return "unknown"
}

// CommandResult is the captured outcome of one remote command. A
// non-zero exit code is data, not an infrastructure failure.
type CommandResult struct {
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	LatencyMs  int64     `json:"latency_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

type SessionInfo struct {
	ID             string       `json:"id"`
	HostID         int64        `json:"host_id"`
	Kind           SessionKind  `json:"kind"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

type SessionMetrics struct {
	CommandsRun  int64   `json:"commands_run"`
	BytesIn      int64   `json:"bytes_in"`
	BytesOut     int64   `json:"bytes_out"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

package models

import "time"

type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"
	TransferDownload TransferDirection = "download"
)

type TransferState int32

const (
	TransferPending TransferState = iota
	TransferRunning
	TransferDone
	TransferFailed
	TransferCancelled
)

func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferRunning:
		return "running"
	case TransferDone:
		return "done"
	case TransferFailed:
		return "failed"
	case TransferCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state is final.
func (s TransferState) Terminal() bool {
	return s == TransferDone || s == TransferFailed || s == TransferCancelled
}

// Transfer is a snapshot of one file transfer. BytesDone is
// monotonically non-decreasing until a terminal state.
type Transfer struct {
	ID         string            `json:"id"`
	HostID     int64             `json:"host_id"`
	Direction  TransferDirection `json:"direction"`
	LocalPath  string            `json:"local_path"`
	RemotePath string            `json:"remote_path"`
	BytesTotal int64             `json:"bytes_total"`
	BytesDone  int64             `json:"bytes_done"`
	State      TransferState     `json:"state"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at,omitzero"`
}

// FileInfo describes one remote directory entry.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

// TransferStats counts transfers for operational visibility.
type TransferStats struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

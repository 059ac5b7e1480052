package model

import "time"

// TransmissionState is the lifecycle state of a reliable transmission.
type TransmissionState uint8

const (
	TransmissionQueued TransmissionState = iota
	TransmissionInProgress
	TransmissionCompleted
	TransmissionFailed
)

func (s TransmissionState) String() string {
	switch s {
	case TransmissionQueued:
		return "QUEUED"
	case TransmissionInProgress:
		return "IN_PROGRESS"
	case TransmissionCompleted:
		return "COMPLETED"
	case TransmissionFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s TransmissionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions can happen.
func (s TransmissionState) Terminal() bool {
	return s == TransmissionCompleted || s == TransmissionFailed
}

// TransmissionStatus is a caller-facing snapshot of an outbound transmission.
type TransmissionStatus struct {
	ID             uint32            `json:"id"`
	Destination    NodeID            `json:"destination"`
	State          TransmissionState `json:"state"`
	Size           int               `json:"size"`
	TotalChunks    int               `json:"total_chunks"`
	ChunksAcked    int               `json:"chunks_acked"`
	Retries        int               `json:"retries"`
	FailedChunk    int               `json:"failed_chunk"` // -1 unless a chunk stalled
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Err            error             `json:"-"`
}

// Progress returns the fraction of chunks acknowledged, in [0,1].
func (s TransmissionStatus) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.ChunksAcked) / float64(s.TotalChunks)
}

// Percent returns Progress as an integer percentage.
func (s TransmissionStatus) Percent() int {
	return int(s.Progress()*100 + 0.5)
}

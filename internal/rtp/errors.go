package rtp

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Transmit when MaxQueued transmissions are
	// already queued or in progress.
	ErrQueueFull = errors.New("transmission queue full")
	// ErrEmptyPayload is returned by Transmit for a zero-length payload.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrTooManyChunks is returned when a payload needs more chunks than the
	// 16-bit chunk index can address.
	ErrTooManyChunks = errors.New("payload needs too many chunks")
	// ErrNoDestination is returned when the destination is NoNode.
	ErrNoDestination = errors.New("no destination")
	// ErrCancelled is the failure reason of a cancelled transmission.
	ErrCancelled = errors.New("transmission cancelled")
	// ErrTransmissionTimeout is the failure reason when the overall
	// transmission deadline passes.
	ErrTransmissionTimeout = errors.New("transmission timed out")
	// ErrRetriesExhausted is wrapped by TransmissionFailedError.
	ErrRetriesExhausted = errors.New("chunk retries exhausted")
	// ErrUnknownTransmission is returned for IDs that were never issued or
	// have already been purged.
	ErrUnknownTransmission = errors.New("unknown transmission")
	// ErrAlreadyFinished is returned when cancelling a terminal transmission.
	ErrAlreadyFinished = errors.New("transmission already finished")
)

// TransmissionFailedError reports the chunk that stalled a transmission.
type TransmissionFailedError struct {
	ID         uint32
	ChunkIndex int
	Attempts   int
}

func (e *TransmissionFailedError) Error() string {
	return fmt.Sprintf("transmission %d: chunk %d unacknowledged after %d attempts", e.ID, e.ChunkIndex, e.Attempts)
}

func (e *TransmissionFailedError) Unwrap() error { return ErrRetriesExhausted }

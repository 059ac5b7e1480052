// Package transport defines the boundary between the mesh logic and the
// radio. Adapters never block: Send either accepts a frame or reports that
// the radio is busy, and Receive polls.
package transport

// Adapter is a half-duplex broadcast link such as a LoRa modem.
type Adapter interface {
	// Send hands one frame to the radio. It returns false when the frame was
	// not accepted (TX busy, duty-cycle budget exhausted, link down); the
	// caller retries on a later tick.
	Send(frame []byte) bool
	// Receive returns the next received frame, if any.
	Receive() ([]byte, bool)
	// SignalQuality is the RSSI in dBm of the frame most recently returned by
	// Receive.
	SignalQuality() int
	// PendingCount is the number of received frames waiting to be read.
	PendingCount() int
}

// NominalRSSI is reported by adapters that have no real signal measurement.
const NominalRSSI = -70

// Package medium simulates a shared radio channel in memory. Frames sent by
// one adapter are broadcast to every other attached adapter when the medium
// is delivered, subject to per-link loss and signal settings.
package medium

import (
	"sync"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Default buffer sizes.
const (
	DefaultOutboxSize = 16
	DefaultInboxSize  = 64
)

// LossFunc decides whether a frame from one node to another is dropped.
// Returning true drops it.
type LossFunc func(from, to model.NodeID, frame []byte) bool

type link struct{ from, to model.NodeID }

type received struct {
	frame []byte
	rssi  int
}

// Medium is the shared channel. It is safe for concurrent use.
type Medium struct {
	mu       sync.Mutex
	adapters map[model.NodeID]*Adapter
	order    []model.NodeID
	rssi     map[link]int
	cut      map[link]bool
	loss     LossFunc

	outboxSize int
	inboxSize  int

	sent      uint64
	delivered uint64
	dropped   uint64
}

// Option configures a Medium.
type Option func(*Medium)

// WithLoss installs a loss function applied to every (sender, receiver) pair.
func WithLoss(fn LossFunc) Option {
	return func(m *Medium) { m.loss = fn }
}

// WithBufferSizes overrides the per-adapter outbox and inbox capacities.
func WithBufferSizes(outbox, inbox int) Option {
	return func(m *Medium) {
		if outbox > 0 {
			m.outboxSize = outbox
		}
		if inbox > 0 {
			m.inboxSize = inbox
		}
	}
}

// New creates an empty medium.
func New(opts ...Option) *Medium {
	m := &Medium{
		adapters:   make(map[model.NodeID]*Adapter),
		rssi:       make(map[link]int),
		cut:        make(map[link]bool),
		outboxSize: DefaultOutboxSize,
		inboxSize:  DefaultInboxSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach creates the adapter for id. Attaching the same id twice returns the
// existing adapter.
func (m *Medium) Attach(id model.NodeID) *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[id]; ok {
		return a
	}
	a := &Adapter{medium: m, id: id, rssi: transport.NominalRSSI}
	m.adapters[id] = a
	m.order = append(m.order, id)
	return a
}

// Detach removes id from the channel, as if the device powered off. Frames
// already queued for it are discarded.
func (m *Medium) Detach(id model.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.adapters, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// SetLoss replaces the loss function; nil disables loss.
func (m *Medium) SetLoss(fn LossFunc) {
	m.mu.Lock()
	m.loss = fn
	m.mu.Unlock()
}

// SetRSSI sets the signal strength heard on both directions between a and b.
func (m *Medium) SetRSSI(a, b model.NodeID, rssi int) {
	m.mu.Lock()
	m.rssi[link{a, b}] = rssi
	m.rssi[link{b, a}] = rssi
	m.mu.Unlock()
}

// Partition cuts or restores the link between every node in a and every
// node in b.
func (m *Medium) Partition(a, b []model.NodeID, cut bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range a {
		for _, y := range b {
			if cut {
				m.cut[link{x, y}] = true
				m.cut[link{y, x}] = true
			} else {
				delete(m.cut, link{x, y})
				delete(m.cut, link{y, x})
			}
		}
	}
}

// Deliver moves every queued outbound frame to the inboxes of the other
// attached adapters and returns the number of frames handed to receivers.
// Senders are drained in attach order so runs are reproducible.
func (m *Medium) Deliver() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, fromID := range m.order {
		from := m.adapters[fromID]
		for _, frame := range from.outbox {
			m.sent++
			for _, toID := range m.order {
				if toID == fromID || m.cut[link{fromID, toID}] {
					continue
				}
				if m.loss != nil && m.loss(fromID, toID, frame) {
					m.dropped++
					continue
				}
				to := m.adapters[toID]
				if len(to.inbox) >= m.inboxSize {
					m.dropped++
					continue
				}
				rssi, ok := m.rssi[link{fromID, toID}]
				if !ok {
					rssi = transport.NominalRSSI
				}
				to.inbox = append(to.inbox, received{frame: frame, rssi: rssi})
				m.delivered++
				count++
			}
		}
		from.outbox = nil
	}
	return count
}

// Stats reports cumulative frame counters.
func (m *Medium) Stats() (sent, delivered, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.delivered, m.dropped
}

// Adapter is one node's radio on the medium. It implements
// transport.Adapter.
type Adapter struct {
	medium *Medium
	id     model.NodeID

	outbox [][]byte
	inbox  []received
	rssi   int
	down   bool
}

var _ transport.Adapter = (*Adapter)(nil)

// ID returns the node the adapter is attached for.
func (a *Adapter) ID() model.NodeID { return a.id }

// SetDown simulates a radio fault: while down, Send rejects every frame.
func (a *Adapter) SetDown(down bool) {
	a.medium.mu.Lock()
	a.down = down
	a.medium.mu.Unlock()
}

// Send queues frame until the next Deliver.
func (a *Adapter) Send(frame []byte) bool {
	a.medium.mu.Lock()
	defer a.medium.mu.Unlock()
	if a.down || len(a.outbox) >= a.medium.outboxSize {
		return false
	}
	a.outbox = append(a.outbox, append([]byte(nil), frame...))
	return true
}

// Receive pops the oldest received frame.
func (a *Adapter) Receive() ([]byte, bool) {
	a.medium.mu.Lock()
	defer a.medium.mu.Unlock()
	if len(a.inbox) == 0 {
		return nil, false
	}
	r := a.inbox[0]
	a.inbox = a.inbox[1:]
	a.rssi = r.rssi
	return append([]byte(nil), r.frame...), true
}

// SignalQuality returns the RSSI of the last received frame.
func (a *Adapter) SignalQuality() int {
	a.medium.mu.Lock()
	defer a.medium.mu.Unlock()
	return a.rssi
}

// PendingCount returns the number of frames waiting in the inbox.
func (a *Adapter) PendingCount() int {
	a.medium.mu.Lock()
	defer a.medium.mu.Unlock()
	return len(a.inbox)
}

package rtp

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Delivery is a fully reassembled inbound payload.
type Delivery struct {
	Source         model.NodeID
	TransmissionID uint32
	Payload        []byte
	ReceivedAt     time.Time
}

type transferKey struct {
	source model.NodeID
	id     uint32
}

type partial struct {
	total   int
	chunks  [][]byte
	have    []bool
	count   int
	firstAt time.Time
	lastAt  time.Time
}

// ReceiverStats counts receiver activity.
type ReceiverStats struct {
	ChunksReceived uint64
	Duplicates     uint64
	Delivered      uint64
	Expired        uint64
	Partials       int
}

// Receiver reassembles DATA chunks addressed to the local node. Every chunk
// is acknowledged, including duplicates, since the sender may have missed
// the first ack. It is not safe for concurrent use.
type Receiver struct {
	cfg  Config
	self model.NodeID
	out  Outbox
	log  logging.Logger

	partials   map[transferKey]*partial
	completed  *lru.Cache[transferKey, time.Time]
	deliveries []Delivery
	stats      ReceiverStats
}

// NewReceiver creates a receiver for self.
func NewReceiver(cfg Config, self model.NodeID, out Outbox, log logging.Logger) (*Receiver, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	completed, err := lru.New[transferKey, time.Time](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("rtp: dedup cache: %w", err)
	}
	return &Receiver{
		cfg:       cfg,
		self:      self,
		out:       out,
		log:       log,
		partials:  make(map[transferKey]*partial),
		completed: completed,
	}, nil
}

// HandleData processes one DATA frame. It reports whether the frame was
// addressed to this node.
func (r *Receiver) HandleData(msg protocol.Message, now time.Time) bool {
	if msg.Type != protocol.TypeData || msg.Destination != r.self {
		return false
	}
	if msg.TotalChunks == 0 || msg.ChunkIndex >= msg.TotalChunks {
		return false
	}
	r.stats.ChunksReceived++
	if err := r.out.Enqueue(protocol.DataAck(r.self, msg.Source, msg.TransmissionID, msg.ChunkIndex)); err != nil {
		r.log.Debug(context.Background(), "Ack not queued", logging.Uint32("id", msg.TransmissionID), logging.Err(err))
	}

	key := transferKey{source: msg.Source, id: msg.TransmissionID}
	if r.completed.Contains(key) {
		r.stats.Duplicates++
		return true
	}

	total := int(msg.TotalChunks)
	p, ok := r.partials[key]
	if ok && p.total != total {
		r.log.Warn(context.Background(), "Chunk count changed mid-transfer, restarting reassembly",
			logging.Stringer("source", msg.Source),
			logging.Uint32("id", msg.TransmissionID),
		)
		ok = false
	}
	if !ok {
		p = &partial{
			total:   total,
			chunks:  make([][]byte, total),
			have:    make([]bool, total),
			firstAt: now,
		}
		r.partials[key] = p
	}
	p.lastAt = now

	i := int(msg.ChunkIndex)
	if p.have[i] {
		r.stats.Duplicates++
		return true
	}
	p.have[i] = true
	p.chunks[i] = append([]byte(nil), msg.Chunk...)
	p.count++
	if p.count < p.total {
		return true
	}

	size := 0
	for _, c := range p.chunks {
		size += len(c)
	}
	payload := make([]byte, 0, size)
	for _, c := range p.chunks {
		payload = append(payload, c...)
	}
	delete(r.partials, key)
	r.completed.Add(key, now)
	r.stats.Delivered++
	r.deliveries = append(r.deliveries, Delivery{
		Source:         msg.Source,
		TransmissionID: msg.TransmissionID,
		Payload:        payload,
		ReceivedAt:     now,
	})
	r.log.Info(context.Background(), "Payload received",
		logging.Stringer("source", msg.Source),
		logging.Uint32("id", msg.TransmissionID),
		logging.String("size", humanize.Bytes(uint64(size))),
		logging.Duration("elapsed", now.Sub(p.firstAt)),
	)
	return true
}

// Tick drops partial transfers idle for ReceiveTimeout.
func (r *Receiver) Tick(now time.Time) {
	for key, p := range r.partials {
		if now.Sub(p.lastAt) < r.cfg.ReceiveTimeout {
			continue
		}
		delete(r.partials, key)
		r.stats.Expired++
		r.log.Warn(context.Background(), "Partial transfer expired",
			logging.Stringer("source", key.source),
			logging.Uint32("id", key.id),
			logging.Int("chunks", p.count),
			logging.Int("total", p.total),
		)
	}
}

// DrainDeliveries returns payloads completed since the last call.
func (r *Receiver) DrainDeliveries() []Delivery {
	out := r.deliveries
	r.deliveries = nil
	return out
}

// Stats returns receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	st := r.stats
	st.Partials = len(r.partials)
	return st
}

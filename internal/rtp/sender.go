// Package rtp is the reliable transmission protocol: payloads are split
// into chunks, each chunk is acknowledged individually and retried with
// exponential backoff. All timing is tick driven; nothing sleeps.
package rtp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

const tracerName = "github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"

// Outbox accepts frames for transmission.
type Outbox interface {
	Enqueue(msg protocol.Message) error
}

type chunk struct {
	acked       bool
	inFlight    bool
	attempts    int
	ackDeadline time.Time
	retryAt     time.Time // zero unless waiting to resend
	backoff     *backoff.ExponentialBackOff
}

type transmission struct {
	id        uint32
	dest      model.NodeID
	payload   []byte
	chunks    []chunk
	acked     int
	inFlight  int
	nextFresh int

	state        model.TransmissionState
	queuedAt     time.Time
	startedAt    time.Time
	lastActivity time.Time
	finishedAt   time.Time
	retries      int
	failedChunk  int
	err          error

	span trace.Span
}

func (t *transmission) status() model.TransmissionStatus {
	return model.TransmissionStatus{
		ID:             t.id,
		Destination:    t.dest,
		State:          t.state,
		Size:           len(t.payload),
		TotalChunks:    len(t.chunks),
		ChunksAcked:    t.acked,
		Retries:        t.retries,
		FailedChunk:    t.failedChunk,
		StartedAt:      t.startedAt,
		LastActivityAt: t.lastActivity,
		Err:            t.err,
	}
}

// SenderStats counts sender activity.
type SenderStats struct {
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	ChunksSent uint64
	Retries    uint64
	Active     int
}

// Sender transmits one payload at a time, in submission order. It is not
// safe for concurrent use.
type Sender struct {
	cfg    Config
	self   model.NodeID
	out    Outbox
	log    logging.Logger
	tracer trace.Tracer

	nextID   uint32
	queue    []*transmission
	records  map[uint32]*transmission
	finished []model.TransmissionStatus
	stats    SenderStats
}

// NewSender creates a sender transmitting as self.
func NewSender(cfg Config, self model.NodeID, out Outbox, log logging.Logger) *Sender {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Sender{
		cfg:     cfg,
		self:    self,
		out:     out,
		log:     log,
		tracer:  otel.Tracer(tracerName),
		nextID:  1,
		records: make(map[uint32]*transmission),
	}
}

// NextID is the ID the next Transmit will use.
func (s *Sender) NextID() uint32 { return s.nextID }

// SetNextID restores the ID counter, typically from persistent storage so
// IDs stay monotonic across restarts.
func (s *Sender) SetNextID(id uint32) {
	if id == 0 {
		id = 1
	}
	s.nextID = id
}

// Transmit chunks payload for dest and queues it. It returns immediately.
func (s *Sender) Transmit(dest model.NodeID, payload []byte, now time.Time) (uint32, error) {
	if dest == model.NoNode {
		return 0, ErrNoDestination
	}
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	n := (len(payload) + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize
	if n > 0xFFFF {
		return 0, fmt.Errorf("%s in %d chunks: %w", humanize.Bytes(uint64(len(payload))), n, ErrTooManyChunks)
	}
	if len(s.queue) >= s.cfg.MaxQueued {
		return 0, fmt.Errorf("%d transmissions pending: %w", len(s.queue), ErrQueueFull)
	}

	id := s.nextID
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	t := &transmission{
		id:           id,
		dest:         dest,
		payload:      append([]byte(nil), payload...),
		chunks:       make([]chunk, n),
		state:        model.TransmissionQueued,
		queuedAt:     now,
		lastActivity: now,
		failedChunk:  -1,
	}
	s.queue = append(s.queue, t)
	s.records[id] = t
	s.stats.Submitted++
	s.log.Info(context.Background(), "Transmission queued",
		logging.Uint32("id", id),
		logging.Stringer("destination", dest),
		logging.String("size", humanize.Bytes(uint64(len(payload)))),
		logging.Int("chunks", n),
	)
	return id, nil
}

// Tick drives the head transmission: starts it, expires ack deadlines,
// resends chunks whose backoff elapsed and tops up the send window.
func (s *Sender) Tick(now time.Time) {
	s.purge(now)
	if len(s.queue) == 0 {
		return
	}
	t := s.queue[0]
	if t.state == model.TransmissionQueued {
		s.start(t, now)
	}
	if now.Sub(t.startedAt) >= s.cfg.TransmissionTimeout {
		s.fail(t, now, fmt.Errorf("transmission %d after %s: %w", t.id, now.Sub(t.startedAt), ErrTransmissionTimeout))
		return
	}

	for i := range t.chunks {
		c := &t.chunks[i]
		if !c.inFlight || c.acked {
			continue
		}
		if c.retryAt.IsZero() {
			if now.Before(c.ackDeadline) {
				continue
			}
			if c.attempts > s.cfg.MaxRetries {
				t.failedChunk = i
				s.fail(t, now, &TransmissionFailedError{ID: t.id, ChunkIndex: i, Attempts: c.attempts})
				return
			}
			c.retryAt = now.Add(c.backoff.NextBackOff())
			continue
		}
		if !now.Before(c.retryAt) {
			t.retries++
			s.stats.Retries++
			s.log.Debug(context.Background(), "Resending chunk",
				logging.Uint32("id", t.id),
				logging.Int("chunk", i),
				logging.Int("attempt", c.attempts+1),
			)
			s.sendChunk(t, i, now)
		}
	}

	for t.inFlight < s.cfg.WindowSize && t.nextFresh < len(t.chunks) {
		i := t.nextFresh
		t.nextFresh++
		if t.chunks[i].acked {
			continue
		}
		c := &t.chunks[i]
		c.backoff = s.newBackoff()
		c.inFlight = true
		t.inFlight++
		s.sendChunk(t, i, now)
	}
}

func (s *Sender) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.RandomizationFactor = s.cfg.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *Sender) start(t *transmission, now time.Time) {
	t.state = model.TransmissionInProgress
	t.startedAt = now
	t.lastActivity = now
	_, t.span = s.tracer.Start(context.Background(), "rtp.transmit",
		trace.WithTimestamp(now),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("rtp.id", int64(t.id)),
			attribute.Int64("rtp.destination", int64(t.dest)),
			attribute.Int("rtp.bytes", len(t.payload)),
			attribute.Int("rtp.chunks", len(t.chunks)),
		),
	)
}

func (s *Sender) sendChunk(t *transmission, i int, now time.Time) {
	c := &t.chunks[i]
	c.attempts++
	c.ackDeadline = now.Add(s.cfg.AckTimeout)
	c.retryAt = time.Time{}
	t.lastActivity = now
	s.stats.ChunksSent++

	lo := i * s.cfg.ChunkSize
	hi := lo + s.cfg.ChunkSize
	if hi > len(t.payload) {
		hi = len(t.payload)
	}
	msg := protocol.Data(s.self, t.dest, t.id, uint16(i), uint16(len(t.chunks)), t.payload[lo:hi])
	if err := s.out.Enqueue(msg); err != nil {
		// The ack deadline still runs, so a dropped enqueue is retried like a
		// lost frame.
		s.log.Debug(context.Background(), "Chunk not queued", logging.Uint32("id", t.id), logging.Int("chunk", i), logging.Err(err))
	}
}

// HandleAck applies a DATA_ACK. It reports whether the ack matched an
// outstanding chunk.
func (s *Sender) HandleAck(msg protocol.Message, now time.Time) bool {
	if msg.Type != protocol.TypeDataAck || (msg.Destination != model.NoNode && msg.Destination != s.self) {
		return false
	}
	t, ok := s.records[msg.TransmissionID]
	if !ok || t.state != model.TransmissionInProgress || msg.Source != t.dest {
		return false
	}
	i := int(msg.ChunkIndex)
	if i >= len(t.chunks) || t.chunks[i].acked {
		return false
	}
	c := &t.chunks[i]
	c.acked = true
	if c.inFlight {
		c.inFlight = false
		t.inFlight--
	}
	t.acked++
	t.lastActivity = now
	if t.span != nil {
		t.span.AddEvent("chunk acked", trace.WithTimestamp(now), trace.WithAttributes(
			attribute.Int("rtp.chunk", i),
			attribute.Int("rtp.attempts", c.attempts),
		))
	}

	if t.acked == len(t.chunks) {
		t.state = model.TransmissionCompleted
		s.finish(t, now)
		s.stats.Completed++
		s.log.Info(context.Background(), "Transmission completed",
			logging.Uint32("id", t.id),
			logging.Int("chunks", len(t.chunks)),
			logging.Int("retries", t.retries),
			logging.Duration("elapsed", now.Sub(t.startedAt)),
		)
	}
	return true
}

// Cancel fails a queued or in-progress transmission with ErrCancelled and
// frees its slot.
func (s *Sender) Cancel(id uint32, now time.Time) error {
	t, ok := s.records[id]
	if !ok {
		return fmt.Errorf("cancel %d: %w", id, ErrUnknownTransmission)
	}
	if t.state.Terminal() {
		return fmt.Errorf("cancel %d (%s): %w", id, t.state, ErrAlreadyFinished)
	}
	if t.state == model.TransmissionQueued {
		t.startedAt = now
	}
	s.fail(t, now, ErrCancelled)
	return nil
}

func (s *Sender) fail(t *transmission, now time.Time, err error) {
	t.state = model.TransmissionFailed
	t.err = err
	s.finish(t, now)
	s.stats.Failed++
	s.log.Warn(context.Background(), "Transmission failed",
		logging.Uint32("id", t.id),
		logging.Int("chunks_acked", t.acked),
		logging.Int("chunks", len(t.chunks)),
		logging.Err(err),
	)
}

func (s *Sender) finish(t *transmission, now time.Time) {
	t.finishedAt = now
	t.lastActivity = now
	for i, q := range s.queue {
		if q == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	if t.span != nil {
		t.span.SetAttributes(
			attribute.Int("rtp.chunks_acked", t.acked),
			attribute.Int("rtp.retries", t.retries),
		)
		if t.err != nil {
			t.span.RecordError(t.err, trace.WithTimestamp(now))
			t.span.SetStatus(codes.Error, t.err.Error())
		} else {
			t.span.SetStatus(codes.Ok, "")
		}
		t.span.End(trace.WithTimestamp(now))
		t.span = nil
	}
	s.finished = append(s.finished, t.status())
}

func (s *Sender) purge(now time.Time) {
	for id, t := range s.records {
		if t.state.Terminal() && now.Sub(t.finishedAt) >= s.cfg.Retention {
			delete(s.records, id)
		}
	}
}

// DrainFinished returns the transmissions that reached a terminal state
// since the last call.
func (s *Sender) DrainFinished() []model.TransmissionStatus {
	out := s.finished
	s.finished = nil
	return out
}

// Status returns a snapshot of transmission id. Terminal transmissions stay
// visible for Retention.
func (s *Sender) Status(id uint32) (model.TransmissionStatus, bool) {
	t, ok := s.records[id]
	if !ok {
		return model.TransmissionStatus{}, false
	}
	return t.status(), true
}

// Pending returns the number of queued or in-progress transmissions.
func (s *Sender) Pending() int { return len(s.queue) }

// Stats returns sender counters.
func (s *Sender) Stats() SenderStats {
	st := s.stats
	st.Active = len(s.queue)
	return st
}

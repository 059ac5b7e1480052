// Package outbound schedules frames onto the shared radio channel. Control
// traffic always leaves before bulk data, and the channel airtime is capped
// by a token bucket.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport"
)

var (
	// ErrQueueFull is returned when the class queue for a message is at
	// capacity.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum frame size")
)

// Class is a priority class. Lower values are sent first.
type Class int

const (
	ClassHigh Class = iota
	ClassNormal
	ClassLow

	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassHigh:
		return "high"
	case ClassNormal:
		return "normal"
	case ClassLow:
		return "low"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ClassOf maps a message type to its priority class.
func ClassOf(t protocol.Type) Class {
	switch t {
	case protocol.TypeTopologyUpdate, protocol.TypeRoleAssignment, protocol.TypeRoleAck:
		return ClassHigh
	case protocol.TypeData:
		return ClassLow
	default:
		return ClassNormal
	}
}

// Config bounds the queue and the channel budget.
type Config struct {
	MaxFrameSize     int     `yaml:"max_frame_size"`
	FramesPerSecond  float64 `yaml:"frames_per_second"`
	Burst            int     `yaml:"burst"`
	MaxFramesPerTick int     `yaml:"max_frames_per_tick"`
	ClassCapacity    int     `yaml:"class_capacity"`
}

// DefaultConfig returns the LoRa defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:     255,
		FramesPerSecond:  10,
		Burst:            4,
		MaxFramesPerTick: 4,
		ClassCapacity:    64,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = d.FramesPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxFramesPerTick <= 0 {
		c.MaxFramesPerTick = d.MaxFramesPerTick
	}
	if c.ClassCapacity <= 0 {
		c.ClassCapacity = d.ClassCapacity
	}
}

type item struct {
	typ   protocol.Type
	frame []byte
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending       [numClasses]int
	Sent          uint64
	SendFailures  uint64
	Dropped       uint64
	FailureStreak int
}

// PendingTotal sums Pending across classes.
func (s Stats) PendingTotal() int {
	total := 0
	for _, n := range s.Pending {
		total += n
	}
	return total
}

// Queue is owned by a single mesh node and is not safe for concurrent use.
type Queue struct {
	cfg     Config
	adapter transport.Adapter
	limiter *rate.Limiter
	log     logging.Logger

	classes [numClasses][]item

	sent          uint64
	sendFailures  uint64
	dropped       uint64
	failureStreak int
}

// New creates a queue that sends through adapter.
func New(cfg Config, adapter transport.Adapter, log logging.Logger) *Queue {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Queue{
		cfg:     cfg,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.Burst),
		log:     log,
	}
}

// Enqueue encodes msg and appends it to its class queue.
func (q *Queue) Enqueue(msg protocol.Message) error {
	frame, class, err := q.prepare(msg)
	if err != nil {
		return err
	}
	if len(q.classes[class]) >= q.cfg.ClassCapacity {
		q.dropped++
		return fmt.Errorf("%s %s: %w", class, msg.Type, ErrQueueFull)
	}
	q.classes[class] = append(q.classes[class], item{typ: msg.Type, frame: frame})
	return nil
}

// EnqueueLatest replaces every pending frame of the same type with msgs.
// TOPOLOGY_UPDATE and HEARTBEAT only matter in their newest form, so a
// backlog of them is collapsed. All msgs must share one type.
func (q *Queue) EnqueueLatest(msgs ...protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	typ := msgs[0].Type
	class := ClassOf(typ)
	kept := q.classes[class][:0]
	for _, it := range q.classes[class] {
		if it.typ != typ {
			kept = append(kept, it)
		}
	}
	q.classes[class] = kept

	for _, m := range msgs {
		if m.Type != typ {
			return fmt.Errorf("outbound: mixed types %s and %s in EnqueueLatest", typ, m.Type)
		}
		if err := q.Enqueue(m); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) prepare(msg protocol.Message) ([]byte, Class, error) {
	frame := protocol.Encode(msg)
	if len(frame) > q.cfg.MaxFrameSize {
		q.dropped++
		return nil, 0, fmt.Errorf("%s is %d bytes (max %d): %w", msg.Type, len(frame), q.cfg.MaxFrameSize, ErrFrameTooLarge)
	}
	return frame, ClassOf(msg.Type), nil
}

// Flush sends up to MaxFramesPerTick frames, highest class first, as long as
// the airtime budget allows. A frame the radio refuses stays at the head of
// its queue and ends the flush; it is retried on the next tick.
func (q *Queue) Flush(now time.Time) int {
	sent := 0
	for sent < q.cfg.MaxFramesPerTick {
		class, ok := q.head()
		if !ok {
			break
		}
		if !q.limiter.AllowN(now, 1) {
			break
		}
		it := q.classes[class][0]
		if !q.adapter.Send(it.frame) {
			q.sendFailures++
			q.failureStreak++
			q.log.Debug(context.Background(), "radio rejected frame, deferring",
				logging.Stringer("type", it.typ),
				logging.Int("failure_streak", q.failureStreak),
			)
			break
		}
		q.classes[class] = q.classes[class][1:]
		q.failureStreak = 0
		q.sent++
		sent++
	}
	return sent
}

func (q *Queue) head() (Class, bool) {
	for c := ClassHigh; c < numClasses; c++ {
		if len(q.classes[c]) > 0 {
			return c, true
		}
	}
	return 0, false
}

// FailureStreak is the number of consecutive rejected sends.
func (q *Queue) FailureStreak() int { return q.failureStreak }

// HealthFactor scales network health by recent send failures: each
// consecutive rejection costs 10%, never below half.
func (q *Queue) HealthFactor() float64 {
	f := 1 - 0.1*float64(q.failureStreak)
	if f < 0.5 {
		return 0.5
	}
	return f
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	s := Stats{
		Sent:          q.sent,
		SendFailures:  q.sendFailures,
		Dropped:       q.dropped,
		FailureStreak: q.failureStreak,
	}
	for c := range q.classes {
		s.Pending[c] = len(q.classes[c])
	}
	return s
}

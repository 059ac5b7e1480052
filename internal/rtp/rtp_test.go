package rtp

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

const (
	senderID   model.NodeID = 12
	receiverID model.NodeID = 5
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type wire struct {
	msgs []protocol.Message
}

func (w *wire) Enqueue(m protocol.Message) error {
	w.msgs = append(w.msgs, m)
	return nil
}

func (w *wire) drain() []protocol.Message {
	out := w.msgs
	w.msgs = nil
	return out
}

type link struct {
	s        *Sender
	r        *Receiver
	data     *wire
	acks     *wire
	dropData func(protocol.Message) bool
	dropAck  func(protocol.Message) bool
}

func newLink(t *testing.T, cfg Config) *link {
	t.Helper()
	l := &link{data: &wire{}, acks: &wire{}}
	l.s = NewSender(cfg, senderID, l.data, nil)
	r, err := NewReceiver(cfg, receiverID, l.acks, nil)
	require.NoError(t, err)
	l.r = r
	return l
}

// run ticks both ends in 100ms steps until id reaches a terminal state or
// limit elapses, and returns the time it stopped.
func (l *link) run(id uint32, start time.Time, limit time.Duration) time.Time {
	now := start
	for ; now.Sub(start) <= limit; now = now.Add(100 * time.Millisecond) {
		l.s.Tick(now)
		for _, m := range l.data.drain() {
			if l.dropData != nil && l.dropData(m) {
				continue
			}
			l.r.HandleData(m, now)
		}
		l.r.Tick(now)
		for _, m := range l.acks.drain() {
			if l.dropAck != nil && l.dropAck(m) {
				continue
			}
			l.s.HandleAck(m, now)
		}
		if st, ok := l.s.Status(id); ok && st.State.Terminal() {
			return now
		}
	}
	return now
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RandomizationFactor = 0
	return cfg
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestLostChunkRetriedUntilCompleted(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 250
	l := newLink(t, cfg)

	attempts := 0
	l.dropData = func(m protocol.Message) bool {
		if m.ChunkIndex != 10 {
			return false
		}
		attempts++
		return attempts <= 2
	}

	data := payload(5000)
	id, err := l.s.Transmit(receiverID, data, t0)
	require.NoError(t, err)

	st, ok := l.s.Status(id)
	require.True(t, ok)
	require.Equal(t, 20, st.TotalChunks)
	require.Equal(t, model.TransmissionQueued, st.State)

	l.run(id, t0, 5*time.Minute)

	st, _ = l.s.Status(id)
	require.Equal(t, model.TransmissionCompleted, st.State)
	require.Equal(t, 20, st.ChunksAcked)
	require.Equal(t, 2, st.Retries)
	require.Equal(t, 3, attempts)
	require.Equal(t, 100, st.Percent())
	require.NoError(t, st.Err)

	deliveries := l.r.DrainDeliveries()
	require.Len(t, deliveries, 1)
	require.True(t, bytes.Equal(data, deliveries[0].Payload))
	require.Equal(t, senderID, deliveries[0].Source)

	finished := l.s.DrainFinished()
	require.Len(t, finished, 1)
	require.Equal(t, id, finished[0].ID)
}

func TestCompletesUnderRandomLossAndReordering(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.WindowSize = 4
	cfg.ReceiveTimeout = 5 * time.Minute
	l := newLink(t, cfg)

	rng := rand.New(rand.NewSource(42))
	l.dropData = func(protocol.Message) bool { return rng.Float64() < 0.2 }
	l.dropAck = func(protocol.Message) bool { return rng.Float64() < 0.2 }

	data := payload(3000)
	id, err := l.s.Transmit(receiverID, data, t0)
	require.NoError(t, err)

	// Acks are applied in reverse order to exercise out-of-order completion.
	now := t0
	for i := 0; i < 20000; i++ {
		l.s.Tick(now)
		for _, m := range l.data.drain() {
			if !l.dropData(m) {
				l.r.HandleData(m, now)
			}
		}
		pending := l.acks.drain()
		for j := len(pending) - 1; j >= 0; j-- {
			if !l.dropAck(pending[j]) {
				l.s.HandleAck(pending[j], now)
			}
		}
		if st, _ := l.s.Status(id); st.State.Terminal() {
			break
		}
		now = now.Add(100 * time.Millisecond)
	}

	st, _ := l.s.Status(id)
	require.Equal(t, model.TransmissionCompleted, st.State)
	require.Equal(t, st.TotalChunks, st.ChunksAcked)
	deliveries := l.r.DrainDeliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, data, deliveries[0].Payload)
}

func TestRetriesExhaustedFails(t *testing.T) {
	l := newLink(t, testConfig())
	l.dropData = func(m protocol.Message) bool { return m.ChunkIndex == 3 }

	id, err := l.s.Transmit(receiverID, payload(1000), t0)
	require.NoError(t, err)
	l.run(id, t0, 10*time.Minute)

	st, _ := l.s.Status(id)
	require.Equal(t, model.TransmissionFailed, st.State)
	require.Equal(t, 3, st.FailedChunk)

	var failed *TransmissionFailedError
	require.True(t, errors.As(st.Err, &failed))
	require.Equal(t, 3, failed.ChunkIndex)
	require.Equal(t, 4, failed.Attempts)
	require.ErrorIs(t, st.Err, ErrRetriesExhausted)
	require.Empty(t, l.r.DrainDeliveries())
}

func TestTransmitValidation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueued = 2
	cfg.ChunkSize = 1
	s := NewSender(cfg, senderID, &wire{}, nil)

	_, err := s.Transmit(receiverID, nil, t0)
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = s.Transmit(model.NoNode, []byte{1}, t0)
	require.ErrorIs(t, err, ErrNoDestination)

	_, err = s.Transmit(receiverID, make([]byte, 0x10000), t0)
	require.ErrorIs(t, err, ErrTooManyChunks)

	first, err := s.Transmit(receiverID, []byte{1}, t0)
	require.NoError(t, err)
	second, err := s.Transmit(receiverID, []byte{2}, t0)
	require.NoError(t, err)
	require.Greater(t, second, first)

	_, err = s.Transmit(receiverID, []byte{3}, t0)
	require.ErrorIs(t, err, ErrQueueFull)

	require.NoError(t, s.Cancel(first, t0))
	_, err = s.Transmit(receiverID, []byte{3}, t0)
	require.NoError(t, err, "cancel should free a slot")
}

func TestTransmissionsAreSequential(t *testing.T) {
	l := newLink(t, testConfig())
	a, err := l.s.Transmit(receiverID, payload(600), t0)
	require.NoError(t, err)
	b, err := l.s.Transmit(receiverID, payload(100), t0)
	require.NoError(t, err)

	l.s.Tick(t0)
	for _, m := range l.data.msgs {
		require.Equal(t, a, m.TransmissionID, "only the head transmission may send")
	}
	st, _ := l.s.Status(b)
	require.Equal(t, model.TransmissionQueued, st.State)
	require.Len(t, l.data.msgs, 2, "window of 2 chunks")

	end := l.run(a, t0, time.Minute)
	l.run(b, end, time.Minute)
	st, _ = l.s.Status(b)
	require.Equal(t, model.TransmissionCompleted, st.State)
	require.Len(t, l.r.DrainDeliveries(), 2)
}

func TestCancel(t *testing.T) {
	s := NewSender(testConfig(), senderID, &wire{}, nil)
	id, err := s.Transmit(receiverID, payload(500), t0)
	require.NoError(t, err)
	s.Tick(t0)

	require.NoError(t, s.Cancel(id, t0.Add(time.Second)))
	st, _ := s.Status(id)
	require.Equal(t, model.TransmissionFailed, st.State)
	require.ErrorIs(t, st.Err, ErrCancelled)
	require.Equal(t, 0, s.Pending())

	require.ErrorIs(t, s.Cancel(id, t0), ErrAlreadyFinished)
	require.ErrorIs(t, s.Cancel(9999, t0), ErrUnknownTransmission)
}

func TestOverallTimeoutAndRetention(t *testing.T) {
	cfg := testConfig()
	cfg.TransmissionTimeout = 5 * time.Second
	cfg.MaxRetries = 100
	s := NewSender(cfg, senderID, &wire{}, nil)
	id, err := s.Transmit(receiverID, payload(10), t0)
	require.NoError(t, err)

	for now := t0; now.Sub(t0) <= 6*time.Second; now = now.Add(500 * time.Millisecond) {
		s.Tick(now)
	}
	st, ok := s.Status(id)
	require.True(t, ok)
	require.Equal(t, model.TransmissionFailed, st.State)
	require.ErrorIs(t, st.Err, ErrTransmissionTimeout)

	s.Tick(t0.Add(5*time.Second + cfg.Retention))
	_, ok = s.Status(id)
	require.False(t, ok, "terminal record should be purged after retention")
}

func TestReceiverDeduplicatesAndAcksEveryChunk(t *testing.T) {
	acks := &wire{}
	r, err := NewReceiver(testConfig(), receiverID, acks, nil)
	require.NoError(t, err)

	c0 := protocol.Data(senderID, receiverID, 7, 0, 2, []byte("ab"))
	c1 := protocol.Data(senderID, receiverID, 7, 1, 2, []byte("cd"))
	require.True(t, r.HandleData(c1, t0))
	require.True(t, r.HandleData(c1, t0))
	require.True(t, r.HandleData(c0, t0))
	require.True(t, r.HandleData(c0, t0))

	deliveries := r.DrainDeliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, []byte("abcd"), deliveries[0].Payload)
	require.Len(t, acks.drain(), 4)
	require.Equal(t, uint64(2), r.Stats().Duplicates)

	other := protocol.Data(senderID, 99, 8, 0, 1, []byte("x"))
	require.False(t, r.HandleData(other, t0), "frames for other nodes are ignored")
	require.Empty(t, acks.msgs)
}

func TestReceiverExpiresPartials(t *testing.T) {
	r, err := NewReceiver(testConfig(), receiverID, &wire{}, nil)
	require.NoError(t, err)

	r.HandleData(protocol.Data(senderID, receiverID, 3, 0, 2, []byte("a")), t0)
	r.Tick(t0.Add(59 * time.Second))
	require.Equal(t, 1, r.Stats().Partials)
	r.Tick(t0.Add(60 * time.Second))
	require.Equal(t, 0, r.Stats().Partials)
	require.Equal(t, uint64(1), r.Stats().Expired)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ReceiveTimeout = 9 * time.Second
	require.Error(t, bad.Validate())

	bad = cfg
	bad.WindowSize = 5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.ChunkSize = 251
	require.Error(t, bad.Validate())
}

func TestRetryBudgetCoversEveryAttemptAndBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 1
	cfg.AckTimeout = 5 * time.Second
	cfg.MaxRetries = 3
	// 4 ack waits plus 500ms, 750ms and 1.125s of backoff.
	require.Equal(t, 22375*time.Millisecond, cfg.RetryBudget())

	cfg.ReceiveTimeout = 16 * time.Second
	require.Error(t, cfg.Validate(), "ack_timeout x max_retries alone is not enough")
	cfg.ReceiveTimeout = cfg.RetryBudget()
	require.Error(t, cfg.Validate())

	jittered := cfg
	jittered.RandomizationFactor = 0.5
	require.Greater(t, jittered.RetryBudget(), cfg.RetryBudget())

	capped := cfg
	capped.MaxBackoff = 600 * time.Millisecond
	require.Equal(t, 20*time.Second+1700*time.Millisecond, capped.RetryBudget())
}

func TestPartialSurvivesLongestValidRetry(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 1
	cfg.AckTimeout = 5 * time.Second
	cfg.MaxRetries = 3
	cfg.ReceiveTimeout = cfg.RetryBudget() + time.Second
	require.NoError(t, cfg.Validate())
	l := newLink(t, cfg)

	drops := 0
	l.dropData = func(m protocol.Message) bool {
		if m.ChunkIndex != 2 || drops == cfg.MaxRetries {
			return false
		}
		drops++
		return true
	}

	id, err := l.s.Transmit(receiverID, payload(5*cfg.ChunkSize), t0)
	require.NoError(t, err)
	l.run(id, t0, 2*time.Minute)

	st, _ := l.s.Status(id)
	require.Equal(t, model.TransmissionCompleted, st.State)
	require.Equal(t, 5, st.ChunksAcked)
	require.Equal(t, cfg.MaxRetries, drops)

	require.Len(t, l.r.DrainDeliveries(), 1)
	require.Zero(t, l.r.Stats().Expired)
}

// Package natsradio bridges a mesh node onto a NATS subject. Gateways and
// host-side simulators use it in place of a LoRa modem: every node on the
// subject hears every other node, as on a shared radio channel.
package natsradio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Header keys set on every published frame.
const (
	HeaderSource = "Mesh-Source"
	HeaderRSSI   = "Mesh-Rssi"
)

// DefaultSubject is the channel subject when none is configured.
const DefaultSubject = "wildcam.mesh.radio"

// Conn is the subset of *nats.Conn used by the adapter.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Config controls the bridge.
type Config struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	// Buffer bounds the number of frames held between ticks. Frames beyond
	// it are dropped by the NATS client as a slow consumer.
	Buffer int `yaml:"buffer"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

// Adapter implements transport.Adapter over NATS.
type Adapter struct {
	conn    Conn
	sub     *nats.Subscription
	subject string
	self    model.NodeID
	log     logging.Logger

	inbox chan *nats.Msg

	mu   sync.Mutex
	rssi int
}

var _ transport.Adapter = (*Adapter)(nil)

// Dial connects to the NATS server at cfg.URL and subscribes to the radio
// subject. Own frames are never echoed back.
func Dial(cfg Config, self model.NodeID, log logging.Logger) (*Adapter, *nats.Conn, error) {
	cfg.ApplyDefaults()
	nc, err := nats.Connect(cfg.URL,
		nats.Name(fmt.Sprintf("wildcam-%s", self)),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("natsradio: connect %s: %w", cfg.URL, err)
	}
	a, err := New(nc, cfg, self, log)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return a, nc, nil
}

// New subscribes on an existing connection.
func New(conn Conn, cfg Config, self model.NodeID, log logging.Logger) (*Adapter, error) {
	if conn == nil {
		return nil, errors.New("natsradio: nil connection")
	}
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	a := &Adapter{
		conn:    conn,
		subject: cfg.Subject,
		self:    self,
		log:     log,
		inbox:   make(chan *nats.Msg, cfg.Buffer),
		rssi:    transport.NominalRSSI,
	}
	sub, err := conn.ChanSubscribe(cfg.Subject, a.inbox)
	if err != nil {
		return nil, fmt.Errorf("natsradio: subscribe %s: %w", cfg.Subject, err)
	}
	a.sub = sub
	return a, nil
}

// Close unsubscribes from the radio subject.
func (a *Adapter) Close() error {
	if a.sub == nil {
		return nil
	}
	return a.sub.Unsubscribe()
}

// Send publishes frame on the radio subject.
func (a *Adapter) Send(frame []byte) bool {
	msg := nats.NewMsg(a.subject)
	msg.Data = frame
	msg.Header.Set(HeaderSource, strconv.FormatUint(uint64(a.self), 10))
	if err := a.conn.PublishMsg(msg); err != nil {
		a.log.Debug(context.Background(), "natsradio publish failed", logging.Err(err))
		return false
	}
	return true
}

// Receive polls the subscription buffer.
func (a *Adapter) Receive() ([]byte, bool) {
	for {
		select {
		case msg := <-a.inbox:
			if msg.Header.Get(HeaderSource) == strconv.FormatUint(uint64(a.self), 10) {
				// Echo from a connection without NoEcho.
				continue
			}
			rssi := transport.NominalRSSI
			if v := msg.Header.Get(HeaderRSSI); v != "" {
				if parsed, err := strconv.Atoi(v); err == nil {
					rssi = parsed
				}
			}
			a.mu.Lock()
			a.rssi = rssi
			a.mu.Unlock()
			return msg.Data, true
		default:
			return nil, false
		}
	}
}

// SignalQuality returns the RSSI carried by the last frame, or the nominal
// value when the publisher did not measure one.
func (a *Adapter) SignalQuality() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rssi
}

// PendingCount returns the number of buffered frames.
func (a *Adapter) PendingCount() int {
	return len(a.inbox)
}

// Package uplink forwards what a gateway node learns from the mesh to an
// MQTT broker: topology snapshots, reassembled payloads and transmission
// outcomes.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// ErrConnectTimeout is returned by Dial when the broker does not answer in
// time.
var ErrConnectTimeout = errors.New("mqtt connect timeout")

// Publisher is the subset of pahomqtt.Client the uplink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Config selects the broker and topic layout.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "wildcam/mesh"
	}
	c.TopicPrefix = strings.TrimSuffix(c.TopicPrefix, "/")
	if c.QoS > 2 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Stats counts publish outcomes.
type Stats struct {
	Published uint64
	Failed    uint64
}

// Uplink is safe for concurrent use.
type Uplink struct {
	cfg    Config
	pub    Publisher
	log    logging.Logger
	client pahomqtt.Client

	published atomic.Uint64
	failed    atomic.Uint64
}

// Dial connects to the configured broker.
func Dial(cfg Config, log logging.Logger) (*Uplink, error) {
	cfg.ApplyDefaults()
	if cfg.Broker == "" {
		return nil, errors.New("uplink: broker URL is required")
	}
	if log == nil {
		log = logging.Noop()
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("wildcam-mesh-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn(context.Background(), "MQTT connection lost", logging.Err(err))
	})
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info(context.Background(), "MQTT connected", logging.String("broker", cfg.Broker))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("uplink: %s: %w", cfg.Broker, ErrConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("uplink: connect %s: %w", cfg.Broker, err)
	}
	u := New(cfg, client, log)
	u.client = client
	return u, nil
}

// New wraps an existing publisher.
func New(cfg Config, pub Publisher, log logging.Logger) *Uplink {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Uplink{cfg: cfg, pub: pub, log: log}
}

// Close disconnects a client created by Dial.
func (u *Uplink) Close() {
	if u.client != nil {
		u.client.Disconnect(250)
	}
}

// TopologyTopic is where snapshots for node are published.
func (u *Uplink) TopologyTopic(node model.NodeID) string {
	return fmt.Sprintf("%s/topology/%d", u.cfg.TopicPrefix, uint32(node))
}

// PayloadTopic is where a reassembled payload is published.
func (u *Uplink) PayloadTopic(src model.NodeID, id uint32) string {
	return fmt.Sprintf("%s/payload/%d/%d", u.cfg.TopicPrefix, uint32(src), id)
}

// TransmissionTopic is where the outcome of an outbound transmission is
// published.
func (u *Uplink) TransmissionTopic(node model.NodeID, id uint32) string {
	return fmt.Sprintf("%s/transmission/%d/%d", u.cfg.TopicPrefix, uint32(node), id)
}

// PublishTopology publishes t as retained JSON.
func (u *Uplink) PublishTopology(t model.Topology) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("uplink: encode topology: %w", err)
	}
	u.publish(u.TopologyTopic(t.LocalID), true, raw)
	return nil
}

// PublishPayload publishes the raw payload bytes.
func (u *Uplink) PublishPayload(d rtp.Delivery) {
	u.publish(u.PayloadTopic(d.Source, d.TransmissionID), false, d.Payload)
}

type transmissionReport struct {
	model.TransmissionStatus
	Error string `json:"error,omitempty"`
}

// PublishTransmission publishes a finished transmission's status as JSON.
func (u *Uplink) PublishTransmission(node model.NodeID, st model.TransmissionStatus) error {
	rep := transmissionReport{TransmissionStatus: st}
	if st.Err != nil {
		rep.Error = st.Err.Error()
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("uplink: encode transmission: %w", err)
	}
	u.publish(u.TransmissionTopic(node, st.ID), false, raw)
	return nil
}

// publish never blocks the mesh tick: completed tokens are checked inline,
// pending ones by a goroutine.
func (u *Uplink) publish(topic string, retained bool, payload []byte) {
	tok := u.pub.Publish(topic, u.cfg.QoS, retained, payload)
	select {
	case <-tok.Done():
		u.settle(topic, tok)
	default:
		go func() {
			if !tok.WaitTimeout(u.cfg.ConnectTimeout) {
				u.failed.Add(1)
				u.log.Warn(context.Background(), "MQTT publish timed out", logging.String("topic", topic))
				return
			}
			u.settle(topic, tok)
		}()
	}
}

func (u *Uplink) settle(topic string, tok pahomqtt.Token) {
	if err := tok.Error(); err != nil {
		u.failed.Add(1)
		u.log.Warn(context.Background(), "MQTT publish failed", logging.String("topic", topic), logging.Err(err))
		return
	}
	u.published.Add(1)
}

// Stats returns publish counters.
func (u *Uplink) Stats() Stats {
	return Stats{Published: u.published.Load(), Failed: u.failed.Load()}
}

// Callbacks returns mesh callbacks that forward node events for node to the
// broker. next, if set, is invoked after each forward.
func (u *Uplink) Callbacks(node model.NodeID, next mesh.Callbacks) mesh.Callbacks {
	cb := next
	cb.OnTopologyChanged = func(t model.Topology) {
		if err := u.PublishTopology(t); err != nil {
			u.log.Warn(context.Background(), "Topology not forwarded", logging.Err(err))
		}
		if next.OnTopologyChanged != nil {
			next.OnTopologyChanged(t)
		}
	}
	cb.OnPayload = func(d rtp.Delivery) {
		u.PublishPayload(d)
		if next.OnPayload != nil {
			next.OnPayload(d)
		}
	}
	cb.OnTransmissionDone = func(st model.TransmissionStatus) {
		if err := u.PublishTransmission(node, st); err != nil {
			u.log.Warn(context.Background(), "Transmission outcome not forwarded", logging.Err(err))
		}
		if next.OnTransmissionDone != nil {
			next.OnTransmissionDone(st)
		}
	}
	return cb
}

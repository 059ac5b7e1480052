package uplink

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	msgs []published
	err  error
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	b.msgs = append(b.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return doneToken{err: b.err}
}

func TestPublishTopologyRetained(t *testing.T) {
	b := &fakeBroker{}
	u := New(Config{TopicPrefix: "site/north/", QoS: 1}, b, nil)

	require.NoError(t, u.PublishTopology(model.Topology{LocalID: 5, CoordinatorID: 5, Version: 3}))
	require.Len(t, b.msgs, 1)
	require.Equal(t, "site/north/topology/5", b.msgs[0].topic)
	require.True(t, b.msgs[0].retained)
	require.Equal(t, byte(1), b.msgs[0].qos)

	var got model.Topology
	require.NoError(t, json.Unmarshal(b.msgs[0].payload, &got))
	require.Equal(t, uint64(3), got.Version)
	require.Equal(t, Stats{Published: 1}, u.Stats())
}

func TestCallbacksForwardAndChain(t *testing.T) {
	b := &fakeBroker{}
	u := New(Config{}, b, nil)

	var chained int
	cb := u.Callbacks(5, mesh.Callbacks{
		OnPayload: func(rtp.Delivery) { chained++ },
	})

	cb.OnPayload(rtp.Delivery{Source: 12, TransmissionID: 4, Payload: []byte("jpeg")})
	cb.OnTransmissionDone(model.TransmissionStatus{ID: 9, State: model.TransmissionFailed, Err: rtp.ErrCancelled})

	require.Equal(t, 1, chained)
	require.Len(t, b.msgs, 2)
	require.Equal(t, "wildcam/mesh/payload/12/4", b.msgs[0].topic)
	require.Equal(t, []byte("jpeg"), b.msgs[0].payload)
	require.False(t, b.msgs[0].retained)

	require.Equal(t, "wildcam/mesh/transmission/5/9", b.msgs[1].topic)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(b.msgs[1].payload, &rep))
	require.Equal(t, "FAILED", rep["state"])
	require.Equal(t, rtp.ErrCancelled.Error(), rep["error"])
}

func TestPublishFailureCounted(t *testing.T) {
	b := &fakeBroker{err: errors.New("not connected")}
	u := New(Config{}, b, nil)
	u.PublishPayload(rtp.Delivery{Source: 1, TransmissionID: 1, Payload: []byte{1}})
	require.Equal(t, Stats{Failed: 1}, u.Stats())
}

func TestDialRequiresBroker(t *testing.T) {
	_, err := Dial(Config{}, nil)
	require.Error(t, err)
}

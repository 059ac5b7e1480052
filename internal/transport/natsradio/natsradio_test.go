package natsradio

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport"
)

// loopConn fans published messages out to every subscribed channel.
type loopConn struct {
	subs    []chan *nats.Msg
	failing bool
}

func (c *loopConn) PublishMsg(m *nats.Msg) error {
	if c.failing {
		return errors.New("connection closed")
	}
	for _, ch := range c.subs {
		ch <- m
	}
	return nil
}

func (c *loopConn) ChanSubscribe(_ string, ch chan *nats.Msg) (*nats.Subscription, error) {
	c.subs = append(c.subs, ch)
	return nil, nil
}

func TestFramesCrossBetweenAdapters(t *testing.T) {
	conn := &loopConn{}
	a, err := New(conn, Config{}, 1, nil)
	require.NoError(t, err)
	b, err := New(conn, Config{}, 2, nil)
	require.NoError(t, err)

	require.True(t, a.Send([]byte("ping")))

	// Shared loop connection echoes to the sender too; the source header
	// filters it.
	_, ok := a.Receive()
	require.False(t, ok)

	require.Equal(t, 1, b.PendingCount())
	frame, ok := b.Receive()
	require.True(t, ok)
	require.Equal(t, []byte("ping"), frame)
	require.Equal(t, transport.NominalRSSI, b.SignalQuality())
}

func TestRSSIHeaderIsReported(t *testing.T) {
	conn := &loopConn{}
	b, err := New(conn, Config{Buffer: 4}, 2, nil)
	require.NoError(t, err)

	msg := nats.NewMsg(DefaultSubject)
	msg.Data = []byte{1}
	msg.Header.Set(HeaderSource, "9")
	msg.Header.Set(HeaderRSSI, "-103")
	require.NoError(t, conn.PublishMsg(msg))

	_, ok := b.Receive()
	require.True(t, ok)
	require.Equal(t, -103, b.SignalQuality())
}

func TestSendReportsPublishFailure(t *testing.T) {
	conn := &loopConn{failing: true}
	a, err := New(conn, Config{}, 1, nil)
	require.NoError(t, err)
	require.False(t, a.Send([]byte{1}))
	require.NoError(t, a.Close())
}

func TestNewRejectsNilConn(t *testing.T) {
	_, err := New(nil, Config{}, 1, nil)
	require.Error(t, err)
}

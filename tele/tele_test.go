package tele

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/beacon"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func NewTestContext(t testing.TB) (context.Context, *MqttMock) {
	broker := NewMqttMock()
	ctx := context.WithValue(context.Background(), log2.ContextKey, log2.NewTest(t, log2.LDebug))
	ctx = ContextWithMqttMock(ctx, broker)
	return ctx, broker
}

func newTestTransport(t testing.TB) (*Transport, *MqttMock) {
	ctx, broker := NewTestContext(t)
	tr, err := NewTransport(ctx, Config{MqttBroker: "mock", NetworkTimeoutSec: 1}, log2.ContextValueLogger(ctx))
	require.NoError(t, err)
	return tr, broker
}

func TestTransportPublish(t *testing.T) {
	t.Parallel()
	tr, broker := newTestTransport(t)
	defer tr.Close()
	assert.Eventually(t, tr.Connected, time.Second, time.Millisecond)
	assert.Equal(t, "smartmeter/power", tr.Topic("power"))
	assert.Equal(t, "sensorcast", broker.Opt.ClientID)

	require.NoError(t, tr.Publish(tr.Topic("power"), 1, false, []byte("12.5")))
	msg := <-broker.Pub
	assert.Equal(t, "smartmeter/power", msg.T)
	assert.Equal(t, "12.5", string(msg.P))
	assert.Equal(t, byte(1), msg.Q)

	broker.FailPublish(1, errors.New("network"))
	assert.Error(t, tr.Publish("x", 1, false, []byte("1")))
	broker.FailPublish(1, errors.Timeoutf("ack"))
	err := tr.Publish("x", 1, false, []byte("1"))
	assert.True(t, errors.IsTimeout(err))
	published, failed := tr.Stat()
	assert.Equal(t, uint32(1), published)
	assert.Equal(t, uint32(2), failed)
}

func TestTransportConfig(t *testing.T) {
	t.Parallel()
	ctx, _ := NewTestContext(t)
	_, err := NewTransport(ctx, Config{}, nil)
	assert.True(t, errors.IsNotValid(err))
	_, err = NewTransport(ctx, Config{MqttBroker: "mock", TlsCaFile: "/nonexistent/ca.pem"}, nil)
	assert.Error(t, err)
}

func TestAdvertiserBeacon(t *testing.T) {
	t.Parallel()
	tr, broker := newTestTransport(t)
	defer tr.Close()
	adv := NewAdvertiser(tr, "")
	topic := "smartmeter/beacon"

	assert.Error(t, adv.Start())
	s := beacon.New(adv, 50*time.Millisecond, log2.NewTest(t, log2.LDebug))
	f := frame.Frame{Ciphertext: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, s.Publish(f))
	b, ok := broker.Retained(topic)
	assert.True(t, ok)
	assert.Equal(t, f.Envelope(), b)

	f.Nonce[0] = 1
	require.NoError(t, s.Publish(f))
	b, _ = broker.Retained(topic)
	assert.Equal(t, f.Envelope(), b)

	assert.Eventually(t, func() bool { return s.State() == beacon.Idle }, time.Second, time.Millisecond)
	_, ok = broker.Retained(topic)
	assert.False(t, ok)
	assert.NoError(t, adv.Stop())
}

package beacon

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdvertiser struct {
	mu         sync.Mutex
	payload    []byte
	running    bool
	starts     int
	stops      int
	setErr     error
	startErr   error
	lastStopAt time.Time
}

func (f *fakeAdvertiser) SetPayload(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.payload = append([]byte(nil), b...)
	return nil
}

func (f *fakeAdvertiser) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	if f.running {
		return ErrAlreadyAdvertising
	}
	f.running = true
	return nil
}

func (f *fakeAdvertiser) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	f.lastStopAt = time.Now()
	return nil
}

func (f *fakeAdvertiser) get() (payload []byte, running bool, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, f.running, f.stops
}

func testFrame(b byte) frame.Frame {
	f := frame.Frame{Ciphertext: []byte{b, b, b, b, b, b, b, b}}
	f.Nonce[0] = b
	return f
}

func TestDoublePublish(t *testing.T) {
	t.Parallel()
	adv := &fakeAdvertiser{}
	const window = 200 * time.Millisecond
	s := New(adv, window, log2.NewTest(t, log2.LDebug))

	require.NoError(t, s.Publish(testFrame(1)))
	time.Sleep(window / 2)
	second := time.Now()
	require.NoError(t, s.Publish(testFrame(2)))
	assert.Equal(t, Advertising, s.State())

	// past first window, timer was re-armed
	time.Sleep(window*3/4 + 10*time.Millisecond)
	payload, running, stops := adv.get()
	assert.True(t, running)
	assert.Equal(t, 0, stops)
	assert.Equal(t, testFrame(2).Envelope(), payload)

	assert.Eventually(t, func() bool { return s.State() == Idle }, 2*time.Second, 10*time.Millisecond)
	_, running, stops = adv.get()
	assert.False(t, running)
	assert.Equal(t, 1, stops)
	adv.mu.Lock()
	assert.True(t, adv.lastStopAt.Sub(second) >= window)
	assert.Equal(t, 2, adv.starts)
	adv.mu.Unlock()
}

func TestPublishFailureRetry(t *testing.T) {
	t.Parallel()
	adv := &fakeAdvertiser{setErr: errors.New("radio busy")}
	s := New(adv, time.Hour, log2.NewTest(t, log2.LDebug))
	defer s.Close()

	err := s.Publish(testFrame(1))
	assert.Error(t, err)
	assert.Equal(t, Idle, s.State())

	adv.mu.Lock()
	adv.setErr = nil
	adv.startErr = errors.New("start failed")
	adv.mu.Unlock()
	assert.Error(t, s.Publish(testFrame(2)))
	assert.Equal(t, Idle, s.State())

	adv.mu.Lock()
	adv.startErr = nil
	adv.mu.Unlock()
	require.NoError(t, s.Publish(testFrame(3)))
	assert.Equal(t, Advertising, s.State())
	payload, running, _ := adv.get()
	assert.True(t, running)
	assert.Equal(t, testFrame(3).Envelope(), payload)
}

func TestClose(t *testing.T) {
	t.Parallel()
	adv := &fakeAdvertiser{}
	s := New(adv, 50*time.Millisecond, log2.NewTest(t, log2.LDebug))
	require.NoError(t, s.Publish(testFrame(1)))
	require.NoError(t, s.Close())
	_, running, stops := adv.get()
	assert.False(t, running)
	assert.Equal(t, 1, stops)

	// fired timer after close must not stop again
	time.Sleep(100 * time.Millisecond)
	_, _, stops = adv.get()
	assert.Equal(t, 1, stops)
	assert.Error(t, s.Publish(testFrame(2)))
	assert.Equal(t, "advertising", Advertising.String())
}

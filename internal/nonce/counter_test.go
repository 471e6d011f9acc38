package nonce

import (
	"fmt"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type saveCall struct {
	key   string
	value Uint128
}

type testStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   []saveCall
	failNow bool
	loadErr error
}

func newTestStore() *testStore { return &testStore{data: make(map[string][]byte)} }

func (s *testStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.data[key], nil
}

func (s *testStore) Save(key string, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNow {
		return errors.New("flash write failed")
	}
	var v Uint128
	if err := v.UnmarshalBinary(b); err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), b...)
	s.saves = append(s.saves, saveCall{key, v})
	return nil
}

func (s *testStore) setFail(b bool) {
	s.mu.Lock()
	s.failNow = b
	s.mu.Unlock()
}

func (s *testStore) preset(key string, v Uint128) {
	b, _ := v.MarshalBinary()
	s.data[key] = b
}

func TestOpenStartup(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		preset *Uint128
		expect Uint128
	}{
		{"absent", nil, FromUint64(1024)},
		{"loaded", &Uint128{Lo: 5000}, FromUint64(6024)},
		{"carry", &Uint128{Lo: ^uint64(0)}, Uint128{Hi: 1, Lo: 1023}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			store := newTestStore()
			if c.preset != nil {
				store.preset(DefaultKey, *c.preset)
			}
			cnt, err := Open(store, "", 0, log2.NewTest(t, log2.LDebug))
			require.NoError(t, err)
			assert.Equal(t, c.expect, cnt.Value())
			assert.Equal(t, c.expect, cnt.Checkpointed())
			require.Len(t, store.saves, 1)
			assert.Equal(t, saveCall{DefaultKey, c.expect}, store.saves[0])
		})
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	store := newTestStore()
	store.loadErr = errors.New("settings unavailable")
	_, err := Open(store, "", 0, log)
	assert.Error(t, err)

	store = newTestStore()
	store.data[DefaultKey] = []byte{1, 2, 3}
	_, err = Open(store, "", 0, log)
	assert.True(t, errors.IsNotValid(errors.Cause(err)), "err=%v", err)

	store = newTestStore()
	store.setFail(true)
	_, err = Open(store, "", 0, log)
	assert.True(t, IsCheckpointError(err), "err=%v", err)

	store = newTestStore()
	store.preset(DefaultKey, Uint128{Hi: ^uint64(0), Lo: ^uint64(0) - 10})
	_, err = Open(store, "", 0, log)
	assert.Equal(t, ErrCounterExhausted, errors.Cause(err))
}

func TestNextMonotonic(t *testing.T) {
	t.Parallel()
	rand := helpers.RandUnix()
	store := newTestStore()
	cnt, err := Open(store, "", 64, log2.NewTest(t, log2.LInfo))
	require.NoError(t, err)

	n := 1000 + rand.Intn(2000)
	seen := make(map[[NonceSize]byte]struct{}, n)
	prev := cnt.Value()
	for i := 0; i < n; i++ {
		b, err := cnt.Next()
		require.NoError(t, err)
		v := FromNonce(b[:])
		require.Equal(t, 1, v.Cmp(prev), "step=%d", i)
		next, _ := prev.Inc()
		require.Equal(t, next, v)
		_, dup := seen[b]
		require.False(t, dup)
		seen[b] = struct{}{}
		prev = v
	}
}

func TestCheckpointEveryK(t *testing.T) {
	t.Parallel()
	store := newTestStore()
	cnt, err := Open(store, "", DefaultCheckpointInterval, log2.NewTest(t, log2.LInfo))
	require.NoError(t, err)
	require.Len(t, store.saves, 1)

	for i := 0; i < 1024; i++ {
		_, err := cnt.Next()
		require.NoError(t, err)
	}
	require.Len(t, store.saves, 2)
	// startup skip-ahead 0+1024, then exactly one K-aligned write after 1024 increments
	assert.Equal(t, FromUint64(1024), store.saves[0].value)
	assert.Equal(t, FromUint64(2048), store.saves[1].value)
}

func TestRestartNeverReuses(t *testing.T) {
	t.Parallel()
	const k = 32
	rand := helpers.RandUnix()
	log := log2.NewTest(t, log2.LInfo)
	store := newTestStore()

	var max Uint128
	for restart := 0; restart < 20; restart++ {
		cnt, err := Open(store, "", k, log)
		require.NoError(t, err)
		// first value handed out after restart is above everything used before
		b, err := cnt.Next()
		require.NoError(t, err)
		first := FromNonce(b[:])
		if !max.IsZero() {
			require.Equal(t, 1, first.Cmp(max), "restart=%d first=%s max=%s", restart, first, max)
		}
		max = first
		// simulated crash after M increments past last checkpoint, M < K
		m := rand.Intn(3*k) + 1
		for i := 0; i < m; i++ {
			b, err := cnt.Next()
			require.NoError(t, err)
			max = FromNonce(b[:])
		}
	}
}

func TestCheckpointFailureDropsFrame(t *testing.T) {
	t.Parallel()
	const k = 4
	store := newTestStore()
	cnt, err := Open(store, "", k, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)

	for i := 0; i < k-1; i++ {
		_, err = cnt.Next()
		require.NoError(t, err)
	}
	store.setFail(true)
	_, err = cnt.Next()
	require.True(t, IsCheckpointError(err))
	// still failing: retry write, no nonce handed out, value unchanged
	_, err = cnt.Next()
	require.True(t, IsCheckpointError(err))
	assert.Equal(t, FromUint64(2*k), cnt.Value())

	store.setFail(false)
	b, err := cnt.Next()
	require.NoError(t, err)
	assert.Equal(t, FromUint64(2*k+1), FromNonce(b[:]))
	assert.Equal(t, FromUint64(2*k), cnt.Checkpointed())
}

func TestExhausted(t *testing.T) {
	t.Parallel()
	store := newTestStore()
	// largest 96 bit value minus skip-ahead minus 2
	max96 := Uint128{Hi: 1<<32 - 1, Lo: ^uint64(0)}
	start := Uint128{Hi: max96.Hi, Lo: max96.Lo - 8 - 2}
	store.preset(DefaultKey, start)
	cnt, err := Open(store, "", 8, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)

	_, err = cnt.Next()
	require.NoError(t, err)
	b, err := cnt.Next()
	require.NoError(t, err)
	assert.Equal(t, max96, FromNonce(b[:]))
	_, err = cnt.Next()
	assert.Equal(t, ErrCounterExhausted, err)
	assert.True(t, cnt.Exhausted())
	_, err = cnt.Next()
	assert.Equal(t, ErrCounterExhausted, err)
}

func TestExhaustedRestart(t *testing.T) {
	t.Parallel()
	store := newTestStore()
	max96 := Uint128{Hi: 1<<32 - 1, Lo: ^uint64(0)}
	store.preset(DefaultKey, max96)
	log := log2.NewTest(t, log2.LDebug)

	// restart loop must not write checkpoint again and again
	for i := 0; i < 3; i++ {
		_, err := Open(store, "", 8, log)
		require.Error(t, err)
		assert.Equal(t, ErrCounterExhausted, errors.Cause(err), "restart=%d", i)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.saves)
	var kept Uint128
	require.NoError(t, kept.UnmarshalBinary(store.data[DefaultKey]))
	assert.Equal(t, max96, kept)
}

func TestUint128(t *testing.T) {
	t.Parallel()
	v := Uint128{Hi: 3, Lo: 7}
	assert.Equal(t, uint32((3*(1<<64%1024)+7)%1024), v.Rem(1024))
	assert.Equal(t, uint32(0), FromUint64(2048).Rem(1024))
	_, ok := Uint128{Hi: ^uint64(0), Lo: ^uint64(0)}.Inc()
	assert.False(t, ok)

	var b [NonceSize]byte
	v = Uint128{Hi: 0x0102, Lo: 0x1122334455667788}
	v.PutNonce(b[:])
	assert.Equal(t, "887766554433221102010000", helpersHex(b[:]))
	assert.Equal(t, v, FromNonce(b[:]))
	assert.False(t, Uint128{Hi: 1 << 32}.FitsNonce())
	assert.Equal(t, "0x1021122334455667788", Uint128{Hi: 0x102, Lo: 0x1122334455667788}.String())
}

func helpersHex(b []byte) string { return fmt.Sprintf("%x", b) }

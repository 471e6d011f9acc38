package aggregate

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPower() *Aggregator {
	return New(
		Field{Name: "active_power", Mode: Average},
		Field{Name: "active_energy", Mode: Latest},
	)
}

func TestDrainAverage(t *testing.T) {
	t.Parallel()
	a := newPower()
	a.Accumulate(Sample{"active_power": 10, "active_energy": 100})
	a.Accumulate(Sample{"active_power": 20, "active_energy": 101})
	a.Accumulate(Sample{"active_power": 30, "active_energy": 102})
	assert.Equal(t, 3, a.Count())

	s, ok := a.Drain()
	require.True(t, ok)
	assert.Equal(t, 20.0, s["active_power"])
	assert.Equal(t, 102.0, s["active_energy"])
	assert.Equal(t, 0, a.Count())

	// nothing new: NaN average, energy kept
	s, ok = a.Drain()
	assert.False(t, ok)
	assert.True(t, math.IsNaN(s["active_power"]))
	assert.Equal(t, 102.0, s["active_energy"])
}

func TestEmptyFromStart(t *testing.T) {
	t.Parallel()
	s, ok := newPower().Drain()
	assert.False(t, ok)
	assert.True(t, math.IsNaN(s["active_power"]))
	assert.Equal(t, 0.0, s["active_energy"])
}

func TestSnapshotDiscardKeepsLate(t *testing.T) {
	t.Parallel()
	a := newPower()
	a.Accumulate(Sample{"active_power": 10})
	a.Accumulate(Sample{"active_power": 30})
	snap := a.Snapshot()
	assert.Equal(t, 20.0, snap.Sample["active_power"])
	assert.Equal(t, 2, snap.Count)

	// snapshot without discard is repeatable, e.g. channel busy
	assert.Equal(t, snap.Sample, a.Snapshot().Sample)

	a.Accumulate(Sample{"active_power": 7})
	a.Discard(snap)
	s, ok := a.Drain()
	assert.True(t, ok)
	assert.Equal(t, 7.0, s["active_power"])
}

func TestPartialFields(t *testing.T) {
	t.Parallel()
	a := newPower()
	a.Accumulate(Sample{"active_power": 4, "unknown": 1})
	a.Accumulate(Sample{"active_energy": 9})
	s, ok := a.Drain()
	assert.True(t, ok)
	assert.Equal(t, 4.0, s["active_power"])
	assert.Equal(t, 9.0, s["active_energy"])
	_, present := s["unknown"]
	assert.False(t, present)
}

func TestConcurrentAccumulate(t *testing.T) {
	t.Parallel()
	const workers, n = 8, 500
	a := newPower()
	wg := sync.WaitGroup{}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				a.Accumulate(Sample{"active_power": 2})
			}
		}()
	}
	total := 0
	for i := 0; i < 10; i++ {
		snap := a.Snapshot()
		total += snap.Count
		a.Discard(snap)
	}
	wg.Wait()
	snap := a.Snapshot()
	total += snap.Count
	a.Discard(snap)
	assert.Equal(t, workers*n, total)
	assert.Equal(t, 0, a.Count())
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	m, err := ParseMode("latest")
	assert.NoError(t, err)
	assert.Equal(t, Latest, m)
	m, err = ParseMode("")
	assert.NoError(t, err)
	assert.Equal(t, Average, m)
	_, err = ParseMode("median")
	assert.Error(t, err)
	assert.Equal(t, "active_power=1.5 x=2", Sample{"x": 2, "active_power": 1.5}.String())
}

// Package aggregate reduces samples arriving faster than transmission cadence
// into one representative sample per frame.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sample is set of named readings from acquisition source.
type Sample map[string]float64

func (s Sample) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, s[k])
	}
	return strings.Join(parts, " ")
}

type Mode uint8

const (
	// Mean of values since last drain. NaN when none.
	Average Mode = iota
	// Most recent value, kept across drains.
	Latest
)

func (m Mode) String() string {
	switch m {
	case Average:
		return "average"
	case Latest:
		return "latest"
	}
	return fmt.Sprintf("Mode(%d)", m)
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "average", "avg":
		return Average, nil
	case "latest", "last":
		return Latest, nil
	}
	return 0, fmt.Errorf("unknown aggregate mode=%s", s)
}

type Field struct {
	Name string
	Mode Mode
}

// Aggregator is safe for concurrent use.
// Accumulate is called from acquisition goroutines,
// Snapshot/Discard from single sender goroutine.
type Aggregator struct {
	mu     sync.Mutex
	fields []Field
	sums   []float64
	counts []int
	latest []float64
	count  int
}

func New(fields ...Field) *Aggregator {
	return &Aggregator{
		fields: append([]Field(nil), fields...),
		sums:   make([]float64, len(fields)),
		counts: make([]int, len(fields)),
		latest: make([]float64, len(fields)),
	}
}

func (a *Aggregator) Fields() []Field { return append([]Field(nil), a.fields...) }

// Accumulate never blocks beyond short mutex. Unknown names are ignored.
func (a *Aggregator) Accumulate(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.fields {
		v, ok := s[f.Name]
		if !ok {
			continue
		}
		switch f.Mode {
		case Average:
			a.sums[i] += v
			a.counts[i]++
		case Latest:
			a.latest[i] = v
		}
	}
	a.count++
}

// Count of samples since last discard.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

type Snapshot struct {
	Sample Sample
	Count  int

	sums   []float64
	counts []int
}

// Snapshot returns representative sample without reset.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// Discard removes exactly what snap reported.
// Samples accumulated after Snapshot() stay for next frame.
func (a *Aggregator) Discard(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discard(snap)
}

// Drain is atomic Snapshot+Discard.
func (a *Aggregator) Drain() (Sample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.snapshot()
	a.discard(snap)
	return snap.Sample, snap.Count > 0
}

func (a *Aggregator) snapshot() Snapshot {
	snap := Snapshot{
		Sample: make(Sample, len(a.fields)),
		Count:  a.count,
		sums:   append([]float64(nil), a.sums...),
		counts: append([]int(nil), a.counts...),
	}
	for i, f := range a.fields {
		switch f.Mode {
		case Average:
			// zero count gives 0/0=NaN, receiver sees "no data since last send"
			snap.Sample[f.Name] = a.sums[i] / float64(a.counts[i])
		case Latest:
			snap.Sample[f.Name] = a.latest[i]
		}
	}
	return snap
}

func (a *Aggregator) discard(snap Snapshot) {
	for i := range a.fields {
		if i >= len(snap.counts) {
			break
		}
		a.counts[i] -= snap.counts[i]
		a.sums[i] -= snap.sums[i]
		if a.counts[i] <= 0 {
			a.counts[i] = 0
			a.sums[i] = 0
		}
	}
	a.count -= snap.Count
	if a.count < 0 {
		a.count = 0
	}
}

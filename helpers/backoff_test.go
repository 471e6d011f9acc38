package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		b      Backoff
		expect []time.Duration
	}{
		{"fixed", Backoff{Min: 5 * time.Second, Max: 5 * time.Second},
			[]time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}},
		{"exp", Backoff{Min: time.Second, Max: 5 * time.Second, K: 2},
			[]time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}},
		{"no-max", Backoff{Min: time.Second, K: 3},
			[]time.Duration{time.Second, 3 * time.Second, 9 * time.Second, 27 * time.Second, 81 * time.Second}},
		{"fraction", Backoff{Min: time.Second, Max: time.Minute, K: 1.5},
			[]time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond, 3375 * time.Millisecond}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			for i, e := range c.expect {
				assert.Equal(t, e, c.b.Failure(), "step=%d", i)
			}
			assert.NotZero(t, c.b.DelayBefore())
			c.b.Reset()
			assert.Equal(t, time.Duration(0), c.b.DelayBefore())
			assert.Equal(t, c.expect[0], c.b.Failure())
		})
	}
}

// Package acquire contains sample sources feeding aggregator.
// Sensor wire protocols are decoded elsewhere, sources here deliver named values.
package acquire

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/aggregate"
	"github.com/sensorcast/sensorcast/log2"
)

const DefaultTestPeriod = 5 * time.Second

// Handler must not block.
type Handler func(aggregate.Sample)

// TestEvents emits fixed sample every period, for bring-up without sensor.
func TestEvents(ctx context.Context, period time.Duration, sample aggregate.Sample, h Handler, log *log2.Log) error {
	if period <= 0 {
		period = DefaultTestPeriod
	}
	if sample == nil {
		sample = aggregate.Sample{"active_energy": 1, "active_power": 2}
	}
	tmr := time.NewTicker(period)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tmr.C:
			log.Debugf("acquire test event")
			h(copySample(sample))
		}
	}
}

// LineSource reads "name=value name=value" lines, one sample per line.
// Invalid lines are logged and skipped. io.EOF returns nil.
func LineSource(ctx context.Context, r io.Reader, h Handler, log *log2.Log) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := ParseLine(line)
		if err != nil {
			log.Errorf("acquire line=%q err=%v", line, err)
			continue
		}
		h(s)
	}
	return errors.Annotate(scanner.Err(), "acquire read")
}

func ParseLine(line string) (aggregate.Sample, error) {
	fields := strings.Fields(line)
	s := make(aggregate.Sample, len(fields))
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, errors.NotValidf("field=%q", f)
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return nil, errors.Annotatef(err, "field=%s", kv[0])
		}
		s[kv[0]] = v
	}
	return s, nil
}

func copySample(s aggregate.Sample) aggregate.Sample {
	c := make(aggregate.Sample, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

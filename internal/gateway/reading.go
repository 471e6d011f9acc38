package gateway

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/frame"
)

// denote value type in persistent queue bytes form
const qReading byte = 1

// Reading is authenticated frame content waiting for MQTT publish.
type Reading struct {
	Nonce    [frame.NonceSize]byte
	Received time.Time
	Sample   map[string]float64
}

// MarshalBinary: type, unix nanos, nonce, then (name length, name, float64 bits) sorted by name.
func (r *Reading) MarshalBinary() ([]byte, error) {
	names := make([]string, 0, len(r.Sample))
	for k := range r.Sample {
		if len(k) > math.MaxUint8 {
			return nil, errors.NotValidf("field name length=%d", len(k))
		}
		names = append(names, k)
	}
	sort.Strings(names)
	b := make([]byte, 0, 1+8+frame.NonceSize+len(names)*16)
	b = append(b, qReading)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.Received.UnixNano()))
	b = append(b, tmp[:]...)
	b = append(b, r.Nonce[:]...)
	for _, name := range names {
		b = append(b, byte(len(name)))
		b = append(b, name...)
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(r.Sample[name]))
		b = append(b, tmp[:]...)
	}
	return b, nil
}

func (r *Reading) UnmarshalBinary(b []byte) error {
	const head = 1 + 8 + frame.NonceSize
	if len(b) < head || b[0] != qReading {
		return errors.NotValidf("reading header (%x)", b)
	}
	r.Received = time.Unix(0, int64(binary.LittleEndian.Uint64(b[1:])))
	copy(r.Nonce[:], b[9:head])
	r.Sample = make(map[string]float64)
	for rest := b[head:]; len(rest) > 0; {
		n := int(rest[0])
		if len(rest) < 1+n+8 {
			return errors.NotValidf("reading field truncated (%x)", b)
		}
		name := string(rest[1 : 1+n])
		r.Sample[name] = math.Float64frombits(binary.LittleEndian.Uint64(rest[1+n:]))
		rest = rest[1+n+8:]
	}
	return nil
}

// Package gateway relays frames from serial LoRa receiver to MQTT.
// Frames are authenticated, checked against replay, queued durably and
// published as plain values.
package gateway

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/internal/aggregate"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/internal/nonce"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

const DefaultNonceKey = "gateway_nonce"

var ErrReplay = errors.New("frame nonce replayed")

// Satisfied by *tele.Transport.
type Publisher interface {
	Topic(suffix string) string
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

type Config struct {
	// spq directory, spq.OnlyForTesting for memory
	QueuePath string
	NonceKey  string
	Backoff   helpers.Backoff
}

type Stat struct {
	Received  uint32
	Rejected  uint32
	Replayed  uint32
	Published uint32
	NoData    uint32
}

type Gateway struct {
	log     *log2.Log
	codec   *frame.Codec
	store   nonce.Store
	pub     Publisher
	q       *spq.Queue
	alive   *alive.Alive
	backoff helpers.Backoff
	key     string

	// Run worker only: topics of queue head reading already published
	headNonce [frame.NonceSize]byte
	headSent  map[string]bool

	mu       sync.Mutex
	last     nonce.Uint128
	haveLast bool
	stat     Stat
}

func New(c Config, codec *frame.Codec, store nonce.Store, pub Publisher, log *log2.Log) (*Gateway, error) {
	g := &Gateway{
		log:     log,
		codec:   codec,
		store:   store,
		pub:     pub,
		alive:   alive.NewAlive(),
		backoff: c.Backoff,
		key:     c.NonceKey,
	}
	if g.key == "" {
		g.key = DefaultNonceKey
	}
	if g.backoff.Min == 0 {
		g.backoff = helpers.Backoff{Min: time.Second, Max: time.Minute, K: 2}
	}

	b, err := store.Load(g.key)
	if err != nil {
		return nil, errors.Annotate(err, "gateway load last nonce")
	}
	if b != nil {
		if err = g.last.UnmarshalBinary(b); err != nil {
			return nil, errors.Annotate(err, "gateway load last nonce")
		}
		g.haveLast = true
		log.Infof("gateway last nonce=%s", g.last)
	}

	if g.q, err = spq.Open(c.QueuePath); err != nil {
		return nil, errors.Annotatef(err, "gateway queue path=%s", c.QueuePath)
	}
	return g, nil
}

func (g *Gateway) Stat() Stat {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stat
}

// Close stops Run worker, queue keeps unpublished readings.
func (g *Gateway) Close() error {
	g.alive.Stop()
	err := g.q.Close()
	g.alive.Wait()
	return err
}

// ReadLoop decodes 0x00 delimited COBS frames until r fails. io.EOF returns nil.
func (g *Gateway) ReadLoop(r io.Reader) error {
	br := bufio.NewReader(r)
	for g.alive.IsRunning() {
		b, err := br.ReadSlice(0)
		if err == bufio.ErrBufferFull {
			g.log.Errorf("gateway frame too long, skip")
			continue
		}
		if err == io.EOF {
			if len(b) != 0 {
				g.log.Errorf("gateway incomplete frame at EOF (%s)", helpers.HexSpaces(b))
			}
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "gateway read")
		}
		b = b[:len(b)-1]
		if len(b) == 0 {
			continue
		}
		g.log.Debugf("gateway received (%s)", helpers.HexSpaces(b))
		raw, err := CobsDecode(b)
		if err != nil {
			g.log.Errorf("gateway decode err=%v", err)
			continue
		}
		if err = g.HandleFrame(raw, time.Now()); err != nil {
			g.log.Error(err)
		}
	}
	return nil
}

// HandleFrame authenticates raw frame and pushes reading to queue.
func (g *Gateway) HandleFrame(raw []byte, received time.Time) error {
	g.mu.Lock()
	g.stat.Received++
	g.mu.Unlock()

	sample, n, err := g.codec.Open(raw)
	if err != nil {
		g.count(func(s *Stat) { s.Rejected++ })
		return errors.Annotate(err, "gateway open")
	}

	value := nonce.FromNonce(n[:])
	g.mu.Lock()
	if g.haveLast && value.Cmp(g.last) <= 0 {
		last := g.last
		g.stat.Replayed++
		g.mu.Unlock()
		return errors.Annotatef(ErrReplay, "nonce=%s last=%s", value, last)
	}
	g.last, g.haveLast = value, true
	g.mu.Unlock()
	vb, _ := value.MarshalBinary()
	if err = g.store.Save(g.key, vb); err != nil {
		g.log.Errorf("gateway save last nonce err=%v", err)
	}

	r := &Reading{Nonce: n, Received: received, Sample: sample}
	g.log.Infof("gateway reading nonce=%s %s", value, aggregate.Sample(sample))
	return errors.Annotate(g.q.MarshalPush(r), "gateway queue push")
}

// Run publishes queued readings until Close.
func (g *Gateway) Run() {
	if !g.alive.Add(1) {
		return
	}
	defer g.alive.Done()
	for {
		box, err := g.q.Peek()
		switch err {
		case nil:
			var r Reading
			if err = box.Unmarshal(&r); err != nil {
				g.log.Errorf("gateway queue item=%x err=%v", box.Bytes(), err)
				g.delete(box)
				continue
			}
			if err = g.publish(&r); err != nil {
				delay := g.backoff.Failure()
				g.log.Errorf("gateway publish retry after=%v err=%v", delay, err)
				select {
				case <-g.alive.StopChan():
					return
				case <-time.After(delay):
				}
				continue
			}
			g.backoff.Reset()
			g.delete(box)

		case spq.ErrClosed:
			if g.alive.IsRunning() {
				g.log.Errorf("CRITICAL gateway spq closed unexpectedly")
			}
			return

		default:
			g.log.Errorf("CRITICAL gateway spq err=%v", err)
			select {
			case <-g.alive.StopChan():
				return
			case <-time.After(g.backoff.Failure()):
			}
		}
	}
}

func (g *Gateway) delete(box spq.Box) {
	if err := g.q.Delete(box); err != nil {
		g.log.Errorf("gateway queue delete err=%v", err)
	}
}

// NaN field or zero energy is "no data since last send", dropped.
// Retry of same reading skips topics published by earlier attempt.
func (g *Gateway) publish(r *Reading) error {
	for name, v := range r.Sample {
		if math.IsNaN(v) || (name == "active_energy" && v == 0) {
			g.log.Debugf("gateway no data nonce=%x %s", r.Nonce, aggregate.Sample(r.Sample))
			g.count(func(s *Stat) { s.NoData++ })
			return nil
		}
	}
	if g.headSent == nil || g.headNonce != r.Nonce {
		g.headNonce = r.Nonce
		g.headSent = make(map[string]bool, len(r.Sample))
	}
	for _, name := range sortedNames(r.Sample) {
		if g.headSent[name] {
			continue
		}
		payload := strconv.FormatFloat(r.Sample[name], 'f', -1, 32)
		topic := g.pub.Topic(strings.TrimPrefix(name, "active_"))
		if err := g.pub.Publish(topic, 1, false, []byte(payload)); err != nil {
			return errors.Annotatef(err, "topic=%s", topic)
		}
		g.headSent[name] = true
	}
	g.headSent = nil
	g.count(func(s *Stat) { s.Published++ })
	return nil
}

func (g *Gateway) count(f func(*Stat)) {
	g.mu.Lock()
	f(&g.stat)
	g.mu.Unlock()
}

// Package node wires one sensor node: settings store, nonce counter,
// codec, aggregator, acquisition source and radio or beacon transport.
package node

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/hardware/serial"
	"github.com/sensorcast/sensorcast/hardware/sx127x"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/internal/acquire"
	"github.com/sensorcast/sensorcast/internal/aggregate"
	"github.com/sensorcast/sensorcast/internal/beacon"
	"github.com/sensorcast/sensorcast/internal/config"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/internal/nonce"
	"github.com/sensorcast/sensorcast/internal/sender"
	"github.com/sensorcast/sensorcast/internal/settings"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/sensorcast/sensorcast/tele"
	"github.com/temoto/alive/v2"
)

const defaultPersistRoot = "./tmp-sensorcast-db"

type Node struct { //nolint:maligned
	Alive  *alive.Alive
	Config *config.Config
	Log    *log2.Log

	// test code sets these before Init, production path opens real ones
	Store      nonce.Store
	Key        []byte
	Radio      sender.Radio
	Advertiser beacon.Advertiser
	SourceFunc func(context.Context, acquire.Handler) error

	Counter    *nonce.Counter
	Codec      *frame.Codec
	Aggregator *aggregate.Aggregator
	Sender     *sender.Sender
	Beacon     *beacon.Scheduler

	senderConfig sender.Config
	sampled      chan struct{} // beacon.on_sample
	fatal        helpers.AtomicError
	closers      []io.Closer
	mu           sync.Mutex
	published    uint32
	errCount     uint32
}

// New registers error hook on log, subsystem loggers are cloned from it in Init.
func New(c *config.Config, log *log2.Log) *Node {
	n := &Node{
		Alive:  alive.NewAlive(),
		Config: c,
		Log:    log,
	}
	log.SetErrorFunc(func(error) { atomic.AddUint32(&n.errCount, 1) })
	return n
}

// If `Init` fails, consider `Node` is in broken state, call Close.
func (n *Node) Init(ctx context.Context) error {
	c := n.Config
	n.Log.Infof("node name=%s layout=%s transport=%s", c.Node.Name, c.Node.Layout, c.Node.Transport)

	if n.Store == nil {
		if c.Persist.Root == "" {
			c.Persist.Root = defaultPersistRoot
			n.Log.Errorf("config: persist.root=empty changed=%s", c.Persist.Root)
		}
		fs, err := settings.NewFileStore(c.Persist.Root, n.Log)
		if err != nil {
			return errors.Annotate(err, "settings store")
		}
		n.Store = fs
	}

	var err error
	n.Counter, err = nonce.Open(n.Store, c.Nonce.Key, c.CheckpointInterval(), n.Log)
	if err != nil {
		return errors.Annotate(err, "nonce counter")
	}

	if n.Key == nil {
		if c.Node.KeyFile == "" {
			return errors.NotValidf("config: node.key_file=empty")
		}
		if n.Key, err = frame.LoadKey(c.Node.KeyFile); err != nil {
			return errors.Annotate(err, "node key")
		}
	}
	aead, err := frame.NewChaCha20Poly1305(n.Key)
	if err != nil {
		return errors.Annotate(err, "node key")
	}
	layout, err := c.Layout()
	if err != nil {
		return err
	}
	if n.Codec, err = frame.NewCodec(aead, n.Counter, layout); err != nil {
		return errors.Annotate(err, "codec")
	}

	fields, err := c.Fields()
	if err != nil {
		return err
	}
	n.Aggregator = aggregate.New(fields...)
	n.senderConfig = c.SenderConfig()

	switch c.Node.Transport {
	case "", config.TransportLoRa:
		return n.initLoRa()
	case config.TransportBeacon:
		return n.initBeacon(ctx)
	}
	return errors.NotValidf("config: node.transport=%s", c.Node.Transport)
}

func (n *Node) initLoRa() error {
	c := n.Config
	rc := c.RadioConfig()
	if n.Radio == nil { // production path
		r, err := sx127x.Open(rc, n.Log.CloneDebug(c.Hardware.Sx127x.LogDebug))
		if err != nil {
			return errors.Annotate(err, "sx127x")
		}
		n.closers = append(n.closers, r)
		n.Radio = r
	}
	n.Log.Infof("lora frame size=%d time_on_air=%v interval=%v",
		n.Codec.Layout().FrameSize(), sx127x.TimeOnAir(rc, n.Codec.Layout().FrameSize()), n.senderConfig.Interval)
	n.Sender = sender.New(n.senderConfig, n.Radio, n.Codec, n.Aggregator, n.Log.CloneDebug(c.Sender.LogDebug))
	return nil
}

func (n *Node) initBeacon(ctx context.Context) error {
	c := n.Config
	if n.Advertiser == nil { // production path
		t, err := tele.NewTransport(ctx, c.Tele, n.Log.CloneDebug(c.Tele.LogDebug))
		if err != nil {
			return errors.Annotate(err, "beacon transport")
		}
		n.closers = append(n.closers, closerFunc(func() error { t.Close(); return nil }))
		n.Advertiser = tele.NewAdvertiser(t, c.Beacon.Topic)
	}
	n.Beacon = beacon.New(n.Advertiser, c.BeaconStopAfter(), n.Log.CloneDebug(c.Beacon.LogDebug))
	if c.Beacon.OnSample {
		n.sampled = make(chan struct{}, 1)
	}
	return nil
}

// Run blocks until Stop or fatal error. Returned error means restart is required.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	if !n.Alive.Add(1) {
		return errors.New("node already stopped")
	}
	go func() {
		defer n.Alive.Done()
		if err := n.runSource(ctx); err != nil {
			n.Fatal(errors.Annotate(err, "acquire"))
		}
	}()

	var err error
	if n.Sender != nil {
		err = n.Sender.Run(ctx)
	} else {
		err = n.runBeacon(ctx)
	}
	if err != nil {
		n.Fatal(err)
	}
	n.Alive.Stop()
	n.Alive.Wait()
	err, _ = n.fatal.Load()
	return err
}

func (n *Node) runSource(ctx context.Context) error {
	h := acquire.Handler(n.Aggregator.Accumulate)
	if n.sampled != nil {
		h = func(s aggregate.Sample) {
			n.Aggregator.Accumulate(s)
			select {
			case n.sampled <- struct{}{}:
			default:
			}
		}
	}
	if n.SourceFunc != nil {
		return n.SourceFunc(ctx, h)
	}
	s := &n.Config.Source
	switch s.Kind {
	case "", config.SourceTest:
		period := helpers.IntSecondDefault(s.TestPeriodSec, acquire.DefaultTestPeriod)
		return acquire.TestEvents(ctx, period, nil, h, n.Log)

	case config.SourceLine:
		var r io.ReadCloser
		var err error
		if s.Baud > 0 {
			r, err = serial.Open(s.Device, s.Baud)
		} else {
			r, err = os.Open(s.Device)
		}
		if err != nil {
			return errors.Annotatef(err, "source device=%s", s.Device)
		}
		go func() {
			<-ctx.Done()
			r.Close()
		}()
		if err = acquire.LineSource(ctx, r, h, n.Log); ctx.Err() != nil {
			return nil
		}
		return err
	}
	return errors.NotValidf("config: source.kind=%s", s.Kind)
}

// runBeacon publishes aggregated frame every interval, or on every new sample
// with beacon.on_sample so stop timer is re-armed while samples keep coming.
// Frame errors other than counter exhaustion keep samples for next attempt.
func (n *Node) runBeacon(ctx context.Context) error {
	var tick <-chan time.Time
	if n.sampled == nil {
		tmr := time.NewTicker(n.senderConfig.Interval)
		defer tmr.Stop()
		tick = tmr.C
	}
	defer n.Beacon.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-n.sampled:
		}

		snap := n.Aggregator.Snapshot()
		if snap.Count == 0 && n.senderConfig.SkipEmpty {
			n.Log.Debugf("beacon skip, no samples")
			continue
		}
		f, err := n.Codec.Encode(snap.Sample)
		if err != nil {
			if errors.Cause(err) == nonce.ErrCounterExhausted {
				return err
			}
			n.Log.Errorf("beacon frame dropped: %v", err)
			continue
		}
		if err = n.Beacon.Publish(f); err != nil {
			continue
		}
		n.Aggregator.Discard(snap)
		n.mu.Lock()
		n.published++
		n.mu.Unlock()
	}
}

// Published counts beacon payloads accepted by advertiser.
func (n *Node) Published() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published
}

// Errors counts Error/Errorf calls on node log and its clones.
func (n *Node) Errors() uint32 { return atomic.LoadUint32(&n.errCount) }

func (n *Node) Stop() { n.Alive.Stop() }

func (n *Node) StopWait(timeout time.Duration) bool {
	n.Alive.Stop()
	select {
	case <-n.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Fatal remembers first error for Run result and stops node.
func (n *Node) Fatal(err error) {
	if err == nil {
		return
	}
	n.Log.Error(err)
	n.fatal.StoreOnce(err)
	n.Alive.Stop()
}

func (n *Node) Close() error {
	errs := make([]error, 0, len(n.closers))
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i].Close())
	}
	n.closers = nil
	return helpers.FoldErrors(errs)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

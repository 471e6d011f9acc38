// Package sender transmits frames over long range radio under duty cycle floor,
// with listen-before-talk and retry backoff.
package sender

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/internal/aggregate"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/internal/nonce"
	"github.com/sensorcast/sensorcast/log2"
)

const (
	DefaultInterval          = 60 * time.Second
	DefaultCCAWindow         = 1 * time.Millisecond
	DefaultThresholdDbm      = -85
	DefaultBackoff           = 5 * time.Second
	DefaultCompletionTimeout = 10 * time.Second
)

var (
	ErrChannelBusy    = errors.New("channel busy")
	ErrRadioTimeout   = errors.New("radio completion timeout")
	ErrAlreadyRunning = errors.New("sender already running")

	errNoSamples = errors.New("no samples since last send")
)

// Radio submit or completion reported failure.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string { return fmt.Sprintf("radio submit: %v", e.Err) }
func (e *SubmitError) Unwrap() error { return e.Err }

// Radio is long range transceiver collaborator.
type Radio interface {
	// Not transmitting.
	Idle() bool
	// busy=true if RSSI exceeded threshold at any point in window.
	SenseChannel(ctx context.Context, thresholdDbm int, window time.Duration) (busy bool, err error)
	// Future completes when transmission is done.
	TransmitAsync(ctx context.Context, payload []byte) (*helpers.Future, error)
}

type Encoder interface {
	Encode(sample map[string]float64) (frame.Frame, error)
}

// Satisfied by *aggregate.Aggregator.
type Source interface {
	Snapshot() aggregate.Snapshot
	Discard(aggregate.Snapshot)
}

type Config struct {
	Interval          time.Duration
	CCAWindow         time.Duration
	ThresholdDbm      int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	CompletionTimeout time.Duration
	// No frame while aggregator is empty. Default sends NaN.
	SkipEmpty bool
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CCAWindow <= 0 {
		c.CCAWindow = DefaultCCAWindow
	}
	if c.ThresholdDbm == 0 {
		c.ThresholdDbm = DefaultThresholdDbm
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoff
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
}

type State uint32

const (
	WaitingForInterval State = iota
	ChannelSensing
	Transmitting
	AwaitingRetry
	Stopped
)

func (s State) String() string {
	switch s {
	case WaitingForInterval:
		return "waiting"
	case ChannelSensing:
		return "sensing"
	case Transmitting:
		return "transmitting"
	case AwaitingRetry:
		return "retry"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", s)
}

// TransmissionJob is the single job of a sender.
// Transmitting state means it is in flight.
type TransmissionJob struct {
	State     State
	LastSend  time.Time
	NotBefore time.Time
}

type Stats struct {
	Sent    uint32
	Busy    uint32
	Failed  uint32
	Dropped uint32
}

type Sender struct {
	cfg     Config
	radio   Radio
	enc     Encoder
	source  Source
	log     *log2.Log
	backoff helpers.Backoff
	running uint32

	mu    sync.Mutex
	job   TransmissionJob
	stats Stats
}

func New(cfg Config, radio Radio, enc Encoder, source Source, log *log2.Log) *Sender {
	cfg.setDefaults()
	s := &Sender{
		cfg:    cfg,
		radio:  radio,
		enc:    enc,
		source: source,
		log:    log,
		job:    TransmissionJob{State: Stopped},
	}
	s.backoff = helpers.Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax, K: 2}
	return s
}

func (s *Sender) Job() TransmissionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

func (s *Sender) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run is the single transmit worker. Returns nil when ctx is done,
// nonce.ErrCounterExhausted is returned as is and means no more frames with this key.
func (s *Sender) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.running, 0, 1) {
		return ErrAlreadyRunning
	}
	defer atomic.StoreUint32(&s.running, 0)

	// start counts as send, no bursts during reset loops
	now := time.Now()
	s.mu.Lock()
	s.job.LastSend = now
	s.job.NotBefore = now.Add(s.cfg.Interval)
	s.mu.Unlock()
	s.setState(WaitingForInterval)

	for {
		if err := sleepCtx(ctx, time.Until(s.Job().NotBefore)); err != nil {
			s.setState(Stopped)
			return nil
		}

		err := s.cycle(ctx)
		now = time.Now()
		switch {
		case err == nil:
			s.backoff.Reset()
			s.mu.Lock()
			s.job.NotBefore = s.job.LastSend.Add(s.cfg.Interval)
			s.mu.Unlock()
			s.setState(WaitingForInterval)

		case errors.Cause(err) == nonce.ErrCounterExhausted:
			s.setState(Stopped)
			s.log.Errorf("sender stop: %v", err)
			return err

		case ctx.Err() != nil:
			s.setState(Stopped)
			return nil

		case errors.Cause(err) == errNoSamples:
			s.mu.Lock()
			s.job.NotBefore = now.Add(s.cfg.BackoffMin)
			s.mu.Unlock()
			s.setState(WaitingForInterval)

		default:
			delay := s.backoff.Failure()
			busy := errors.Cause(err) == ErrChannelBusy
			s.mu.Lock()
			if busy {
				s.stats.Busy++
			} else {
				s.stats.Failed++
			}
			// interval floor holds for retry after committed attempt
			s.job.NotBefore = laterOf(now.Add(delay), s.job.LastSend.Add(s.cfg.Interval))
			s.mu.Unlock()
			s.setState(AwaitingRetry)
			if busy {
				s.log.Warnf("sender retry after=%v: %v", delay, err)
			} else {
				s.log.Errorf("sender retry after=%v: %v", delay, err)
			}
		}
	}
}

func (s *Sender) cycle(ctx context.Context) error {
	snap := s.source.Snapshot()
	if snap.Count == 0 && s.cfg.SkipEmpty {
		return errNoSamples
	}
	f, err := s.enc.Encode(snap.Sample)
	if err != nil {
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		return errors.Annotate(err, "encode")
	}

	s.setState(ChannelSensing)
	if !s.radio.Idle() {
		return errors.Annotate(ErrChannelBusy, "radio not idle")
	}
	busy, err := s.radio.SenseChannel(ctx, s.cfg.ThresholdDbm, s.cfg.CCAWindow)
	if err != nil {
		return errors.Annotate(err, "sense channel")
	}
	if busy {
		return errors.Trace(ErrChannelBusy)
	}

	s.mu.Lock()
	s.job.LastSend = time.Now()
	s.mu.Unlock()
	s.setState(Transmitting)
	s.source.Discard(snap)
	s.log.Debugf("sender transmit samples=%d %s", snap.Count, f)

	fut, err := s.radio.TransmitAsync(ctx, f.Bytes())
	if err != nil {
		if fut != nil {
			fut.Cancel(err)
		}
		return &SubmitError{Err: err}
	}
	done, err := fut.Wait(ctx, s.cfg.CompletionTimeout)
	if !done {
		fut.Cancel(ErrRadioTimeout)
		return errors.Annotatef(ErrRadioTimeout, "after=%v", s.cfg.CompletionTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(err)
		}
		return &SubmitError{Err: err}
	}

	s.mu.Lock()
	s.stats.Sent++
	s.mu.Unlock()
	return nil
}

func (s *Sender) setState(st State) {
	s.mu.Lock()
	prev := s.job.State
	s.job.State = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debugf("sender state %s -> %s", prev, st)
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Package beacon publishes frames as short lived broadcast beacon payload.
package beacon

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/log2"
)

const DefaultStopAfter = 2 * time.Second

var ErrAlreadyAdvertising = errors.New("already advertising")

// Advertiser is beacon radio collaborator.
// Start may return ErrAlreadyAdvertising, Stop must be idempotent.
type Advertiser interface {
	SetPayload(b []byte) error
	Start() error
	Stop() error
}

type State uint32

const (
	Idle State = iota
	Advertising
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	}
	return fmt.Sprintf("State(%d)", s)
}

type Scheduler struct {
	mu        sync.Mutex
	adv       Advertiser
	log       *log2.Log
	stopAfter time.Duration
	state     State
	timer     *time.Timer
	gen       uint64 // invalidates fired timers from earlier publish
	closed    bool
}

func New(adv Advertiser, stopAfter time.Duration, log *log2.Log) *Scheduler {
	if stopAfter <= 0 {
		stopAfter = DefaultStopAfter
	}
	return &Scheduler{adv: adv, log: log, stopAfter: stopAfter}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Publish sets payload, starts beacon and re-arms stop timer.
// Errors are logged and returned, next Publish starts from scratch.
func (s *Scheduler) Publish(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("beacon closed")
	}
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if err := s.adv.SetPayload(f.Envelope()); err != nil {
		return s.fail(errors.Annotate(err, "beacon set payload"))
	}
	if err := s.adv.Start(); err != nil && errors.Cause(err) != ErrAlreadyAdvertising {
		return s.fail(errors.Annotate(err, "beacon start"))
	}
	if s.state != Advertising {
		s.log.Debugf("beacon start")
	}
	s.state = Advertising
	gen := s.gen
	s.timer = time.AfterFunc(s.stopAfter, func() { s.expire(gen) })
	return nil
}

func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.state == Idle {
		return nil
	}
	s.state = Idle
	return errors.Annotate(s.adv.Stop(), "beacon stop")
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Advertising {
		return
	}
	s.timer = nil
	s.state = Idle
	if err := s.adv.Stop(); err != nil {
		s.log.Errorf("beacon stop err=%v", err)
		return
	}
	s.log.Debugf("beacon stop")
}

// caller holds mu
func (s *Scheduler) fail(err error) error {
	s.log.Error(err)
	if s.state == Advertising {
		if stopErr := s.adv.Stop(); stopErr != nil {
			s.log.Errorf("beacon stop err=%v", stopErr)
		}
	}
	s.state = Idle
	return err
}

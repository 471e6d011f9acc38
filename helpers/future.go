// Future is one-shot completion signal with error result.
// Completed/Cancelled channels are exported,
// which allows to wait on result in custom select statement.
// Idea from github.com/256dpi/gomqtt client/future.

package helpers

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

var ErrFutureCancelled = errors.New("future cancelled")

type Future struct {
	result    error
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (f *Future) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future) Completed() <-chan struct{} { return f.completed }

// Complete returns false if future was already completed or cancelled.
func (f *Future) Complete(result error) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	f.result = result
	close(f.completed)
	f.done = true
	return true
}

func (f *Future) Cancel(reason error) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	if reason == nil {
		reason = ErrFutureCancelled
	}
	f.result = reason
	close(f.cancelled)
	f.done = true
	return true
}

func (f *Future) Result() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result
}

// Wait polls completion for at most timeout.
// Returns (true, result) when completed, (true, reason) when cancelled,
// (false, Timeout error) otherwise. Context cancel counts as cancellation.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-f.completed:
		return true, f.Result()
	case <-f.cancelled:
		return true, f.Result()
	case <-ctx.Done():
		f.Cancel(ctx.Err())
		return true, f.Result()
	case <-tmr.C:
		return false, errors.Timeoutf("future wait=%v", timeout)
	}
}

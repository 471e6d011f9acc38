// Package nonce provides the AEAD nonce counter with crash-safe checkpoints.
//
// Startup protocol is explicit two-phase: load checkpoint, advance by K, persist.
// Running counter persists every K-th value before handing it out.
// So any value used before unplanned restart is below loaded checkpoint + K.
package nonce

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/log2"
)

const (
	NonceSize = 12

	DefaultCheckpointInterval uint32 = 1024
	DefaultKey                       = "nonce"
)

// Fatal for the key: no more frames may be sent.
var ErrCounterExhausted = errors.New("nonce counter exhausted")

// Settings store collaborator.
type Store interface {
	// nil,nil = not found
	Load(key string) ([]byte, error)
	Save(key string, b []byte) error
}

// Checkpoint write failed. Frame must be dropped, next Next() retries the write.
type CheckpointError struct {
	Value Uint128
	Err   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("nonce checkpoint value=%s err=%v", e.Value, e.Err)
}
func (e *CheckpointError) Unwrap() error { return e.Err }

func IsCheckpointError(err error) bool {
	_, ok := errors.Cause(err).(*CheckpointError)
	return ok
}

type Counter struct {
	mu           sync.Mutex
	log          *log2.Log
	store        Store
	key          string
	k            uint32
	value        Uint128
	checkpointed Uint128
	pending      bool
	exhausted    bool
}

// Open performs startup protocol. Node must not send anything if it fails.
func Open(store Store, key string, k uint32, log *log2.Log) (*Counter, error) {
	if k == 0 {
		k = DefaultCheckpointInterval
	}
	if key == "" {
		key = DefaultKey
	}
	c := &Counter{
		log:   log,
		store: store,
		key:   key,
		k:     k,
	}

	b, err := store.Load(key)
	if err != nil {
		return nil, errors.Annotatef(err, "nonce load key=%s", key)
	}
	var loaded Uint128
	if b != nil {
		if err = loaded.UnmarshalBinary(b); err != nil {
			return nil, errors.Annotatef(err, "nonce load key=%s", key)
		}
		log.Infof("nonce loaded checkpoint=%s", loaded)
	} else {
		log.Infof("nonce checkpoint not found, start from zero")
	}

	// skip values which might have been used but not saved
	advanced, ok := loaded.AddUint32(k)
	if !ok || !advanced.FitsNonce() {
		return nil, errors.Annotatef(ErrCounterExhausted, "nonce skip-ahead checkpoint=%s", loaded)
	}
	if err = c.save(advanced); err != nil {
		return nil, err
	}
	c.value = advanced
	log.Infof("nonce startup checkpoint=%s", advanced)
	return c, nil
}

// Next increments counter and returns wire nonce.
func (c *Counter) Next() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return n, ErrCounterExhausted
	}
	if c.pending {
		if err := c.save(c.value); err != nil {
			return n, err
		}
		c.pending = false
	}

	next, ok := c.value.Inc()
	if !ok || !next.FitsNonce() {
		c.exhausted = true
		c.log.Errorf("nonce exhausted value=%s", c.value)
		return n, ErrCounterExhausted
	}
	c.value = next

	if next.Rem(c.k) == 0 {
		if err := c.save(next); err != nil {
			c.pending = true
			return n, err
		}
	}
	next.PutNonce(n[:])
	return n, nil
}

// Last value handed out or reserved by failed checkpoint.
func (c *Counter) Value() Uint128 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Counter) Checkpointed() Uint128 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointed
}

func (c *Counter) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *Counter) save(v Uint128) error {
	b, _ := v.MarshalBinary()
	if err := c.store.Save(c.key, b); err != nil {
		c.log.Errorf("nonce checkpoint value=%s err=%v", v, err)
		return &CheckpointError{Value: v, Err: err}
	}
	c.checkpointed = v
	c.log.Debugf("nonce checkpoint saved value=%s", v)
	return nil
}

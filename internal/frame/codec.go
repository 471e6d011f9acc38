package frame

import (
	"crypto/cipher"
	"fmt"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/nonce"
)

var ErrAuth = errors.New("frame authentication failed")

// AEAD primitive rejected input. Frame is dropped.
type EncryptError struct {
	Err error
}

func (e *EncryptError) Error() string { return fmt.Sprintf("frame encrypt: %v", e.Err) }
func (e *EncryptError) Unwrap() error { return e.Err }

type NonceSource interface {
	Next() ([nonce.NonceSize]byte, error)
}

type Codec struct {
	aead   cipher.AEAD
	nonces NonceSource
	layout *Layout
}

// nonces may be nil for decode-only codec.
func NewCodec(aead cipher.AEAD, nonces NonceSource, layout *Layout) (*Codec, error) {
	if aead == nil {
		return nil, errors.NotValidf("aead=nil")
	}
	if aead.NonceSize() != NonceSize || aead.Overhead() != TagSize {
		return nil, errors.NotValidf("aead nonce=%d tag=%d expected nonce=%d tag=%d",
			aead.NonceSize(), aead.Overhead(), NonceSize, TagSize)
	}
	if layout == nil {
		layout = PowerLayout
	}
	return &Codec{aead: aead, nonces: nonces, layout: layout}, nil
}

func (c *Codec) Layout() *Layout { return c.layout }

// Encode consumes one nonce.
// Errors: nonce.ErrCounterExhausted (fatal), *nonce.CheckpointError, *EncryptError.
// Invalid field values are rejected before nonce is taken.
func (c *Codec) Encode(sample map[string]float64) (Frame, error) {
	if c.nonces == nil {
		return Frame{}, errors.NotSupportedf("encode without nonce source")
	}
	plain := make([]byte, c.layout.PlaintextSize(), c.layout.PlaintextSize()+TagSize)
	if err := c.layout.put(plain, sample); err != nil {
		return Frame{}, errors.Trace(err)
	}
	n, err := c.nonces.Next()
	if err != nil {
		return Frame{}, errors.Trace(err)
	}

	sealed, err := c.seal(n[:], plain)
	if err != nil {
		return Frame{}, err
	}
	if len(sealed) != len(plain)+TagSize {
		return Frame{}, &EncryptError{Err: errors.Errorf("sealed length=%d expected=%d", len(sealed), len(plain)+TagSize)}
	}
	f := Frame{Nonce: n, Ciphertext: sealed[:len(plain)]}
	copy(f.Tag[:], sealed[len(plain):])
	return f, nil
}

// Open authenticates and decodes raw frame bytes (without envelope).
func (c *Codec) Open(b []byte) (map[string]float64, [NonceSize]byte, error) {
	f, err := Parse(b, c.layout)
	if err != nil {
		return nil, f.Nonce, err
	}
	sealed := make([]byte, 0, len(f.Ciphertext)+TagSize)
	sealed = append(sealed, f.Ciphertext...)
	sealed = append(sealed, f.Tag[:]...)
	plain, err := c.aead.Open(sealed[:0], f.Nonce[:], sealed, nil)
	if err != nil {
		return nil, f.Nonce, errors.Annotatef(ErrAuth, "nonce=%x", f.Nonce)
	}
	return c.layout.get(plain), f.Nonce, nil
}

// cipher.AEAD implementations panic on invalid input
func (c *Codec) seal(n, plain []byte) (sealed []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EncryptError{Err: errors.Errorf("%v", r)}
		}
	}()
	return c.aead.Seal(plain[:0], n, plain, nil), nil
}

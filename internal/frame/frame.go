// Package frame builds fixed size authenticated frames:
// nonce[12] || ciphertext[N] || tag[16]
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/internal/nonce"
)

const (
	NonceSize = nonce.NonceSize
	TagSize   = 16

	// Beacon manufacturer specific data prefix.
	ManufacturerID     uint16 = 0xffff
	EnvelopeHeaderSize        = 2
)

var ErrFrameSize = errors.New("frame size mismatch")

// Frame is immutable after Encode.
type Frame struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
	Tag        [TagSize]byte
}

func (f Frame) Len() int { return NonceSize + len(f.Ciphertext) + TagSize }

func (f Frame) Bytes() []byte {
	b := make([]byte, 0, f.Len())
	b = append(b, f.Nonce[:]...)
	b = append(b, f.Ciphertext...)
	b = append(b, f.Tag[:]...)
	return b
}

// Envelope is frame with beacon header.
func (f Frame) Envelope() []byte {
	b := make([]byte, EnvelopeHeaderSize, EnvelopeHeaderSize+f.Len())
	binary.LittleEndian.PutUint16(b, ManufacturerID)
	return append(b, f.Bytes()...)
}

func (f Frame) String() string {
	return fmt.Sprintf("nonce=%x ciphertext=%x tag=%x", f.Nonce, f.Ciphertext, f.Tag)
}

// Parse splits raw bytes according to layout size.
func Parse(b []byte, layout *Layout) (Frame, error) {
	if len(b) != layout.FrameSize() {
		return Frame{}, errors.Annotatef(ErrFrameSize, "layout=%s length=%d expected=%d (%s)",
			layout.Name, len(b), layout.FrameSize(), helpers.HexSpaces(b))
	}
	f := Frame{Ciphertext: make([]byte, layout.PlaintextSize())}
	copy(f.Nonce[:], b)
	copy(f.Ciphertext, b[NonceSize:])
	copy(f.Tag[:], b[NonceSize+len(f.Ciphertext):])
	return f, nil
}

// StripEnvelope removes beacon header.
func StripEnvelope(b []byte) ([]byte, error) {
	if len(b) < EnvelopeHeaderSize || binary.LittleEndian.Uint16(b) != ManufacturerID {
		return nil, errors.NotValidf("envelope header (%s)", helpers.HexSpaces(b))
	}
	return b[EnvelopeHeaderSize:], nil
}

package nonce

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/juju/errors"
)

// Uint128 is the in-memory counter, wider than wire nonce for safe arithmetic.
// Binary form is 16 bytes little endian.
type Uint128 struct {
	Hi uint64
	Lo uint64
}

func FromUint64(x uint64) Uint128 { return Uint128{Lo: x} }

// Add returns a+b and false on overflow.
func (a Uint128) AddUint32(b uint32) (Uint128, bool) {
	lo, carry := bits.Add64(a.Lo, uint64(b), 0)
	hi, carry := bits.Add64(a.Hi, 0, carry)
	return Uint128{Hi: hi, Lo: lo}, carry == 0
}

func (a Uint128) Inc() (Uint128, bool) { return a.AddUint32(1) }

func (a Uint128) Rem(k uint32) uint32 {
	return uint32(bits.Rem64(a.Hi%uint64(k), a.Lo, uint64(k)))
}

func (a Uint128) Cmp(b Uint128) int {
	switch {
	case a.Hi < b.Hi:
		return -1
	case a.Hi > b.Hi:
		return 1
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

func (a Uint128) IsZero() bool { return a.Hi == 0 && a.Lo == 0 }

// FitsNonce reports whether value is representable in NonceSize bytes.
func (a Uint128) FitsNonce() bool { return a.Hi>>(8*(NonceSize-8)) == 0 }

// PutNonce writes low NonceSize bytes little endian.
func (a Uint128) PutNonce(b []byte) {
	_ = b[NonceSize-1]
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint32(b[8:12], uint32(a.Hi))
}

// FromNonce is inverse of PutNonce.
func FromNonce(b []byte) Uint128 {
	_ = b[NonceSize-1]
	return Uint128{
		Lo: binary.LittleEndian.Uint64(b[0:8]),
		Hi: uint64(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func (a Uint128) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return b, nil
}

func (a *Uint128) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return errors.NotValidf("nonce checkpoint length=%d", len(b))
	}
	a.Lo = binary.LittleEndian.Uint64(b[0:8])
	a.Hi = binary.LittleEndian.Uint64(b[8:16])
	return nil
}

func (a Uint128) String() string {
	if a.Hi == 0 {
		return fmt.Sprintf("%d", a.Lo)
	}
	return fmt.Sprintf("0x%x%016x", a.Hi, a.Lo)
}

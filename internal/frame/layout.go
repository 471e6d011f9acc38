package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindFloat32
	KindUint16
)

func (k Kind) Size() int {
	switch k {
	case KindFloat32:
		return 4
	case KindUint16:
		return 2
	}
	return 0
}

func (k Kind) String() string {
	switch k {
	case KindFloat32:
		return "float32"
	case KindUint16:
		return "uint16"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

type Slot struct {
	Name string
	Kind Kind
}

// Layout is fixed plaintext field order. All fields little endian.
type Layout struct {
	Name  string
	Slots []Slot
	size  int
}

var (
	// active_power, active_energy of electricity meter
	PowerLayout = MustLayout("power", 36,
		Slot{"active_power", KindFloat32},
		Slot{"active_energy", KindFloat32},
	)
	// status words of heat pump / air sensor node
	StatusLayout = MustLayout("status", 36,
		Slot{"meter_status", KindUint16},
		Slot{"alarm_status", KindUint16},
		Slot{"output_status", KindUint16},
		Slot{"space_co2", KindUint16},
	)
)

// NewLayout checks total frame size including nonce and tag.
func NewLayout(name string, frameSize int, slots ...Slot) (*Layout, error) {
	if len(slots) == 0 {
		return nil, errors.NotValidf("layout=%s no slots", name)
	}
	l := &Layout{Name: name, Slots: append([]Slot(nil), slots...)}
	seen := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		if s.Kind.Size() == 0 {
			return nil, errors.NotValidf("layout=%s slot=%s kind=%s", name, s.Name, s.Kind)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, errors.NotValidf("layout=%s duplicate slot=%s", name, s.Name)
		}
		seen[s.Name] = struct{}{}
		l.size += s.Kind.Size()
	}
	if actual := NonceSize + l.size + TagSize; actual != frameSize {
		return nil, errors.NotValidf("layout=%s frame size=%d expected=%d", name, actual, frameSize)
	}
	return l, nil
}

func MustLayout(name string, frameSize int, slots ...Slot) *Layout {
	l, err := NewLayout(name, frameSize, slots...)
	if err != nil {
		panic("code error " + err.Error())
	}
	return l
}

func LayoutByName(name string) (*Layout, error) {
	switch name {
	case "", PowerLayout.Name:
		return PowerLayout, nil
	case StatusLayout.Name:
		return StatusLayout, nil
	}
	return nil, errors.NotFoundf("layout=%s", name)
}

func (l *Layout) PlaintextSize() int { return l.size }
func (l *Layout) FrameSize() int     { return NonceSize + l.size + TagSize }

// Missing float fields encode as NaN ("no data"), missing integer fields as 0.
func (l *Layout) put(b []byte, s map[string]float64) error {
	off := 0
	for _, slot := range l.Slots {
		v, ok := s[slot.Name]
		switch slot.Kind {
		case KindFloat32:
			if !ok {
				v = math.NaN()
			}
			binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
		case KindUint16:
			if math.IsNaN(v) || v < 0 || v > math.MaxUint16 {
				return errors.NotValidf("layout=%s field=%s value=%v", l.Name, slot.Name, v)
			}
			binary.LittleEndian.PutUint16(b[off:], uint16(v))
		}
		off += slot.Kind.Size()
	}
	return nil
}

func (l *Layout) get(b []byte) map[string]float64 {
	s := make(map[string]float64, len(l.Slots))
	off := 0
	for _, slot := range l.Slots {
		switch slot.Kind {
		case KindFloat32:
			s[slot.Name] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
		case KindUint16:
			s[slot.Name] = float64(binary.LittleEndian.Uint16(b[off:]))
		}
		off += slot.Kind.Size()
	}
	return s
}

package gateway

import "github.com/juju/errors"

// Consistent Overhead Byte Stuffing, frames on serial line are delimited by 0x00.

func CobsEncode(src []byte) []byte {
	dst := make([]byte, 1, len(src)+len(src)/254+2)
	codeIdx, code := 0, byte(1)
	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx, code = len(dst), 1
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xff {
			dst[codeIdx] = code
			codeIdx, code = len(dst), 1
			dst = append(dst, 0)
		}
	}
	dst[codeIdx] = code
	return dst
}

// CobsDecode expects src without delimiter.
func CobsDecode(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, errors.NotValidf("cobs zero code at=%d", i)
		}
		i++
		for j := 1; j < int(code); j++ {
			if i >= len(src) {
				return nil, errors.NotValidf("cobs truncated block at=%d", i)
			}
			if src[i] == 0 {
				return nil, errors.NotValidf("cobs zero data at=%d", i)
			}
			dst = append(dst, src[i])
			i++
		}
		if code < 0xff && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}

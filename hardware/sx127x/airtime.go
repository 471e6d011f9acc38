package sx127x

import (
	"math"
	"time"
)

func symbolTime(sf uint8, bwHz uint32) time.Duration {
	return time.Duration(float64(uint32(1)<<sf) / float64(bwHz) * float64(time.Second))
}

// TimeOnAir estimates explicit header, CRC on packet duration.
// Formula from SX1276 datasheet section 4.1.1.7.
func TimeOnAir(c Config, payloadLen int) time.Duration {
	c.setDefaults()
	sf := float64(c.SpreadingFactor)
	tsym := float64(uint32(1)<<c.SpreadingFactor) / float64(c.BandwidthHz)
	de := 0.0
	if symbolTime(c.SpreadingFactor, c.BandwidthHz) > 16*time.Millisecond {
		de = 1
	}
	const crc, ih = 1.0, 0.0
	num := 8*float64(payloadLen) - 4*sf + 28 + 16*crc - 20*ih
	symbols := 8 + math.Max(math.Ceil(num/(4*(sf-2*de)))*float64(c.CodingRate), 0)
	preamble := (float64(c.Preamble) + 4.25) * tsym
	return time.Duration((preamble + symbols*tsym) * float64(time.Second))
}

package sx127x

import (
	"io"
	"strconv"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	gpio "github.com/temoto/gpio-cdev-go"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const (
	DefaultFrequencyHz = 868300000
	DefaultBandwidthHz = 250000
	DefaultSF          = 7
	DefaultCR          = 5 // 4/5
	DefaultPreamble    = 8
	DefaultTxPowerDbm  = -2
	DefaultSpiSpeed    = 1 * physic.MegaHertz
)

type Config struct {
	SpiBus   string
	SpiMode  int
	SpiSpeed string
	// DIO0 TxDone interrupt. Empty chip means poll IRQ flags register.
	Dio0Chip string
	Dio0Line string

	FrequencyHz     uint32
	BandwidthHz     uint32
	SpreadingFactor uint8
	CodingRate      uint8 // denominator 5..8
	Preamble        uint16
	TxPowerDbm      int
	PaBoost         bool

	testhw *hardware
}

func (c *Config) setDefaults() {
	if c.FrequencyHz == 0 {
		c.FrequencyHz = DefaultFrequencyHz
	}
	if c.BandwidthHz == 0 {
		c.BandwidthHz = DefaultBandwidthHz
	}
	if c.SpreadingFactor == 0 {
		c.SpreadingFactor = DefaultSF
	}
	if c.CodingRate == 0 {
		c.CodingRate = DefaultCR
	}
	if c.Preamble == 0 {
		c.Preamble = DefaultPreamble
	}
}

func (c *Config) validate() error {
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 12 {
		return errors.NotValidf("spreading factor=%d", c.SpreadingFactor)
	}
	if c.CodingRate < 5 || c.CodingRate > 8 {
		return errors.NotValidf("coding rate=4/%d", c.CodingRate)
	}
	if _, err := bandwidthBits(c.BandwidthHz); err != nil {
		return err
	}
	return nil
}

type hardware struct {
	spiTx SpiTxFunc    // used
	dio0  gpio.Eventer // optional

	spiPort  spi.PortCloser // only for resource cleanup
	gpioChip gpio.Chiper    // only for resource cleanup
}
type SpiTxFunc func(send, recv []byte) error

func (h *hardware) open(c *Config) error {
	if c.testhw != nil {
		*h = *c.testhw
		return nil
	}

	if _, err := host.Init(); err != nil {
		return errors.Annotate(err, "periph/init")
	}
	spiPort, err := spireg.Open(c.SpiBus)
	if err != nil {
		return errors.Annotatef(err, "SPI Open bus=%s", c.SpiBus)
	}
	h.spiPort = spiPort
	spiSpeed := DefaultSpiSpeed
	if c.SpiSpeed != "" {
		if err = spiSpeed.Set(c.SpiSpeed); err != nil {
			return errors.Annotate(err, "SPI speed parse")
		}
	}
	spiConn, err := spiPort.Connect(spiSpeed, spi.Mode(c.SpiMode), 8)
	if err != nil {
		return errors.Annotate(err, "SPI Connect")
	}
	h.spiTx = spiConn.Tx

	if c.Dio0Chip == "" {
		return nil
	}
	line, err := strconv.ParseUint(c.Dio0Line, 10, 16)
	if err != nil {
		return errors.Annotatef(err, "dio0 line=%s must be number", c.Dio0Line)
	}
	h.gpioChip, err = gpio.Open(c.Dio0Chip, "sx127x")
	if err != nil {
		return errors.Annotatef(err, "dio0 open chip=%s", c.Dio0Chip)
	}
	h.dio0, err = h.gpioChip.GetLineEvent(uint32(line), 0,
		gpio.GPIOEVENT_REQUEST_RISING_EDGE, "sx127x")
	if err != nil {
		return errors.Annotate(err, "gpio.GetLineEvent")
	}
	return nil
}

func (h *hardware) Close() error {
	closers := []io.Closer{
		h.spiPort,
		h.dio0,
		h.gpioChip,
	}
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return helpers.FoldErrors(errs)
}

package sx127x

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

// register file emulation, TX completes on mode write
type spiChip struct {
	mu       sync.Mutex
	regs     [128]byte
	fifo     []byte
	txDone   bool
	txCount  int
	modeLog  []byte
	failNext error
}

func newSpiChip() *spiChip {
	c := &spiChip{}
	c.regs[regVersion] = chipVersion
	return c
}

func (c *spiChip) Tx(send, recv []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	addr := send[0] & 0x7f
	if send[0]&0x80 == 0 {
		recv[1] = c.regs[addr]
		return nil
	}
	switch addr {
	case regFifo:
		c.fifo = append([]byte(nil), send[1:]...)
	case regIrqFlags:
		c.regs[regIrqFlags] &^= send[1]
	case regOpMode:
		c.regs[regOpMode] = send[1]
		c.modeLog = append(c.modeLog, send[1])
		if send[1]&modeMask == modeTx {
			c.txCount++
			if c.txDone {
				c.regs[regIrqFlags] |= irqTxDone
			}
		}
	default:
		c.regs[addr] = send[1]
	}
	return nil
}

func (c *spiChip) reg(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr]
}

func (c *spiChip) setReg(addr, value byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[addr] = value
}

func newDio0(edge bool) *gpio_mock.MockEvent {
	m := &gpio_mock.MockEvent{}
	m.On("Close").Return(nil)
	if edge {
		m.On("Wait", mock.AnythingOfType("time.Duration")).Return(gpio.EventData{ID: gpio.GPIOEVENT_EVENT_RISING_EDGE}, nil).After(5 * time.Millisecond)
	} else {
		m.On("Wait", mock.AnythingOfType("time.Duration")).Return(gpio.EventData{}, gpio.ErrTimeout).After(5 * time.Millisecond)
	}
	return m
}

func testRadio(t testing.TB, chip *spiChip, dio0 gpio.Eventer) *Radio {
	c := Config{TxPowerDbm: DefaultTxPowerDbm, testhw: &hardware{spiTx: chip.Tx, dio0: dio0}}
	r, err := Open(c, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err, errors.ErrorStack(err))
	r.poll = 5 * time.Millisecond
	return r
}

func TestOpenConfigures(t *testing.T) {
	t.Parallel()
	chip := newSpiChip()
	r := testRadio(t, chip, nil)

	// 868.3MHz * 2^19 / 32MHz = 0xd91333
	assert.Equal(t, byte(0xd9), chip.reg(regFrfMsb))
	assert.Equal(t, byte(0x13), chip.reg(regFrfMsb+1))
	assert.Equal(t, byte(0x33), chip.reg(regFrfMsb+2))
	assert.Equal(t, byte(0x82), chip.reg(regModemConfig1))
	assert.Equal(t, byte(0x74), chip.reg(regModemConfig2))
	assert.Equal(t, byte(0x04), chip.reg(regModemConfig3))
	assert.Equal(t, byte(8), chip.reg(regPreambleMsb+1))
	assert.Equal(t, byte(0x02), chip.reg(regPaConfig))
	assert.Equal(t, byte(dio0TxDone), chip.reg(regDioMapping1))
	assert.Equal(t, byte(modeLongRange|modeStandby), chip.reg(regOpMode))
	assert.True(t, r.Idle())
	assert.NoError(t, r.Close())
	assert.Equal(t, byte(modeLongRange|modeSleep), chip.reg(regOpMode))
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	chip := newSpiChip()
	chip.setReg(regVersion, 0x22)
	_, err := Open(Config{testhw: &hardware{spiTx: chip.Tx}}, log2.NewTest(t, log2.LDebug))
	assert.True(t, errors.IsNotFound(errors.Cause(err)), errors.ErrorStack(err))

	_, err = Open(Config{SpreadingFactor: 13}, log2.NewTest(t, log2.LDebug))
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
	_, err = Open(Config{BandwidthHz: 300000}, log2.NewTest(t, log2.LDebug))
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
}

func TestSenseChannel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		rssi byte
		busy bool
	}{
		{"quiet", 50, false}, // -107 dBm
		{"edge", 72, false},  // -85 dBm
		{"busy", 100, true},  // -57 dBm
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			chip := newSpiChip()
			r := testRadio(t, chip, nil)
			chip.setReg(regRssiValue, c.rssi)
			busy, err := r.SenseChannel(context.Background(), -85, time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, c.busy, busy)
			chip.mu.Lock()
			defer chip.mu.Unlock()
			n := len(chip.modeLog)
			assert.Equal(t, byte(modeLongRange|modeRxCont), chip.modeLog[n-2])
			assert.Equal(t, byte(modeLongRange|modeStandby), chip.modeLog[n-1])
		})
	}
}

func TestTransmit(t *testing.T) {
	t.Parallel()
	for _, withIRQ := range []bool{true, false} {
		withIRQ := withIRQ
		name := "poll"
		if withIRQ {
			name = "dio0"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			chip := newSpiChip()
			chip.txDone = true
			var dio0 gpio.Eventer
			if withIRQ {
				dio0 = newDio0(true)
			}
			r := testRadio(t, chip, dio0)
			payload := []byte{1, 2, 3, 4, 5}
			fut, err := r.TransmitAsync(context.Background(), payload)
			require.NoError(t, err)
			assert.False(t, r.Idle())
			_, err = r.TransmitAsync(context.Background(), payload)
			assert.Equal(t, ErrBusy, err)

			done, err := fut.Wait(context.Background(), time.Second)
			assert.True(t, done)
			assert.NoError(t, err)
			assert.Eventually(t, r.Idle, time.Second, time.Millisecond)

			chip.mu.Lock()
			defer chip.mu.Unlock()
			assert.Equal(t, payload, chip.fifo)
			assert.Equal(t, byte(len(payload)), chip.regs[regPayloadLen])
			assert.Equal(t, 1, chip.txCount)
			assert.Equal(t, byte(0), chip.regs[regIrqFlags]&irqTxDone)
			assert.Equal(t, byte(modeLongRange|modeStandby), chip.regs[regOpMode])
			assert.Equal(t, byte(modeLongRange|modeStandby), chip.modeLog[len(chip.modeLog)-1])
		})
	}
}

func TestTransmitCancel(t *testing.T) {
	t.Parallel()
	chip := newSpiChip()
	dio0 := newDio0(false)
	r := testRadio(t, chip, dio0)

	fut, err := r.TransmitAsync(context.Background(), []byte{1})
	require.NoError(t, err)
	done, err := fut.Wait(context.Background(), 30*time.Millisecond)
	assert.False(t, done)
	assert.True(t, errors.IsTimeout(err))
	fut.Cancel(errors.New("timeout"))

	assert.Eventually(t, r.Idle, time.Second, time.Millisecond)
	assert.Equal(t, byte(modeLongRange|modeStandby), chip.reg(regOpMode))
	dio0.AssertCalled(t, "Wait", r.poll)
}

func TestTransmitErrors(t *testing.T) {
	t.Parallel()
	chip := newSpiChip()
	r := testRadio(t, chip, nil)
	_, err := r.TransmitAsync(context.Background(), nil)
	assert.True(t, errors.IsNotValid(err))
	_, err = r.TransmitAsync(context.Background(), make([]byte, 256))
	assert.True(t, errors.IsNotValid(err))

	chip.mu.Lock()
	chip.failNext = errors.New("spi")
	chip.mu.Unlock()
	_, err = r.TransmitAsync(context.Background(), []byte{1})
	assert.Error(t, err)
	assert.True(t, r.Idle())
}

func TestTimeOnAir(t *testing.T) {
	t.Parallel()
	toa := TimeOnAir(Config{}, 36)
	assert.InDelta(t, float64(38528*time.Microsecond), float64(toa), float64(time.Microsecond))
	assert.True(t, TimeOnAir(Config{SpreadingFactor: 12, BandwidthHz: 125000}, 36) > time.Second)
}

func TestPaConfig(t *testing.T) {
	t.Parallel()
	assert.Equal(t, byte(0x00), paConfig(-10, false))
	assert.Equal(t, byte(0x02), paConfig(-2, false))
	assert.Equal(t, byte(0x7e), paConfig(14, false))
	assert.Equal(t, byte(0xff), paConfig(20, true))
}

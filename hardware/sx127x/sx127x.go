// Package sx127x drives Semtech SX1276/77/78/79 LoRa transceiver over SPI.
// Radio implements sender.Radio: RSSI based channel sensing and
// asynchronous transmit with TxDone on DIO0.
package sx127x

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/log2"
	gpio "github.com/temoto/gpio-cdev-go"
)

const (
	regFifo         = 0x00
	regOpMode       = 0x01
	regFrfMsb       = 0x06
	regPaConfig     = 0x09
	regFifoAddrPtr  = 0x0d
	regFifoTxBase   = 0x0e
	regIrqFlags     = 0x12
	regRssiValue    = 0x1b
	regModemConfig1 = 0x1d
	regModemConfig2 = 0x1e
	regPreambleMsb  = 0x20
	regPayloadLen   = 0x22
	regModemConfig3 = 0x26
	regDioMapping1  = 0x40
	regVersion      = 0x42

	modeLongRange = 0x80
	modeSleep     = 0x00
	modeStandby   = 0x01
	modeTx        = 0x03
	modeRxCont    = 0x05
	modeMask      = 0x07

	irqTxDone    = 0x08
	dio0TxDone   = 0x40
	chipVersion  = 0x12
	rssiOffsetHF = -157
	fxosc        = 32000000
	maxPayload   = 255
)

var ErrBusy = errors.New("sx127x transmit in progress")

const DefaultPollInterval = 50 * time.Millisecond

type Radio struct {
	log    *log2.Log
	config Config
	hw     hardware
	spilk  sync.Mutex
	flight uint32
	poll   time.Duration
}

func Open(c Config, log *log2.Log) (*Radio, error) {
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, errors.Annotate(err, "sx127x config")
	}
	r := &Radio{log: log, config: c, poll: DefaultPollInterval}
	if err := r.hw.open(&c); err != nil {
		_ = r.hw.Close()
		return nil, errors.Annotate(err, "sx127x open")
	}
	if err := r.init(); err != nil {
		_ = r.hw.Close()
		return nil, errors.Annotate(err, "sx127x init")
	}
	log.Infof("sx127x ready freq=%d bw=%d sf=%d cr=4/%d power=%ddBm",
		c.FrequencyHz, c.BandwidthHz, c.SpreadingFactor, c.CodingRate, c.TxPowerDbm)
	return r, nil
}

func (r *Radio) Close() error {
	r.spilk.Lock()
	defer r.spilk.Unlock()
	_ = r.writeReg(regOpMode, modeLongRange|modeSleep)
	return r.hw.Close()
}

func (r *Radio) init() error {
	r.spilk.Lock()
	defer r.spilk.Unlock()
	version, err := r.readReg(regVersion)
	if err != nil {
		return err
	}
	if version != chipVersion {
		return errors.NotFoundf("chip version=%02x expected=%02x", version, chipVersion)
	}
	// LoRa mode may be switched only in sleep
	if err = r.writeReg(regOpMode, modeSleep); err != nil {
		return err
	}
	c := &r.config
	frf := (uint64(c.FrequencyHz) << 19) / fxosc
	bw, _ := bandwidthBits(c.BandwidthHz)
	ldro := byte(0)
	if symbolTime(c.SpreadingFactor, c.BandwidthHz) > 16*time.Millisecond {
		ldro = 0x08
	}
	writes := []struct{ addr, value byte }{
		{regOpMode, modeLongRange | modeSleep},
		{regFrfMsb, byte(frf >> 16)},
		{regFrfMsb + 1, byte(frf >> 8)},
		{regFrfMsb + 2, byte(frf)},
		{regModemConfig1, bw<<4 | (c.CodingRate-4)<<1},
		{regModemConfig2, c.SpreadingFactor<<4 | 0x04}, // CRC on
		{regModemConfig3, 0x04 | ldro},                 // AGC auto
		{regPreambleMsb, byte(c.Preamble >> 8)},
		{regPreambleMsb + 1, byte(c.Preamble)},
		{regPaConfig, paConfig(c.TxPowerDbm, c.PaBoost)},
		{regFifoTxBase, 0},
		{regDioMapping1, dio0TxDone},
		{regOpMode, modeLongRange | modeStandby},
	}
	for _, w := range writes {
		if err = r.writeReg(w.addr, w.value); err != nil {
			return errors.Annotatef(err, "write reg=%02x", w.addr)
		}
	}
	return nil
}

// Idle is false while transmission is in flight.
func (r *Radio) Idle() bool {
	if atomic.LoadUint32(&r.flight) != 0 {
		return false
	}
	r.spilk.Lock()
	defer r.spilk.Unlock()
	mode, err := r.readReg(regOpMode)
	if err != nil {
		r.log.Errorf("sx127x read mode err=%v", err)
		return false
	}
	return mode&modeMask != modeTx
}

// RSSI in dBm, receiver must be on.
func (r *Radio) RSSI() (int, error) {
	r.spilk.Lock()
	defer r.spilk.Unlock()
	v, err := r.readReg(regRssiValue)
	return rssiOffsetHF + int(v), err
}

// SenseChannel enables receiver for window and reports busy
// when RSSI exceeds threshold at any sample.
func (r *Radio) SenseChannel(ctx context.Context, thresholdDbm int, window time.Duration) (bool, error) {
	if err := r.setMode(modeRxCont); err != nil {
		return false, errors.Annotate(err, "sx127x rx")
	}
	defer func() {
		if err := r.setMode(modeStandby); err != nil {
			r.log.Errorf("sx127x standby err=%v", err)
		}
	}()

	deadline := time.Now().Add(window)
	peak := rssiOffsetHF
	for {
		rssi, err := r.RSSI()
		if err != nil {
			return false, errors.Annotate(err, "sx127x rssi")
		}
		if rssi > peak {
			peak = rssi
		}
		if rssi > thresholdDbm {
			r.log.Debugf("sx127x channel busy rssi=%d threshold=%d", rssi, thresholdDbm)
			return true, nil
		}
		if err = ctx.Err(); err != nil {
			return false, err
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	r.log.Debugf("sx127x channel clear peak=%d", peak)
	return false, nil
}

// TransmitAsync loads FIFO and starts TX. Future completes on TxDone.
// Cancel of returned future aborts transmission.
func (r *Radio) TransmitAsync(ctx context.Context, payload []byte) (*helpers.Future, error) {
	if len(payload) == 0 || len(payload) > maxPayload {
		return nil, errors.NotValidf("payload length=%d", len(payload))
	}
	if !atomic.CompareAndSwapUint32(&r.flight, 0, 1) {
		return nil, ErrBusy
	}
	if err := r.load(payload); err != nil {
		atomic.StoreUint32(&r.flight, 0)
		return nil, errors.Annotate(err, "sx127x load")
	}
	fut := helpers.NewFuture()
	go r.waitDone(ctx, fut)
	return fut, nil
}

func (r *Radio) load(payload []byte) error {
	r.spilk.Lock()
	defer r.spilk.Unlock()
	if err := r.writeReg(regOpMode, modeLongRange|modeStandby); err != nil {
		return err
	}
	if err := r.writeReg(regFifoAddrPtr, 0); err != nil {
		return err
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = regFifo | 0x80
	copy(buf[1:], payload)
	if err := r.hw.spiTx(buf, make([]byte, len(buf))); err != nil {
		return err
	}
	if err := r.writeReg(regPayloadLen, byte(len(payload))); err != nil {
		return err
	}
	if err := r.writeReg(regIrqFlags, 0xff); err != nil {
		return err
	}
	return r.writeReg(regOpMode, modeLongRange|modeTx)
}

func (r *Radio) waitDone(ctx context.Context, fut *helpers.Future) {
	defer atomic.StoreUint32(&r.flight, 0)
	for {
		select {
		case <-fut.Cancelled():
			r.log.Debugf("sx127x transmit cancelled: %v", fut.Result())
			if err := r.setMode(modeStandby); err != nil {
				r.log.Errorf("sx127x standby err=%v", err)
			}
			return
		case <-ctx.Done():
			fut.Cancel(ctx.Err())
			continue
		default:
		}

		if r.hw.dio0 != nil {
			if _, err := r.hw.dio0.Wait(r.poll); err != nil && !gpio.IsTimeout(err) {
				fut.Complete(errors.Annotate(err, "sx127x dio0"))
				return
			}
		} else {
			time.Sleep(r.poll)
		}

		r.spilk.Lock()
		flags, err := r.readReg(regIrqFlags)
		if err == nil && flags&irqTxDone != 0 {
			err = r.writeReg(regIrqFlags, irqTxDone)
			// some modules stay in TX mode after TxDone
			if err == nil {
				err = r.writeReg(regOpMode, modeLongRange|modeStandby)
			}
		}
		r.spilk.Unlock()
		if err != nil {
			fut.Complete(errors.Annotate(err, "sx127x irq flags"))
			return
		}
		if flags&irqTxDone != 0 {
			fut.Complete(nil)
			return
		}
	}
}

func (r *Radio) setMode(mode byte) error {
	r.spilk.Lock()
	defer r.spilk.Unlock()
	return r.writeReg(regOpMode, modeLongRange|mode)
}

// caller holds spilk
func (r *Radio) readReg(addr byte) (byte, error) {
	var recv [2]byte
	err := r.hw.spiTx([]byte{addr & 0x7f, 0}, recv[:])
	return recv[1], err
}

// caller holds spilk
func (r *Radio) writeReg(addr, value byte) error {
	var recv [2]byte
	return r.hw.spiTx([]byte{addr | 0x80, value}, recv[:])
}

func bandwidthBits(hz uint32) (byte, error) {
	switch hz {
	case 7800:
		return 0, nil
	case 10400:
		return 1, nil
	case 15600:
		return 2, nil
	case 20800:
		return 3, nil
	case 31250:
		return 4, nil
	case 41700:
		return 5, nil
	case 62500:
		return 6, nil
	case 125000:
		return 7, nil
	case 250000:
		return 8, nil
	case 500000:
		return 9, nil
	}
	return 0, errors.NotValidf("bandwidth=%d", hz)
}

// RFO pin: -4..14 dBm, PA_BOOST: 2..17 dBm
func paConfig(dbm int, boost bool) byte {
	clamp := func(x, min, max int) int {
		if x < min {
			return min
		}
		if x > max {
			return max
		}
		return x
	}
	if boost {
		return 0x80 | 0x70 | byte(clamp(dbm, 2, 17)-2)
	}
	dbm = clamp(dbm, -4, 14)
	if dbm < 0 {
		// MaxPower=0, Pmax=10.8
		return byte(dbm + 4)
	}
	return 0x70 | byte(dbm)
}

// Package config reads sensorcast.hcl with `include "name" {optional=true}` support.
// Later sources overwrite earlier values.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/hardware/sx127x"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/internal/aggregate"
	"github.com/sensorcast/sensorcast/internal/beacon"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/internal/nonce"
	"github.com/sensorcast/sensorcast/internal/sender"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/sensorcast/sensorcast/tele"
)

const (
	DefaultRestartDelay = 10 * time.Second

	TransportLoRa   = "lora"
	TransportBeacon = "beacon"

	SourceTest = "test"
	SourceLine = "line"

	EmptyNaN  = "nan"
	EmptySkip = "skip"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Node struct {
		LogDebug        bool          `hcl:"log_debug"`
		Name            string        `hcl:"name"`
		KeyFile         string        `hcl:"key_file"`
		Layout          string        `hcl:"layout"`
		Transport       string        `hcl:"transport"`
		RestartDelaySec int           `hcl:"restart_delay_sec"`
		EmptyPolicy     string        `hcl:"empty_policy"`
		Fields          []FieldConfig `hcl:"field"`
	} `hcl:"node"`
	Nonce struct {
		Key                string `hcl:"key"`
		CheckpointInterval int    `hcl:"checkpoint_interval"`
	} `hcl:"nonce"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	Sender struct {
		LogDebug             bool `hcl:"log_debug"`
		IntervalSec          int  `hcl:"interval_sec"`
		CCAWindowMs          int  `hcl:"cca_window_ms"`
		ThresholdDbm         int  `hcl:"threshold_dbm"`
		BackoffSec           int  `hcl:"backoff_sec"`
		BackoffMaxSec        int  `hcl:"backoff_max_sec"`
		CompletionTimeoutSec int  `hcl:"completion_timeout_sec"`
	} `hcl:"sender"`
	Beacon struct {
		LogDebug    bool   `hcl:"log_debug"`
		OnSample    bool   `hcl:"on_sample"` // publish on every sample instead of sender interval
		StopAfterMs int    `hcl:"stop_after_ms"`
		Topic       string `hcl:"topic"`
	} `hcl:"beacon"`
	Source struct {
		Kind          string `hcl:"kind"`
		Device        string `hcl:"device"`
		Baud          int    `hcl:"baud"`
		TestPeriodSec int    `hcl:"test_period_sec"`
	} `hcl:"source"`
	Hardware struct {
		Sx127x struct {
			LogDebug    bool   `hcl:"log_debug"`
			SpiBus      string `hcl:"spi"`
			SpiMode     int    `hcl:"spi_mode"`
			SpiSpeed    string `hcl:"spi_speed"`
			Dio0Chip    string `hcl:"dio0_chip"`
			Dio0Line    string `hcl:"dio0_line"`
			FrequencyHz int    `hcl:"frequency_hz"`
			BandwidthHz int    `hcl:"bandwidth_hz"`
			SF          int    `hcl:"spreading_factor"`
			CR          int    `hcl:"coding_rate"`
			Preamble    int    `hcl:"preamble"`
			TxPowerDbm  int    `hcl:"tx_power_dbm"`
			PaBoost     bool   `hcl:"pa_boost"`
		} `hcl:"sx127x"`
	} `hcl:"hardware"`
	Gateway struct {
		LogDebug  bool   `hcl:"log_debug"`
		Device    string `hcl:"device"`
		Baud      int    `hcl:"baud"`
		QueuePath string `hcl:"queue_path"`
		Layout    string `hcl:"layout"`
	} `hcl:"gateway"`
	Tele tele.Config `hcl:"tele"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type FieldConfig struct {
	Name string `hcl:"name,key"`
	Mode string `hcl:"mode"`
}

var defaultModes = map[string]aggregate.Mode{
	"active_energy": aggregate.Latest,
	"meter_status":  aggregate.Latest,
	"alarm_status":  aggregate.Latest,
	"output_status": aggregate.Latest,
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.New("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = append(errs, c.validate()...)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) validate() []error {
	var errs []error
	switch c.Node.Transport {
	case "", TransportLoRa, TransportBeacon:
	default:
		errs = append(errs, errors.NotValidf("node.transport=%s", c.Node.Transport))
	}
	switch c.Node.EmptyPolicy {
	case "", EmptyNaN, EmptySkip:
	default:
		errs = append(errs, errors.NotValidf("node.empty_policy=%s", c.Node.EmptyPolicy))
	}
	switch c.Source.Kind {
	case "", SourceTest, SourceLine:
	default:
		errs = append(errs, errors.NotValidf("source.kind=%s", c.Source.Kind))
	}
	if _, err := c.Layout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Fields(); err != nil {
		errs = append(errs, err)
	}
	if c.Nonce.CheckpointInterval < 0 {
		errs = append(errs, errors.NotValidf("nonce.checkpoint_interval=%d", c.Nonce.CheckpointInterval))
	}
	return errs
}

func (c *Config) Layout() (*frame.Layout, error) {
	return frame.LayoutByName(c.Node.Layout)
}

func (c *Config) GatewayLayout() (*frame.Layout, error) {
	return frame.LayoutByName(c.Gateway.Layout)
}

// Fields follow layout order. Mode comes from field blocks, then defaults.
func (c *Config) Fields() ([]aggregate.Field, error) {
	layout, err := c.Layout()
	if err != nil {
		return nil, err
	}
	modes := make(map[string]aggregate.Mode, len(c.Node.Fields))
	for _, fc := range c.Node.Fields {
		if fc.Mode == "" {
			continue
		}
		m, err := aggregate.ParseMode(fc.Mode)
		if err != nil {
			return nil, errors.Annotatef(err, "node.field=%s", fc.Name)
		}
		modes[fc.Name] = m
	}
	fields := make([]aggregate.Field, len(layout.Slots))
	for i, slot := range layout.Slots {
		mode, ok := modes[slot.Name]
		if !ok {
			mode = defaultModes[slot.Name]
		}
		delete(modes, slot.Name)
		fields[i] = aggregate.Field{Name: slot.Name, Mode: mode}
	}
	for name := range modes {
		return nil, errors.NotFoundf("node.field=%s in layout=%s", name, layout.Name)
	}
	return fields, nil
}

func (c *Config) RestartDelay() time.Duration {
	return helpers.IntSecondDefault(c.Node.RestartDelaySec, DefaultRestartDelay)
}

func (c *Config) CheckpointInterval() uint32 {
	if c.Nonce.CheckpointInterval <= 0 {
		return nonce.DefaultCheckpointInterval
	}
	return uint32(c.Nonce.CheckpointInterval)
}

func (c *Config) SenderConfig() sender.Config {
	s := &c.Sender
	backoff := helpers.IntSecondDefault(s.BackoffSec, sender.DefaultBackoff)
	return sender.Config{
		Interval:          helpers.IntSecondDefault(s.IntervalSec, sender.DefaultInterval),
		CCAWindow:         helpers.IntMillisecondDefault(s.CCAWindowMs, sender.DefaultCCAWindow),
		ThresholdDbm:      s.ThresholdDbm,
		BackoffMin:        backoff,
		BackoffMax:        helpers.IntSecondDefault(s.BackoffMaxSec, backoff),
		CompletionTimeout: helpers.IntSecondDefault(s.CompletionTimeoutSec, sender.DefaultCompletionTimeout),
		SkipEmpty:         c.Node.EmptyPolicy == EmptySkip,
	}
}

func (c *Config) BeaconStopAfter() time.Duration {
	return helpers.IntMillisecondDefault(c.Beacon.StopAfterMs, beacon.DefaultStopAfter)
}

func (c *Config) RadioConfig() sx127x.Config {
	h := &c.Hardware.Sx127x
	return sx127x.Config{
		SpiBus:          h.SpiBus,
		SpiMode:         h.SpiMode,
		SpiSpeed:        h.SpiSpeed,
		Dio0Chip:        h.Dio0Chip,
		Dio0Line:        h.Dio0Line,
		FrequencyHz:     uint32(h.FrequencyHz),
		BandwidthHz:     uint32(h.BandwidthHz),
		SpreadingFactor: uint8(h.SF),
		CodingRate:      uint8(h.CR),
		Preamble:        uint16(h.Preamble),
		TxPowerDbm:      h.TxPowerDbm,
		PaBoost:         h.PaBoost,
	}
}

package lodestar

import (
	"fmt"

	"github.com/lodestar-daq/lodestar/hx711"
)

// HX711SourceConfig holds the arguments needed to call HX711Source.Configure
// by RPC. Each entry in Channels names the GPIO pin pair of one converter.
type HX711SourceConfig struct {
	Channels []hx711.Config
}

// HX711Source is a SampleSource that reads 1 or more HX711 converters wired
// to GPIO pins. All channels of one source are read in lockstep by a Sampler.
type HX711Source struct {
	config  HX711SourceConfig
	devices []*hx711.Device
	names   []string
}

// NewHX711Source creates a new HX711Source.
func NewHX711Source() *HX711Source {
	return new(HX711Source)
}

// Name identifies the kind of source.
func (hs *HX711Source) Name() string { return "HX711" }

// Configure validates and stores the source configuration. Pins are only
// claimed later, in Open.
func (hs *HX711Source) Configure(config *HX711SourceConfig) error {
	if len(config.Channels) < 1 {
		return fmt.Errorf("HX711Source needs at least 1 channel, have %d", len(config.Channels))
	}
	used := make(map[string]int)
	for i := range config.Channels {
		c := &config.Channels[i]
		if c.Gain == 0 {
			c.Gain = hx711.GainA128
		}
		if c.DataPin == "" || c.ClockPin == "" {
			return fmt.Errorf("channel %d: both a data pin and a clock pin are required", i+1)
		}
		for _, pin := range []string{c.DataPin, c.ClockPin} {
			if prev, ok := used[pin]; ok {
				return fmt.Errorf("pin %q is claimed by both channel %d and channel %d", pin, prev, i+1)
			}
			used[pin] = i + 1
		}
	}
	hs.config = *config
	return nil
}

// Open claims the GPIO pins and prepares every converter.
func (hs *HX711Source) Open() error {
	hs.devices = make([]*hx711.Device, 0, len(hs.config.Channels))
	hs.names = make([]string, 0, len(hs.config.Channels))
	for i, c := range hs.config.Channels {
		dev, err := hx711.Open(c)
		if err != nil {
			hs.Close()
			return fmt.Errorf("channel %d: %w", i+1, err)
		}
		hs.devices = append(hs.devices, dev)
		hs.names = append(hs.names, c.DataPin)
	}
	return nil
}

// Digitizers returns one Digitizer per converter.
func (hs *HX711Source) Digitizers() []Digitizer {
	digitizers := make([]Digitizer, len(hs.devices))
	for i, dev := range hs.devices {
		digitizers[i] = dev
	}
	return digitizers
}

// ChannelNames returns the per-channel names, taken from the data pins.
func (hs *HX711Source) ChannelNames() []string {
	return hs.names
}

// Close powers every converter down. The chips sleep until the next Open.
func (hs *HX711Source) Close() error {
	var firstErr error
	for _, dev := range hs.devices {
		if err := dev.PowerDown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	hs.devices = nil
	hs.names = nil
	return firstErr
}

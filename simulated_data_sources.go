package lodestar

import (
	"fmt"
	"time"

	"github.com/lodestar-daq/lodestar/hx711"
)

// SimSourceConfig holds the arguments needed to call SimSource.Configure by RPC.
// Values gives the fixed reading each simulated converter produces; leave it
// empty for all zeros, or supply one value per channel. TimeoutChannels lists
// 1-based channel numbers that never signal readiness, so every read of them
// times out.
type SimSourceConfig struct {
	Nchan           int
	Gain            hx711.Gain // zero value means channel A at gain 128
	Values          []int32
	TimeoutChannels []int
	ConversionTime  time.Duration
}

// SimSource is a SampleSource backed by simulated converters. It needs no
// hardware, so it serves demos and tests of everything above the GPIO layer.
type SimSource struct {
	config  SimSourceConfig
	sims    []*hx711.Sim
	devices []*hx711.Device
	names   []string
}

// NewSimSource creates a new SimSource.
func NewSimSource() *SimSource {
	return new(SimSource)
}

// Name identifies the kind of source.
func (ss *SimSource) Name() string { return "Sim" }

// Configure validates and stores the source configuration.
func (ss *SimSource) Configure(config *SimSourceConfig) error {
	if config.Nchan < 1 {
		return fmt.Errorf("SimSource needs at least 1 channel, have %d", config.Nchan)
	}
	if len(config.Values) != 0 && len(config.Values) != config.Nchan {
		return fmt.Errorf("SimSource got %d values for %d channels; want none or one per channel",
			len(config.Values), config.Nchan)
	}
	if config.Gain == 0 {
		config.Gain = hx711.GainA128
	}
	for _, cnum := range config.TimeoutChannels {
		if cnum < 1 || cnum > config.Nchan {
			return fmt.Errorf("SimSource timeout channel %d out of range [1, %d]", cnum, config.Nchan)
		}
	}
	ss.config = *config
	return nil
}

// Open builds one simulated converter per channel. Channels named in
// TimeoutChannels are left unarmed and will never become ready.
func (ss *SimSource) Open() error {
	ss.sims = make([]*hx711.Sim, ss.config.Nchan)
	ss.devices = make([]*hx711.Device, ss.config.Nchan)
	ss.names = make([]string, ss.config.Nchan)
	for i := 0; i < ss.config.Nchan; i++ {
		name := fmt.Sprintf("sim%d", i+1)
		sim, dev, err := hx711.NewSimDevice(name, ss.config.Gain)
		if err != nil {
			return err
		}
		if ss.config.ConversionTime > 0 {
			sim.SetConversionTime(ss.config.ConversionTime)
		}
		if !ss.timesOut(i + 1) {
			var value int32
			if len(ss.config.Values) == ss.config.Nchan {
				value = ss.config.Values[i]
			}
			sim.SetFixed(value)
		}
		ss.sims[i] = sim
		ss.devices[i] = dev
		ss.names[i] = name
	}
	return nil
}

func (ss *SimSource) timesOut(cnum int) bool {
	for _, c := range ss.config.TimeoutChannels {
		if c == cnum {
			return true
		}
	}
	return false
}

// Digitizers returns one Digitizer per simulated channel.
func (ss *SimSource) Digitizers() []Digitizer {
	digitizers := make([]Digitizer, len(ss.devices))
	for i, dev := range ss.devices {
		digitizers[i] = dev
	}
	return digitizers
}

// ChannelNames returns the per-channel names, sim1 through simN.
func (ss *SimSource) ChannelNames() []string {
	return ss.names
}

// Close releases the simulated converters.
func (ss *SimSource) Close() error {
	ss.sims = nil
	ss.devices = nil
	return nil
}

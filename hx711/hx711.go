// Package hx711 drives the HX711 24-bit load-cell ADC through a pair of
// GPIO lines: a data line (DOUT) the device drives, and a clock line
// (PD_SCK) the host drives. The device signals a finished conversion by
// pulling DOUT low; the host then shifts out 24 data bits and appends 1-3
// clock pulses that select the input channel and gain for the conversion
// after this one.
package hx711

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Gain selects the input channel and amplifier gain for the next conversion.
// Its numeric value is the count of clock pulses appended after the 24 data
// bits of each read.
type Gain int

// The three gain/channel programs the device understands.
const (
	GainA128 Gain = 1 // channel A, gain 128
	GainB32  Gain = 2 // channel B, gain 32
	GainA64  Gain = 3 // channel A, gain 64
)

func (g Gain) String() string {
	switch g {
	case GainA128:
		return "A/128"
	case GainB32:
		return "B/32"
	case GainA64:
		return "A/64"
	}
	return fmt.Sprintf("Gain(%d)", int(g))
}

const (
	// DefaultPulseWidth is how long the clock line is held in each state
	// while shifting bits.
	DefaultPulseWidth = 2 * time.Microsecond

	// maxPulseWidth caps the configurable clock half-period. The device
	// powers down when PD_SCK stays high for 60µs, so widths at or above
	// this limit are rejected outright.
	maxPulseWidth = 50 * time.Microsecond

	// powerDownHold is how long PD_SCK is held high to guarantee a
	// deliberate power-down.
	powerDownHold = 100 * time.Microsecond

	// DefaultPollInterval is the wait between readiness checks in WaitReady.
	DefaultPollInterval = 500 * time.Microsecond

	// DefaultReadTimeout is a sensible ReadRaw budget: the slowest output
	// rate of the device is 10 samples/s, so a healthy part always has a
	// conversion ready within 100ms. Allow margin for startup settling.
	DefaultReadTimeout = 250 * time.Millisecond
)

// ErrNotReady means the device did not pull its data line low within the
// allowed time, so there was no conversion to read.
var ErrNotReady = errors.New("hx711: device not ready")

// Config describes one HX711 channel by GPIO pin name, as understood by the
// periph.io pin registry (e.g. "GPIO5" or "5" on a Raspberry Pi).
type Config struct {
	DataPin  string
	ClockPin string
	Gain     Gain
}

// Device is one HX711 attached to a pair of GPIO lines. Its methods are not
// safe for concurrent use: each Device belongs to a single reader goroutine.
type Device struct {
	dout gpio.PinIn
	sck  gpio.PinOut
	gain Gain

	pulseWidth   time.Duration
	pollInterval time.Duration

	// needsGainSync is set when the device state may be reset to its
	// power-on program (channel A, gain 128) while a different gain is
	// configured. The next ReadRaw then runs one throwaway conversion,
	// whose trailing pulses restore the configured program.
	needsGainSync bool
}

// Open initializes the host GPIO drivers, resolves the configured pin names
// and returns a ready-to-use Device.
func Open(cfg Config) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hx711: initialize host drivers: %w", err)
	}
	dout := gpioreg.ByName(cfg.DataPin)
	if dout == nil {
		return nil, fmt.Errorf("hx711: no GPIO pin named %q", cfg.DataPin)
	}
	sck := gpioreg.ByName(cfg.ClockPin)
	if sck == nil {
		return nil, fmt.Errorf("hx711: no GPIO pin named %q", cfg.ClockPin)
	}
	return New(dout, sck, cfg.Gain)
}

// New wires a Device onto the given pins, configuring dout as a floating
// input and sck as an output driven low (the device's powered-up state).
func New(dout gpio.PinIn, sck gpio.PinOut, g Gain) (*Device, error) {
	if g < GainA128 || g > GainA64 {
		return nil, fmt.Errorf("hx711: gain selector %d outside [1,3]", int(g))
	}
	if err := dout.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("hx711: configure data pin %s: %w", dout.Name(), err)
	}
	if err := sck.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("hx711: configure clock pin %s: %w", sck.Name(), err)
	}
	return &Device{
		dout:         dout,
		sck:          sck,
		gain:         g,
		pulseWidth:   DefaultPulseWidth,
		pollInterval: DefaultPollInterval,
	}, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("hx711(dout=%s, sck=%s, gain=%s)", d.dout.Name(), d.sck.Name(), d.gain)
}

// Gain returns the configured channel/gain program.
func (d *Device) Gain() Gain { return d.gain }

// SetPulseWidth overrides the clock half-period. Widths that could hold the
// clock high long enough to power the device down are rejected.
func (d *Device) SetPulseWidth(w time.Duration) error {
	if w <= 0 || w >= maxPulseWidth {
		return fmt.Errorf("hx711: pulse width %v outside (0, %v)", w, maxPulseWidth)
	}
	d.pulseWidth = w
	return nil
}

// SetPollInterval overrides the wait between readiness checks in WaitReady.
func (d *Device) SetPollInterval(w time.Duration) error {
	if w <= 0 {
		return fmt.Errorf("hx711: poll interval %v must be positive", w)
	}
	d.pollInterval = w
	return nil
}

// IsReady reports whether a conversion is waiting to be read.
func (d *Device) IsReady() bool {
	return d.dout.Read() == gpio.Low
}

// WaitReady polls until a conversion is ready or the timeout elapses. It
// always checks at least once, so a zero timeout is a plain readiness probe.
func (d *Device) WaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if d.IsReady() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(d.pollInterval)
	}
}

// ReadRaw waits for a conversion, shifts out its 24 bits MSB first, appends
// the gain-selection pulses and returns the sample as a signed value in
// [-8388608, 8388607]. If the device stays busy past the timeout, ReadRaw
// returns ErrNotReady without having touched the clock line at all, leaving
// the in-progress conversion undisturbed for a later attempt.
func (d *Device) ReadRaw(timeout time.Duration) (int32, error) {
	if !d.WaitReady(timeout) {
		return 0, fmt.Errorf("%w: no conversion on %s within %v", ErrNotReady, d.dout.Name(), timeout)
	}
	if d.needsGainSync {
		// Discard one conversion made at the power-on gain; its trailing
		// pulses program the configured gain for the read below.
		if _, err := d.readWord(); err != nil {
			return 0, err
		}
		d.needsGainSync = false
		if !d.WaitReady(timeout) {
			return 0, fmt.Errorf("%w: no conversion on %s within %v of gain sync", ErrNotReady, d.dout.Name(), timeout)
		}
	}
	u, err := d.readWord()
	if err != nil {
		return 0, err
	}
	return signExtend24(u), nil
}

// readWord clocks out one complete conversion: 24 data bits plus the
// channel/gain program for the next one.
func (d *Device) readWord() (uint32, error) {
	var u uint32
	for i := 0; i < 24; i++ {
		bit, err := d.pulse(true)
		if err != nil {
			return 0, err
		}
		u = u<<1 | bit
	}
	for i := 0; i < int(d.gain); i++ {
		if _, err := d.pulse(false); err != nil {
			return 0, err
		}
	}
	return u, nil
}

// pulse drives one clock cycle. When sample is set, the data line is read
// while the clock is high, which is when the device presents each bit.
func (d *Device) pulse(sample bool) (uint32, error) {
	if err := d.sck.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("hx711: drive clock %s high: %w", d.sck.Name(), err)
	}
	spinWait(d.pulseWidth)
	var bit uint32
	if sample && d.dout.Read() == gpio.High {
		bit = 1
	}
	if err := d.sck.Out(gpio.Low); err != nil {
		return 0, fmt.Errorf("hx711: drive clock %s low: %w", d.sck.Name(), err)
	}
	spinWait(d.pulseWidth)
	return bit, nil
}

// PowerDown holds the clock line high long enough to switch the device into
// its low-power state. The line stays high until PowerUp.
func (d *Device) PowerDown() error {
	if err := d.sck.Out(gpio.High); err != nil {
		return fmt.Errorf("hx711: drive clock %s high: %w", d.sck.Name(), err)
	}
	time.Sleep(powerDownHold)
	return nil
}

// PowerUp returns the device to normal operation. Waking resets it to
// channel A at gain 128, so with any other configured gain the next ReadRaw
// first spends one conversion restoring the program.
func (d *Device) PowerUp() error {
	if err := d.sck.Out(gpio.Low); err != nil {
		return fmt.Errorf("hx711: drive clock %s low: %w", d.sck.Name(), err)
	}
	if d.gain != GainA128 {
		d.needsGainSync = true
	}
	return nil
}

// signExtend24 interprets the low 24 bits of u as a two's-complement value.
func signExtend24(u uint32) int32 {
	if u&0x800000 != 0 {
		return int32(u) - (1 << 24)
	}
	return int32(u)
}

// spinWait burns the CPU for short intervals instead of sleeping. Timer
// sleeps on a stock kernel overshoot by tens of microseconds, and an
// overshoot during the clock-high phase would power the device down
// mid-read.
func spinWait(d time.Duration) {
	t0 := time.Now()
	for time.Since(t0) < d {
	}
}

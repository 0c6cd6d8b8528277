package hx711

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Sim emulates the serial interface of an HX711 on in-memory pins, so that a
// Device can run without hardware attached. Conversions are scripted with
// Enqueue or SetFixed; a Sim with nothing scripted never becomes ready. The
// shift protocol is modeled on clock edges, and every rising edge is
// counted, which lets tests verify exactly how many pulses a read produced.
//
// Sim models the shift protocol only, not the power-management timing: a
// long clock-high phase does not reset the simulated part.
type Sim struct {
	dout *simDataPin
	sck  *simClockPin

	mu        sync.Mutex
	queue     []uint32      // scripted conversions, oldest first
	fixed     uint32        // conversion repeated forever when haveFixed
	haveFixed bool
	word      uint32        // conversion currently being shifted out
	haveWord  bool
	sckHigh   bool
	burst     int           // rising edges since the current conversion was armed
	pulses    int           // rising edges since construction or ResetCounters
	bursts    []int         // completed burst sizes (24 data + gain pulses each)
	notBefore time.Time     // earliest time the next conversion can be ready
	convTime  time.Duration // simulated conversion time between reads
}

// NewSim returns a Sim whose pins are named name+".dout" and name+".sck".
func NewSim(name string) *Sim {
	s := &Sim{}
	s.dout = &simDataPin{Pin: gpiotest.Pin{N: name + ".dout"}, sim: s}
	s.sck = &simClockPin{Pin: gpiotest.Pin{N: name + ".sck"}, sim: s}
	// No conversion scripted yet: data line idles high (busy).
	s.dout.Pin.L = gpio.High
	return s
}

// NewSimDevice wires a Device onto a fresh Sim, as a drop-in for a channel
// with no hardware attached.
func NewSimDevice(name string, g Gain) (*Sim, *Device, error) {
	s := NewSim(name)
	d, err := New(s.DataPin(), s.ClockPin(), g)
	if err != nil {
		return nil, nil, err
	}
	return s, d, nil
}

// DataPin returns the simulated DOUT line.
func (s *Sim) DataPin() gpio.PinIn { return s.dout }

// ClockPin returns the simulated PD_SCK line.
func (s *Sim) ClockPin() gpio.PinOut { return s.sck }

// Enqueue scripts conversions to be shifted out in order. Values are masked
// to 24 bits.
func (s *Sim) Enqueue(raw ...int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range raw {
		s.queue = append(s.queue, encode24(v))
	}
}

// SetFixed scripts an endless supply of conversions with the given value.
// Queued values are still consumed first.
func (s *Sim) SetFixed(raw int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixed = encode24(raw)
	s.haveFixed = true
}

// SetConversionTime sets how long the simulated part stays busy after each
// read before the next conversion is ready.
func (s *Sim) SetConversionTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convTime = d
}

// Pulses returns the total number of rising clock edges seen.
func (s *Sim) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

// Bursts returns the sizes of all completed read bursts, oldest first. A
// conforming read of gain g appears as one burst of 24+g edges. A burst
// with all 24 data bits shifted and the clock back at idle counts as
// complete even before the next readiness poll retires it.
func (s *Sim) Bursts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]int, len(s.bursts))
	copy(b, s.bursts)
	if s.haveWord && !s.sckHigh && s.burst >= 24 {
		b = append(b, s.burst)
	}
	return b
}

// ResetCounters clears the pulse counter and burst record.
func (s *Sim) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulses = 0
	s.bursts = nil
}

// clockEdge advances the shift register model on each clock transition.
func (s *Sim) clockEdge(rising bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sckHigh = rising
	if !rising {
		return
	}
	s.pulses++
	if !s.haveWord {
		return // pulses while busy shift nothing
	}
	s.burst++
	if s.burst <= 24 {
		bit := (s.word >> (24 - s.burst)) & 1
		s.setDout(gpio.Level(bit == 1))
	} else {
		// Gain-selection pulses; the part raises DOUT to busy here.
		s.setDout(gpio.High)
	}
}

// prePoll runs before every read of the data line while the clock is low:
// it retires a finished burst and arms the next scripted conversion.
func (s *Sim) prePoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sckHigh {
		return // mid-burst data sample; the level is already presented
	}
	if s.haveWord && s.burst >= 24 {
		s.bursts = append(s.bursts, s.burst)
		s.haveWord = false
		s.burst = 0
		s.notBefore = time.Now().Add(s.convTime)
		s.setDout(gpio.High)
	}
	if !s.haveWord && !time.Now().Before(s.notBefore) {
		if len(s.queue) > 0 {
			s.word = s.queue[0]
			s.queue = s.queue[1:]
			s.haveWord = true
		} else if s.haveFixed {
			s.word = s.fixed
			s.haveWord = true
		}
		if s.haveWord {
			s.burst = 0
			s.setDout(gpio.Low) // conversion ready
		}
	}
}

// setDout updates the data pin level. Callers hold s.mu; the pin has its own
// lock, always taken second.
func (s *Sim) setDout(l gpio.Level) {
	s.dout.Pin.Lock()
	s.dout.Pin.L = l
	s.dout.Pin.Unlock()
}

// encode24 maps a signed sample onto the 24-bit word the device shifts out.
// It is the inverse of signExtend24.
func encode24(v int32) uint32 {
	return uint32(v) & 0xFFFFFF
}

type simDataPin struct {
	gpiotest.Pin
	sim *Sim
}

func (p *simDataPin) Read() gpio.Level {
	p.sim.prePoll()
	return p.Pin.Read()
}

type simClockPin struct {
	gpiotest.Pin
	sim *Sim
}

func (p *simClockPin) Out(l gpio.Level) error {
	p.Pin.Lock()
	prev := p.Pin.L
	p.Pin.Unlock()
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	if l != prev {
		p.sim.clockEdge(l == gpio.High)
	}
	return nil
}

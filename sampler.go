package lodestar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marusama/cyclicbarrier"

	"github.com/lodestar-daq/lodestar/hx711"
)

// Reading is one channel's result for one tick. When Err is non-nil the
// channel faulted on that tick and Raw holds the sentinel value 0.
type Reading struct {
	Raw int32
	Err error
}

// Row is the synchronized result of one tick across all channels.
type Row struct {
	T        time.Duration // the tick's scheduled offset from the start of the run
	Readings []Reading     // one per channel, in channel order
}

// SamplerConfig controls the cadence of a sampling run.
type SamplerConfig struct {
	RateHz      float64       // ticks per second
	Duration    time.Duration // total sampling time; zero or negative means run until stopped
	ReadTimeout time.Duration // per-tick budget for each channel; zero uses hx711.DefaultReadTimeout
}

// MaxRateHz caps the configurable sample rate. Even the fastest HX711
// variants convert well under 10000 times per second.
const MaxRateHz = 10000

// EndReason tells why a sampling run ended.
type EndReason int

// The ways a run can end.
const (
	EndNormal    EndReason = iota // the configured duration completed
	EndRequested                  // Stop was called
	EndFatal                      // the rendezvous was abandoned without a stop request
)

func (e EndReason) String() string {
	switch e {
	case EndNormal:
		return "completed"
	case EndRequested:
		return "stopped on request"
	case EndFatal:
		return "aborted"
	}
	return "EndReason(unknown)"
}

// Outcome summarizes a finished sampling run.
type Outcome struct {
	End      EndReason
	Ticks    int // rows delivered
	Overruns int // ticks that began after their scheduled time
	Err      error
}

// Sampler drives one worker goroutine per Digitizer in lockstep with a
// coordinator, on an absolute schedule: tick i fires at t0 + i/RateHz,
// computed from the tick index so that one late tick never delays the ticks
// after it. Each tick is a two-phase rendezvous on a cyclic barrier. The
// coordinator releases every worker into its read at once, waits for every
// channel to deposit a result, and only then assembles the row; a channel
// that cannot produce a sample within the read timeout contributes a
// sentinel reading instead of stalling the row.
type Sampler struct {
	digitizers []Digitizer
	config     SamplerConfig

	rows    chan Row
	barrier cyclicbarrier.CyclicBarrier

	slots     []Reading
	slotsLock sync.Mutex // guards slots; held only to copy in or out

	abortCtx      context.Context
	abort         context.CancelFunc
	stopRequested atomic.Bool
	stopChan      chan struct{}

	used            bool
	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState and used
	runDone         sync.WaitGroup

	t0 time.Time

	// Written by the coordinator goroutine, read after runDone.Wait.
	ticks    int
	overruns int
	end      EndReason
	err      error
}

// NewSampler validates the configuration and prepares a single-use Sampler
// for the given channels.
func NewSampler(digitizers []Digitizer, config SamplerConfig) (*Sampler, error) {
	if len(digitizers) < 1 {
		return nil, fmt.Errorf("sampler needs at least 1 channel, have 0")
	}
	if config.RateHz <= 0 || config.RateHz > MaxRateHz {
		return nil, fmt.Errorf("sample rate %g Hz outside (0, %d]", config.RateHz, MaxRateHz)
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = hx711.DefaultReadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sampler{
		digitizers: digitizers,
		config:     config,
		rows:       make(chan Row, 16),
		barrier:    cyclicbarrier.New(len(digitizers) + 1),
		slots:      make([]Reading, len(digitizers)),
		abortCtx:   ctx,
		abort:      cancel,
		stopChan:   make(chan struct{}),
	}, nil
}

// Nchan returns the number of channels being sampled.
func (s *Sampler) Nchan() int { return len(s.digitizers) }

// Config returns the configuration with defaults filled in.
func (s *Sampler) Config() SamplerConfig { return s.config }

// Rows returns the channel on which one Row per tick is delivered. It is
// closed once sampling has ended.
func (s *Sampler) Rows() <-chan Row { return s.rows }

// Running tells whether the sampler is actively acquiring data.
func (s *Sampler) Running() bool {
	return s.GetState() == Active
}

// GetState returns the sourceState value in a race-free fashion
func (s *Sampler) GetState() SourceState {
	s.sourceStateLock.Lock()
	defer s.sourceStateLock.Unlock()
	return s.sourceState
}

// Start launches the workers and the coordinator. A Sampler runs once;
// create a new one for the next run.
func (s *Sampler) Start() error {
	s.sourceStateLock.Lock()
	if s.used {
		s.sourceStateLock.Unlock()
		return fmt.Errorf("sampler cannot be restarted; create a new one")
	}
	if s.sourceState != Inactive {
		state := s.sourceState
		s.sourceStateLock.Unlock()
		return fmt.Errorf("cannot Start a sampler that's %v, not Inactive", state)
	}
	s.used = true
	s.sourceState = Starting
	s.runDone.Add(1 + len(s.digitizers))
	s.sourceStateLock.Unlock()

	for i, d := range s.digitizers {
		go s.workerLoop(i, d)
	}
	go s.coordinatorLoop()

	s.sourceStateLock.Lock()
	if s.sourceState == Starting { // a Stop may have raced us here
		s.sourceState = Active
	}
	s.sourceStateLock.Unlock()
	return nil
}

// Stop asks the sampler to end between ticks: a tick already in flight
// completes and its row is still delivered.
func (s *Sampler) Stop() error {
	s.sourceStateLock.Lock()
	defer s.sourceStateLock.Unlock()
	switch s.sourceState {
	case Inactive:
		return fmt.Errorf("sampler not active, cannot stop")
	case Stopping:
		// Ignore Stop if the sampler is already Stopping.
		return nil
	}
	s.sourceState = Stopping
	s.stopRequested.Store(true)
	closeIfOpen(s.stopChan)
	return nil
}

// Abort breaks the rendezvous immediately, abandoning any tick in flight.
// Rows already delivered are unaffected. Use Stop for an orderly end; Abort
// is for teardown when a channel may be wedged. Like Stop it is an
// intentional end, so the run reports EndRequested; only a rendezvous that
// breaks without either call is fatal.
func (s *Sampler) Abort() {
	s.sourceStateLock.Lock()
	if s.sourceState == Starting || s.sourceState == Active {
		s.sourceState = Stopping
	}
	s.sourceStateLock.Unlock()
	s.stopRequested.Store(true)
	s.abort()
}

// Wait blocks until sampling has ended and every goroutine is joined, then
// reports how the run went. The Rows channel is closed before Wait returns.
func (s *Sampler) Wait() Outcome {
	s.runDone.Wait()
	s.sourceStateLock.Lock()
	s.sourceState = Inactive
	s.sourceStateLock.Unlock()
	return Outcome{End: s.end, Ticks: s.ticks, Overruns: s.overruns, Err: s.err}
}

// workerLoop serves one channel: it joins the tick rendezvous, performs the
// read, deposits the result, and returns when the rendezvous is abandoned.
func (s *Sampler) workerLoop(idx int, d Digitizer) {
	defer s.runDone.Done()
	for {
		// Phase A: wait for the coordinator to open the tick.
		if err := s.barrier.Await(s.abortCtx); err != nil {
			return
		}
		raw, err := d.ReadRaw(s.config.ReadTimeout)
		if err != nil {
			raw = 0 // sentinel; the fault itself rides along in the Reading
		}
		s.slotsLock.Lock()
		s.slots[idx] = Reading{Raw: raw, Err: err}
		s.slotsLock.Unlock()
		// Phase B: hand the tick back to the coordinator.
		if err := s.barrier.Await(s.abortCtx); err != nil {
			return
		}
	}
}

// coordinatorLoop runs the schedule. It owns s.ticks, s.overruns, s.end and
// s.err until its WaitGroup slot is released.
func (s *Sampler) coordinatorLoop() {
	defer s.runDone.Done()
	defer close(s.rows)
	defer s.abort() // releases workers still parked at a rendezvous

	period := time.Duration(float64(time.Second) / s.config.RateHz)
	total := -1 // run until stopped
	if s.config.Duration > 0 {
		total = int(s.config.Duration.Seconds() * s.config.RateHz)
	}

	s.t0 = time.Now()
	for i := 0; total < 0 || i < total; i++ {
		// The schedule is absolute: always t0 + i*period, never now + period,
		// so timing error cannot accumulate across ticks.
		due := s.t0.Add(time.Duration(i) * period)
		if late := time.Since(due); i > 0 && late > 0 {
			s.overruns++
			ProblemLogger.Printf("tick %d began %v late: processing overran the %v period", i, late, period)
		}
		if !s.sleepUntil(due) {
			s.endEarly(s.abortCtx.Err())
			return
		}
		if err := s.barrier.Await(s.abortCtx); err != nil {
			s.endEarly(err)
			return
		}
		if err := s.barrier.Await(s.abortCtx); err != nil {
			s.endEarly(err)
			return
		}
		s.slotsLock.Lock()
		readings := make([]Reading, len(s.slots))
		copy(readings, s.slots)
		s.slotsLock.Unlock()

		select {
		case s.rows <- Row{T: due.Sub(s.t0), Readings: readings}:
		case <-s.abortCtx.Done():
			s.endEarly(s.abortCtx.Err())
			return
		}
		s.ticks++
		if s.stopRequested.Load() {
			s.end = EndRequested
			return
		}
	}
	s.end = EndNormal
}

// endEarly records why the run ended before its schedule did. A rendezvous
// abandoned after a stop request is the expected way down; without one it is
// a fault.
func (s *Sampler) endEarly(err error) {
	if s.stopRequested.Load() {
		s.end = EndRequested
		return
	}
	s.end = EndFatal
	s.err = fmt.Errorf("synchronization abandoned unexpectedly: %w", err)
}

// sleepUntil sleeps until the absolute deadline, returning false if the run
// should not begin another tick.
func (s *Sampler) sleepUntil(t time.Time) bool {
	if d := time.Until(t); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopChan:
			return false
		case <-s.abortCtx.Done():
			return false
		}
	}
	return !s.stopRequested.Load() && s.abortCtx.Err() == nil
}

package lodestar

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lodestar-daq/lodestar/hx711"
)

// scriptedDigitizer is a Digitizer test double: it returns value after an
// optional delay, or an error on the calls that failOn selects. The wall
// clock at the start of every read is recorded.
type scriptedDigitizer struct {
	value  int32
	delay  time.Duration
	failOn func(call int) bool
	calls  atomic.Int64

	mu     sync.Mutex
	starts []time.Time
}

func (d *scriptedDigitizer) ReadRaw(timeout time.Duration) (int32, error) {
	call := int(d.calls.Add(1)) - 1
	d.mu.Lock()
	d.starts = append(d.starts, time.Now())
	d.mu.Unlock()
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.failOn != nil && d.failOn(call) {
		// Returns a non-zero value with the error, to check that the
		// sampler applies the sentinel itself.
		return 12345, fmt.Errorf("%w: no conversion within %v", hx711.ErrNotReady, timeout)
	}
	return d.value, nil
}

func (d *scriptedDigitizer) readStarts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	starts := make([]time.Time, len(d.starts))
	copy(starts, d.starts)
	return starts
}

func drainRows(s *Sampler) []Row {
	var rows []Row
	for row := range s.Rows() {
		rows = append(rows, row)
	}
	return rows
}

func TestSamplerBoundedRun(t *testing.T) {
	d1 := &scriptedDigitizer{value: 7}
	d2 := &scriptedDigitizer{value: -9}
	s, err := NewSampler([]Digitizer{d1, d2}, SamplerConfig{RateHz: 100, Duration: 250 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := drainRows(s)
	outcome := s.Wait()

	if outcome.End != EndNormal {
		t.Errorf("run ended %v, want %v", outcome.End, EndNormal)
	}
	if outcome.Err != nil {
		t.Errorf("run ended with error %v, want nil", outcome.Err)
	}
	if len(rows) != 25 || outcome.Ticks != 25 {
		t.Errorf("have %d rows and %d ticks, want 25 of each", len(rows), outcome.Ticks)
	}
	for i, row := range rows {
		want := time.Duration(i) * 10 * time.Millisecond
		if row.T != want {
			t.Errorf("row %d has timestamp %v, want exactly %v", i, row.T, want)
		}
		if row.Readings[0].Raw != 7 || row.Readings[1].Raw != -9 {
			t.Errorf("row %d readings = %+v, want 7 and -9", i, row.Readings)
		}
	}
	if n := d1.calls.Load(); n != 25 {
		t.Errorf("channel 1 was read %d times, want 25", n)
	}
	if s.Running() {
		t.Errorf("sampler still reports Running after Wait")
	}
}

func TestSamplerTickCounts(t *testing.T) {
	tests := []struct {
		rate  float64
		dur   time.Duration
		ticks int
	}{
		{100, 250 * time.Millisecond, 25},
		{1000, 10 * time.Millisecond, 10},
		{250, 100 * time.Millisecond, 25},
		{100, 5 * time.Millisecond, 0}, // shorter than one period
	}
	for _, test := range tests {
		d := &scriptedDigitizer{value: 1}
		s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: test.rate, Duration: test.dur})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(); err != nil {
			t.Fatal(err)
		}
		rows := drainRows(s)
		outcome := s.Wait()
		if outcome.Ticks != test.ticks || len(rows) != test.ticks {
			t.Errorf("%g Hz for %v: have %d ticks and %d rows, want %d",
				test.rate, test.dur, outcome.Ticks, len(rows), test.ticks)
		}
		if outcome.End != EndNormal {
			t.Errorf("%g Hz for %v: ended %v, want %v", test.rate, test.dur, outcome.End, EndNormal)
		}
	}
}

// A slow channel makes every later tick begin late. The schedule is anchored
// to the start time, so the late ticks are reported as overruns rather than
// silently stretching the run's timestamps.
func TestSamplerOverrunsCounted(t *testing.T) {
	d := &scriptedDigitizer{value: 5, delay: 25 * time.Millisecond}
	s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 100, Duration: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := drainRows(s)
	outcome := s.Wait()

	if outcome.Ticks != 10 {
		t.Errorf("have %d ticks, want 10: overruns must not change the tick count", outcome.Ticks)
	}
	if outcome.Overruns < 5 {
		t.Errorf("have %d overruns, want at least 5 with a 25 ms read in a 10 ms period", outcome.Overruns)
	}
	if outcome.End != EndNormal || outcome.Err != nil {
		t.Errorf("overruns ended the run (%v, %v); they are informational only", outcome.End, outcome.Err)
	}
	for i, row := range rows {
		if want := time.Duration(i) * 10 * time.Millisecond; row.T != want {
			t.Errorf("row %d has timestamp %v, want the scheduled %v", i, row.T, want)
		}
	}
}

// With every tick overrunning, the absolute schedule fires each late tick as
// soon as the previous one finishes, so 10 ticks of 25 ms reads take about
// 250 ms of wall clock. A scheduler that added the period to "now" would add
// the 10 ms period on top of every overrun and stretch the run to about
// 350 ms. Row timestamps cannot distinguish the two, so this test watches
// when the reads actually began.
func TestSamplerScheduleDoesNotDrift(t *testing.T) {
	const readTime = 25 * time.Millisecond
	d := &scriptedDigitizer{value: 5, delay: readTime}
	s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 100, Duration: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	begin := time.Now()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	drainRows(s)
	outcome := s.Wait()
	elapsed := time.Since(begin)

	if outcome.Ticks != 10 {
		t.Fatalf("have %d ticks, want 10", outcome.Ticks)
	}
	if elapsed > 310*time.Millisecond {
		t.Errorf("10 overrunning ticks took %v; back-to-back late ticks take about 250 ms, and a compounding schedule would take about 350 ms", elapsed)
	}
	starts := d.readStarts()
	if len(starts) != 10 {
		t.Fatalf("have %d read starts, want 10", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap > readTime+8*time.Millisecond {
			t.Errorf("read %d began %v after read %d; a late tick fires immediately, not a period later", i, gap, i-1)
		}
	}
}

func TestSamplerFaultIsolation(t *testing.T) {
	good1 := &scriptedDigitizer{value: 100}
	bad := &scriptedDigitizer{value: 200, failOn: func(int) bool { return true }}
	good2 := &scriptedDigitizer{value: 300}
	s, err := NewSampler([]Digitizer{good1, bad, good2}, SamplerConfig{RateHz: 100, Duration: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := drainRows(s)
	outcome := s.Wait()

	if len(rows) != 10 {
		t.Fatalf("have %d rows, want 10: one faulty channel must not slow the others", len(rows))
	}
	for i, row := range rows {
		if row.Readings[0].Raw != 100 || row.Readings[2].Raw != 300 {
			t.Errorf("row %d healthy readings = %+v, want 100 and 300", i, row.Readings)
		}
		if row.Readings[1].Raw != 0 {
			t.Errorf("row %d faulted channel has raw=%d, want the sentinel 0", i, row.Readings[1].Raw)
		}
		if !errors.Is(row.Readings[1].Err, hx711.ErrNotReady) {
			t.Errorf("row %d faulted channel has err=%v, want ErrNotReady", i, row.Readings[1].Err)
		}
		if row.Readings[0].Err != nil || row.Readings[2].Err != nil {
			t.Errorf("row %d healthy channels report errors: %+v", i, row.Readings)
		}
	}
	if outcome.End != EndNormal || outcome.Err != nil {
		t.Errorf("per-tick faults ended the run (%v, %v); they must stay tick-local", outcome.End, outcome.Err)
	}
}

// A fault on one tick must leave the other channels' readings for that tick,
// and every channel's readings afterwards, untouched.
func TestSamplerSingleTickFault(t *testing.T) {
	good1 := &scriptedDigitizer{value: 100}
	flaky := &scriptedDigitizer{value: 200, failOn: func(call int) bool { return call == 3 }}
	good2 := &scriptedDigitizer{value: 300}
	s, err := NewSampler([]Digitizer{good1, flaky, good2}, SamplerConfig{RateHz: 200, Duration: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := drainRows(s)
	outcome := s.Wait()

	if len(rows) != 10 || outcome.End != EndNormal {
		t.Fatalf("have %d rows ending %v, want 10 ending %v", len(rows), outcome.End, EndNormal)
	}
	for i, row := range rows {
		if row.Readings[0].Raw != 100 || row.Readings[2].Raw != 300 {
			t.Errorf("row %d healthy readings = %+v, want 100 and 300", i, row.Readings)
		}
		if i == 3 {
			if row.Readings[1].Raw != 0 || row.Readings[1].Err == nil {
				t.Errorf("row 3 flaky channel = %+v, want sentinel 0 with an error", row.Readings[1])
			}
			continue
		}
		if row.Readings[1].Raw != 200 || row.Readings[1].Err != nil {
			t.Errorf("row %d flaky channel = %+v, want a clean 200", i, row.Readings[1])
		}
	}
}

func TestSamplerStopEndsBetweenTicks(t *testing.T) {
	d := &scriptedDigitizer{value: 42}
	s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 100}) // no duration: runs until stopped
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := make([]Row, 0)
	for row := range s.Rows() {
		rows = append(rows, row)
		if len(rows) == 3 {
			break
		}
	}
	stopAsked := time.Now()
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() of a running sampler: %v", err)
	}
	for row := range s.Rows() {
		rows = append(rows, row)
	}
	outcome := s.Wait()
	elapsed := time.Since(stopAsked)

	if outcome.End != EndRequested {
		t.Errorf("run ended %v, want %v", outcome.End, EndRequested)
	}
	if outcome.Err != nil {
		t.Errorf("a requested stop is not a failure, but err=%v", outcome.Err)
	}
	if len(rows) < 3 || outcome.Ticks != len(rows) {
		t.Errorf("have %d rows and %d ticks; every delivered row must be counted", len(rows), outcome.Ticks)
	}
	if elapsed > time.Second {
		t.Errorf("shutdown took %v, want well under a second at 100 Hz", elapsed)
	}
	// Stop again while already stopped: harmless.
	s.Stop()
}

// Abort is an intentional teardown: even though it abandons the rendezvous
// mid-phase, the run must not report it as a failure.
func TestSamplerAbortIsRequested(t *testing.T) {
	d := &scriptedDigitizer{value: 8}
	s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 100})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := make([]Row, 0)
	for row := range s.Rows() {
		rows = append(rows, row)
		if len(rows) == 2 {
			break
		}
	}
	s.Abort()
	for row := range s.Rows() {
		rows = append(rows, row)
	}
	outcome := s.Wait()

	if outcome.End != EndRequested {
		t.Errorf("run ended %v, want %v: a caller's Abort is an intentional stop", outcome.End, EndRequested)
	}
	if outcome.Err != nil {
		t.Errorf("a caller's Abort is not a failure, but err=%v", outcome.Err)
	}
	if len(rows) < 2 {
		t.Errorf("rows collected before the abort were lost; have %d, want at least 2", len(rows))
	}
	if outcome.Ticks != len(rows) {
		t.Errorf("have %d rows but %d ticks", len(rows), outcome.Ticks)
	}
}

// A rendezvous that breaks without Stop or Abort being called means a party
// died mid-session; that ends the run as a fault, keeping the rows already
// delivered.
func TestSamplerUnexpectedTeardownIsFatal(t *testing.T) {
	d := &scriptedDigitizer{value: 8}
	s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 100})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	rows := make([]Row, 0)
	for row := range s.Rows() {
		rows = append(rows, row)
		if len(rows) == 2 {
			break
		}
	}
	s.abort() // the context dies without any stop request
	for row := range s.Rows() {
		rows = append(rows, row)
	}
	outcome := s.Wait()

	if outcome.End != EndFatal {
		t.Errorf("run ended %v, want %v: an abandoned rendezvous without a stop request is fatal", outcome.End, EndFatal)
	}
	assert.ErrorContains(t, outcome.Err, "synchronization abandoned")
	if len(rows) < 2 {
		t.Errorf("rows collected before the teardown were lost; have %d, want at least 2", len(rows))
	}
	if outcome.Ticks != len(rows) {
		t.Errorf("have %d rows but %d ticks", len(rows), outcome.Ticks)
	}
}

func TestSamplerValidation(t *testing.T) {
	d := &scriptedDigitizer{}
	if _, err := NewSampler(nil, SamplerConfig{RateHz: 10}); err == nil {
		t.Errorf("expected error for a sampler with no channels")
	}
	if _, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 0}); err == nil {
		t.Errorf("expected error for rate 0")
	}
	if _, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 20000}); err == nil {
		t.Errorf("expected error for an absurd rate")
	}

	s, err := NewSampler([]Digitizer{d}, SamplerConfig{RateHz: 100, Duration: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, hx711.DefaultReadTimeout, s.Config().ReadTimeout, "zero ReadTimeout should take the default")
	if err := s.Stop(); err == nil {
		t.Errorf("expected error stopping a sampler that never started")
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Errorf("expected error on double Start")
	}
	drainRows(s)
	s.Wait()
	if err := s.Start(); err == nil {
		t.Errorf("expected error restarting a finished sampler")
	}
}

package lodestar

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gonum.org/v1/gonum/stat"

	"github.com/lodestar-daq/lodestar/csvlog"
	"github.com/lodestar-daq/lodestar/internal/lodestardb"
)

// SessionConfig describes one acquisition run.
type SessionConfig struct {
	Sampler    SamplerConfig
	OutputPath string // rows are recorded here as CSV; empty means no file at all
}

// maxRetainedRows bounds the in-memory row history of a run. Bounded runs
// rarely approach it; a continuous run would otherwise grow without limit.
// The CSV file always receives every row.
const maxRetainedRows = 10000

// SessionResult is everything a finished run produced. For runs longer than
// maxRetainedRows ticks, Rows holds the most recent part of the run and the
// per-channel counters cover all of it.
type SessionResult struct {
	Rows          []Row
	ChannelNames  []string
	ChannelGood   []int // readings delivered without fault, per channel
	ChannelErrors []int // faulted readings, per channel
	OutputPath    string
	End           EndReason
	Ticks         int
	Overruns      int
	Err           error
}

// ChannelSummary reports one channel's statistics over a finished run. Mean
// and standard deviation cover the retained rows; the counters cover the
// whole run.
type ChannelSummary struct {
	Name   string
	Mean   float64
	StdDev float64
	Good   int
	Faults int
}

// Summarize computes per-channel statistics of the non-faulted readings.
func (r *SessionResult) Summarize() []ChannelSummary {
	summaries := make([]ChannelSummary, len(r.ChannelNames))
	for i, name := range r.ChannelNames {
		good := make([]float64, 0, len(r.Rows))
		for _, row := range r.Rows {
			if row.Readings[i].Err == nil {
				good = append(good, float64(row.Readings[i].Raw))
			}
		}
		s := ChannelSummary{Name: name, Good: r.ChannelGood[i], Faults: r.ChannelErrors[i]}
		if len(good) > 0 {
			s.Mean, s.StdDev = stat.MeanStdDev(good, nil)
		}
		summaries[i] = s
	}
	return summaries
}

// Session carries one acquisition run end to end: it opens the source,
// drives the sampler, records rows to the CSV file, feeds the optional live
// publisher, and reports a summary. A Session runs once.
type Session struct {
	source SampleSource
	config SessionConfig
	pub    RowPublisher

	lock    sync.Mutex // guards sampler and stopped
	sampler *Sampler
	stopped bool

	rowsSoFar atomic.Int64
}

// NewSession prepares a run of the given source.
func NewSession(source SampleSource, config SessionConfig) *Session {
	return &Session{source: source, config: config}
}

// SetPublisher attaches a live row publisher. Call before Run.
func (s *Session) SetPublisher(p RowPublisher) { s.pub = p }

// RowCount returns how many rows the run has delivered so far.
func (s *Session) RowCount() int { return int(s.rowsSoFar.Load()) }

// State reports the lifecycle state of the run's sampler. Before the sampler
// exists the run counts as Starting.
func (s *Session) State() SourceState {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sampler == nil {
		return Starting
	}
	return s.sampler.GetState()
}

// Stop asks the run to end between ticks. Safe to call before the sampler
// exists or after the run has ended.
func (s *Session) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stopped = true
	if s.sampler == nil {
		return nil
	}
	return s.sampler.Stop()
}

// Abort tears the run down without waiting for the tick in flight. Rows
// already collected are still recorded.
func (s *Session) Abort() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stopped = true
	if s.sampler != nil {
		s.sampler.Abort()
	}
}

// Run performs the whole acquisition and blocks until it has ended. The
// returned result is non-nil whenever sampling began, even if the run ended
// badly; the error mirrors result.Err in that case.
func (s *Session) Run() (*SessionResult, error) {
	if err := s.source.Open(); err != nil {
		return nil, fmt.Errorf("open sample source: %w", err)
	}
	defer func() {
		if err := s.source.Close(); err != nil {
			ProblemLogger.Printf("closing sample source: %v", err)
		}
	}()

	digitizers := s.source.Digitizers()
	names := s.source.ChannelNames()
	sampler, err := NewSampler(digitizers, s.config.Sampler)
	if err != nil {
		return nil, err
	}

	result := &SessionResult{
		ChannelNames:  names,
		ChannelGood:   make([]int, len(digitizers)),
		ChannelErrors: make([]int, len(digitizers)),
		OutputPath:    s.config.OutputPath,
	}

	var writer *csvlog.Writer
	if s.config.OutputPath != "" {
		writer = csvlog.NewWriter(s.config.OutputPath, len(digitizers))
		if err := writer.CreateFile(); err != nil {
			return nil, fmt.Errorf("create output file: %w", err)
		}
		if err := writer.WriteHeader(); err != nil {
			writer.Close()
			return nil, fmt.Errorf("write output header: %w", err)
		}
	}

	// Publishing the sampler and starting it happen under the same lock that
	// Stop takes, so a Stop either lands before this point or reaches a
	// started sampler.
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		if writer != nil {
			writer.Close()
		}
		return nil, fmt.Errorf("session was stopped before sampling began")
	}
	s.sampler = sampler
	err = sampler.Start()
	s.lock.Unlock()
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return nil, err
	}

	var dbmsg *lodestardb.SessionMessage
	if dbConnection.IsConnected() {
		dbmsg = &lodestardb.SessionMessage{
			ID:         lodestardb.NewID(),
			ActivityID: dbActivityID,
			SourceName: s.source.Name(),
			OutputPath: s.config.OutputPath,
			Nchannels:  len(digitizers),
			RateHz:     s.config.Sampler.RateHz,
			Start:      time.Now(),
		}
		dbConnection.RecordSession(dbmsg)
	}

	var writeErr error
	for row := range sampler.Rows() {
		result.Rows = append(result.Rows, row)
		if len(result.Rows) >= 2*maxRetainedRows {
			copy(result.Rows, result.Rows[len(result.Rows)-maxRetainedRows:])
			result.Rows = result.Rows[:maxRetainedRows]
		}
		s.rowsSoFar.Add(1)
		s.noteFaults(int(s.rowsSoFar.Load())-1, row, names, result)

		if writer != nil && writeErr == nil {
			raw := make([]int32, len(row.Readings))
			for i, r := range row.Readings {
				raw[i] = r.Raw
			}
			if err := writer.WriteRow(row.T, raw); err != nil {
				// The file has failed; keep the rows in memory and wind down.
				writeErr = err
				ProblemLogger.Printf("recording to %s failed, stopping the run: %v", s.config.OutputPath, err)
				sampler.Stop()
			}
		}
		if s.pub != nil {
			s.pub.PublishRow(row)
		}
	}

	outcome := sampler.Wait()
	result.End = outcome.End
	result.Ticks = outcome.Ticks
	result.Overruns = outcome.Overruns
	result.Err = outcome.Err

	if writer != nil {
		if err := writer.Close(); err != nil && writeErr == nil {
			writeErr = err
		}
	}
	if result.Err == nil && writeErr != nil {
		result.Err = fmt.Errorf("failed to record rows to %s, err: %v", s.config.OutputPath, writeErr)
	}
	if result.End == EndFatal {
		ProblemLogger.Printf("sampler outcome at abort: %s", spew.Sdump(outcome))
	}

	if dbmsg != nil {
		faults := 0
		for _, n := range result.ChannelErrors {
			faults += n
		}
		dbmsg.Ticks = result.Ticks
		dbmsg.Overruns = result.Overruns
		dbmsg.Faults = faults
		dbmsg.EndReason = result.End.String()
		dbConnection.FinishSession(dbmsg)
		if writer != nil && writeErr == nil {
			fmsg := &lodestardb.FileMessage{
				SessionID: dbmsg.ID,
				Filename:  s.config.OutputPath,
				Rows:      result.Ticks,
				Start:     dbmsg.Start,
				End:       time.Now(),
			}
			if info, err := os.Stat(s.config.OutputPath); err == nil {
				fmsg.Size = info.Size()
			}
			dbConnection.RecordFile(fmsg)
		}
	}
	s.logSummary(result)
	return result, result.Err
}

// noteFaults updates the per-channel counters and emits the per-tick
// diagnostic line when any channel faulted.
func (s *Session) noteFaults(tick int, row Row, names []string, result *SessionResult) {
	var faults []string
	for i, r := range row.Readings {
		if r.Err != nil {
			result.ChannelErrors[i]++
			faults = append(faults, fmt.Sprintf("%s: %v", names[i], r.Err))
		} else {
			result.ChannelGood[i]++
		}
	}
	if len(faults) > 0 {
		ProblemLogger.Printf("tick %d: %d of %d channels faulted: %s",
			tick, len(faults), len(row.Readings), strings.Join(faults, "; "))
	}
}

func (s *Session) logSummary(result *SessionResult) {
	UpdateLogger.Printf("run %s: %d rows at %.4g Hz with %d overruns, output %q",
		result.End, result.Ticks, s.config.Sampler.RateHz, result.Overruns, result.OutputPath)
	for _, cs := range result.Summarize() {
		if cs.Good == 0 {
			UpdateLogger.Printf("  %s: no good readings, %d faults", cs.Name, cs.Faults)
			continue
		}
		UpdateLogger.Printf("  %s: mean %.1f stddev %.1f over %d readings, %d faults",
			cs.Name, cs.Mean, cs.StdDev, cs.Good, cs.Faults)
	}
}

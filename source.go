package lodestar

import "time"

// A Digitizer produces one raw sample per request from a single input
// channel. ReadRaw blocks until a conversion is available or the timeout
// passes, whichever comes first. On error the sample value is meaningless.
type Digitizer interface {
	ReadRaw(timeout time.Duration) (int32, error)
}

// SampleSource provides the set of channels for one acquisition run.
type SampleSource interface {
	// Name identifies the kind of source, such as "HX711" or "Sim".
	Name() string

	// Open acquires the underlying channels, hardware or simulated.
	Open() error

	// Digitizers returns one Digitizer per channel, in column order.
	// Valid only after Open.
	Digitizers() []Digitizer

	// ChannelNames returns one name per channel, in the same order.
	ChannelNames() []string

	// Close releases the channels.
	Close() error
}

// SourceState is used to indicate the active/inactive/transition state of a sampler
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Sampler is not active
	Starting                    // Sampler is in transition to Active state
	Active                      // Sampler is actively acquiring data
	Stopping                    // Sampler is in transition to Inactive state
)

func (ss SourceState) String() string {
	switch ss {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return "SourceState(unknown)"
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		ProblemLogger.Println("warning: you tried to close a channel twice, but Lodestar outsmarted you")
	default:
		close(c)
	}
}

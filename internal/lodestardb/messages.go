package lodestardb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the lodestaractivity table: one row
// per server lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table: one row per acquisition run.
type SessionMessage struct {
	ID         string
	ActivityID string
	SourceName string
	OutputPath string
	Nchannels  int
	RateHz     float64
	Ticks      int
	Overruns   int
	Faults     int
	EndReason  string
	Start      time.Time
	End        time.Time
}

// FileMessage is the information required to make an entry in the files
// table: one row per data file a session produced.
type FileMessage struct {
	SessionID string
	Filename  string
	Rows      int
	Size      int64
	Start     time.Time
	End       time.Time
}

package lodestar

import (
	"io"
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Lodestar.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by Lodestar.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// LodestarStartTime is a global holding the time init() was run
var LodestarStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client status updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(4500)
	LodestarStartTime = time.Now()

	// Lodestar main program will override these, but at least initialize
	// them with sensible values. Problems are worth seeing by default;
	// routine update chatter is not.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(io.Discard, "", log.LstdFlags)
}

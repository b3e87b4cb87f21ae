// Package cxsdr turns CX2388x-class ADC bridge cards into continuously
// streaming sample sources. The cx2388x package drives the hardware DMA
// engine; this package wraps devices as capture sources, meters and
// publishes the sample stream, and keeps the bookkeeping for multiple
// cards.
package cxsdr

import (
	"log"
	"os"
	"time"
)

// Portnumbers holds all TCP port numbers used by cxsdr.
type Portnumbers struct {
	Chunks int // raw sample chunks (PUB)
	Status int // JSON status updates (PUB)
}

// Ports globally holds all TCP port numbers used by cxsdr.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Chunks = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build.
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build.
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run.
var StartTime time.Time

// ProblemLogger will log warning messages to a file.
var ProblemLogger *log.Logger

func init() {
	setPortnumbers(6500)
	StartTime = time.Now()

	// The daemon overrides this, but at least initialize with a sensible value.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
}

package cxsdr

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/cxsdr/cxsdr/cx2388x"
)

// LevelStats summarizes the signal level of recent samples, in raw ADC
// units centered on zero.
type LevelStats struct {
	Mean float64
	RMS  float64
}

// levelSampleBytes bounds how much of each chunk feeds the level meter.
const levelSampleBytes = 4096

// CaptureSource is a DataSource over one CX2388x device. It owns the
// device's single capture session while a run is active; each run gets a
// fresh ULID so downstream consumers can tell runs apart.
type CaptureSource struct {
	name        string
	device      *cx2388x.Device
	sampleBytes int

	runMutex  sync.Mutex
	runDone   sync.WaitGroup
	abort     chan struct{}
	isRunning bool
	runID     string

	levelMutex sync.Mutex
	lastLevel  LevelStats
}

// NewCaptureSource wraps a set-up device as a capture source.
func NewCaptureSource(name string, device *cx2388x.Device) *CaptureSource {
	return &CaptureSource{
		name:        name,
		device:      device,
		sampleBytes: device.Config().Rate.SampleBytes(),
	}
}

// Name returns the source name.
func (cs *CaptureSource) Name() string { return cs.name }

// Running reports whether a capture run is active.
func (cs *CaptureSource) Running() bool {
	cs.runMutex.Lock()
	defer cs.runMutex.Unlock()
	return cs.isRunning
}

// RunID returns the ULID of the current (or most recent) capture run.
func (cs *CaptureSource) RunID() string {
	cs.runMutex.Lock()
	defer cs.runMutex.Unlock()
	return cs.runID
}

// LastLevel returns the level statistics of the most recent chunk.
func (cs *CaptureSource) LastLevel() LevelStats {
	cs.levelMutex.Lock()
	defer cs.levelMutex.Unlock()
	return cs.lastLevel
}

// Device returns the underlying device, for registry and teardown use.
func (cs *CaptureSource) Device() *cx2388x.Device { return cs.device }

// StartRun starts the DMA engine, opens the device's capture session, and
// launches the goroutine that drains it into the returned chunk channel.
func (cs *CaptureSource) StartRun(chunkBytes int) (<-chan Chunk, error) {
	cs.runMutex.Lock()
	defer cs.runMutex.Unlock()
	if cs.isRunning {
		return nil, fmt.Errorf("source %q is already running", cs.name)
	}
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, have %d", chunkBytes)
	}

	cs.runID = ulid.Make().String()
	cs.abort = make(chan struct{})
	ProblemLogger.Printf("source %q starting run %s", cs.name, cs.runID)
	ProblemLogger.Printf("device configuration: %s", spew.Sdump(cs.device.Config()))

	if err := cs.device.Start(); err != nil {
		return nil, err
	}
	session, err := cs.device.OpenSession(cx2388x.SessionOptions{
		Tombstone:    true,
		PollInterval: time.Millisecond,
		Abort:        cs.abort,
	})
	if err != nil {
		cs.device.Stop()
		return nil, err
	}

	chunks := make(chan Chunk, 16)
	cs.isRunning = true
	cs.runDone.Add(1)
	go cs.run(session, chunks, chunkBytes)
	return chunks, nil
}

func (cs *CaptureSource) run(session *cx2388x.StreamReader, chunks chan<- Chunk, chunkBytes int) {
	defer cs.runDone.Done()
	defer close(chunks)
	defer cs.device.Stop()
	defer session.Close()

	var seq uint64
	for {
		buf := make([]byte, chunkBytes)
		firstByte := session.Offset()
		n, err := session.Read(buf, true)
		if n > 0 {
			cs.meterLevel(buf[:n])
			chunk := Chunk{
				RunID:     cs.runID,
				Seq:       seq,
				FirstByte: firstByte,
				Captured:  time.Now(),
				Data:      buf[:n],
			}
			seq++
			select {
			case chunks <- chunk:
			case <-cs.abort:
				return
			}
		}
		if err == io.EOF {
			return // run aborted
		}
		if err != nil {
			ProblemLogger.Printf("source %q run %s: read failed: %v", cs.name, cs.runID, err)
			return
		}
	}
}

// Stop ends the capture run and waits for the drain goroutine to exit.
func (cs *CaptureSource) Stop() error {
	cs.runMutex.Lock()
	if !cs.isRunning {
		cs.runMutex.Unlock()
		return fmt.Errorf("source %q is not running", cs.name)
	}
	close(cs.abort)
	cs.runMutex.Unlock()

	cs.runDone.Wait()

	cs.runMutex.Lock()
	cs.isRunning = false
	cs.runMutex.Unlock()
	ProblemLogger.Printf("source %q stopped run %s", cs.name, cs.runID)
	return nil
}

// meterLevel folds the head of a chunk into the level statistics,
// interpreting samples per the device's configured rate: unsigned bytes
// offset by 128, or little-endian unsigned 16-bit offset by 32768.
func (cs *CaptureSource) meterLevel(data []byte) {
	if len(data) > levelSampleBytes {
		data = data[:levelSampleBytes]
	}
	var xs []float64
	if cs.sampleBytes == 2 {
		xs = make([]float64, len(data)/2)
		for i := range xs {
			xs[i] = float64(binary.LittleEndian.Uint16(data[2*i:])) - 32768
		}
	} else {
		xs = make([]float64, len(data))
		for i, b := range data {
			xs[i] = float64(b) - 128
		}
	}
	if len(xs) == 0 {
		return
	}
	mean := stat.Mean(xs, nil)
	variance := stat.Variance(xs, nil)
	cs.levelMutex.Lock()
	cs.lastLevel = LevelStats{Mean: mean, RMS: math.Sqrt(mean*mean + variance)}
	cs.levelMutex.Unlock()
}

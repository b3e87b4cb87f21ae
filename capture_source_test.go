package cxsdr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestSimSourceRun runs the full capture path against the simulated card:
// program build, session open, chunk drain, level metering, and stop.
func TestSimSourceRun(t *testing.T) {
	ss, err := NewSimSource(8, time.Millisecond)
	if err != nil {
		t.Fatalf("NewSimSource: %v", err)
	}
	defer ss.Close()

	const chunkBytes = 4096
	chunks, err := ss.StartRun(chunkBytes)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	assert.True(t, ss.Running(), "source should report Running after StartRun")
	assert.Len(t, ss.RunID(), 26, "run ID should be a ULID")

	// The simulated producer fills the ring with a continuous mod-256
	// ramp, so consecutive chunks must join into one unbroken ramp.
	var got []Chunk
	var last byte
	timeout := time.After(5 * time.Second)
	for len(got) < 4 {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				t.Fatal("chunk channel closed before enough chunks arrived")
			}
			got = append(got, chunk)
		case <-timeout:
			t.Fatalf("timed out with %d chunks", len(got))
		}
	}
	for i, chunk := range got {
		assert.Equal(t, uint64(i), chunk.Seq, "chunk sequence number")
		assert.Equal(t, int64(i)*chunkBytes, chunk.FirstByte, "chunk stream offset")
		assert.Equal(t, chunkBytes, len(chunk.Data), "chunk length")
		assert.Equal(t, ss.RunID(), chunk.RunID, "chunk run ID")
		for j, b := range chunk.Data {
			if i == 0 && j == 0 {
				last = b
				continue
			}
			if b != last+1 {
				t.Fatalf("ramp broken at chunk %d byte %d: have %d after %d", i, j, b, last)
			}
			last = b
		}
	}

	// Any 4096-byte window of the ramp holds each byte value exactly 16
	// times, so the level statistics are known exactly.
	level := ss.LastLevel()
	assert.InDelta(t, -0.5, level.Mean, 1e-6, "ramp mean")
	assert.InDelta(t, 73.90, level.RMS, 0.05, "ramp RMS")

	if err := ss.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	assert.False(t, ss.Running(), "source should not report Running after Stop")

	// The chunk channel must close once the run goroutine exits.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("chunk channel never closed after Stop")
		}
	}
}

func TestSimSourceDoubleStart(t *testing.T) {
	ss, err := NewSimSource(4, time.Millisecond)
	if err != nil {
		t.Fatalf("NewSimSource: %v", err)
	}
	defer ss.Close()

	if _, err := ss.StartRun(1024); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := ss.StartRun(1024); err == nil {
		t.Error("second StartRun should fail while a run is active")
	}
	if err := ss.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := ss.Stop(); err == nil {
		t.Error("second Stop should fail when no run is active")
	}
}

func TestStatusUpdate(t *testing.T) {
	ss, err := NewSimSource(4, time.Millisecond)
	if err != nil {
		t.Fatalf("NewSimSource: %v", err)
	}
	defer ss.Close()

	update, err := StatusUpdateFor(ss.CaptureSource)
	if err != nil {
		t.Fatalf("StatusUpdateFor: %v", err)
	}
	assert.Equal(t, "STATUS", update.Tag)

	var status struct {
		Source  string
		RunID   string
		Running bool
		Level   LevelStats
	}
	if err := json.Unmarshal(update.Message, &status); err != nil {
		t.Fatalf("status message is not valid JSON: %v", err)
	}
	assert.Equal(t, "CX2388x-sim", status.Source)
	assert.False(t, status.Running)
	assert.Equal(t, "", status.RunID, "run ID should be empty before any run")
}

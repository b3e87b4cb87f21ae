package cxsdr

import "time"

// A Chunk is one contiguous span of the capture byte stream, handed from a
// running source to its consumers.
type Chunk struct {
	RunID     string    // ULID of the capture run this chunk belongs to
	Seq       uint64    // chunk sequence number within the run
	FirstByte int64     // logical stream offset of Data[0]
	Captured  time.Time // when the chunk left the device ring
	Data      []byte
}

// DataSource is the interface shared by hardware-backed and simulated
// capture sources.
type DataSource interface {
	Name() string
	Running() bool

	// StartRun begins a capture run, delivering chunks of chunkBytes
	// bytes on the returned channel until Stop. The channel is closed
	// when the run ends.
	StartRun(chunkBytes int) (<-chan Chunk, error)

	// Stop ends the run and blocks until the source has quiesced.
	Stop() error
}

package cxsdr

import (
	"fmt"
	"time"

	"github.com/cxsdr/cxsdr/cx2388x"
)

// SimSource is a DataSource that needs no hardware: a simulated register
// bank plus a background producer stand in for the card, while the full
// capture path (program build, descriptor table, session, ring reads) runs
// unchanged.
type SimSource struct {
	*CaptureSource
	producer     *cx2388x.SimProducer
	pageInterval time.Duration
}

// NewSimSource sets up a simulated device with the given ring geometry.
// pageInterval is the simulated fill rate, one page per interval.
func NewSimSource(pageCount int, pageInterval time.Duration) (*SimSource, error) {
	bank := cx2388x.NewSimBank()
	device, err := cx2388x.Setup(bank, &cx2388x.HeapAllocator{}, cx2388x.Config{
		PageCount: pageCount,
	})
	if err != nil {
		return nil, err
	}
	producer := cx2388x.NewSimProducer(bank, device.Ring())
	// Leave the counter one ahead so a session opened immediately has a
	// page to read, as a live card would after its first transfers.
	producer.AdvancePages(2)

	ss := &SimSource{
		CaptureSource: NewCaptureSource("CX2388x-sim", device),
		producer:      producer,
		pageInterval:  pageInterval,
	}
	return ss, nil
}

// StartRun starts the simulated producer, then the normal capture run.
func (ss *SimSource) StartRun(chunkBytes int) (<-chan Chunk, error) {
	if ss.Running() {
		return nil, fmt.Errorf("source %q is already running", ss.Name())
	}
	ss.producer.Run(ss.pageInterval)
	chunks, err := ss.CaptureSource.StartRun(chunkBytes)
	if err != nil {
		ss.producer.Stop()
		return nil, err
	}
	return chunks, nil
}

// Stop ends the run and halts the simulated producer.
func (ss *SimSource) Stop() error {
	err := ss.CaptureSource.Stop()
	ss.producer.Stop()
	return err
}

// Close tears the simulated device down.
func (ss *SimSource) Close() error {
	ss.producer.Stop()
	return ss.Device().Teardown()
}

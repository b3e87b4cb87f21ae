package cx2388x

import (
	"sync"
	"time"
)

// SimBank is an in-memory RegisterBank, a drop-in for the MMIO device when
// no hardware is present. Reads and writes are plain map accesses under a
// mutex; every read observes the latest write, matching the fresh-load
// requirement of the real register file.
type SimBank struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewSimBank returns an empty simulated register bank.
func NewSimBank() *SimBank {
	return &SimBank{regs: make(map[uint32]uint32)}
}

// ReadRegister returns the last value written to offset, or 0.
func (b *SimBank) ReadRegister(offset uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[offset], nil
}

// WriteRegister stores value at offset.
func (b *SimBank) WriteRegister(offset uint32, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[offset] = value
	return nil
}

// SimProducer emulates the autonomous DMA engine over a heap-backed ring:
// it fills pages with a synthetic sample pattern and advances the progress
// counter register the way the hardware does, one page per completed
// transfer pair, wrapping at the page count.
type SimProducer struct {
	bank *SimBank
	ring *PageRing

	mu       sync.Mutex
	nextPage int
	sample   byte
	stopCh   chan struct{}
	done     sync.WaitGroup
	running  bool
}

// NewSimProducer returns a producer over the given bank and ring. The
// counter register starts at 0, i.e. "about to write page 0".
func NewSimProducer(bank *SimBank, ring *PageRing) *SimProducer {
	return &SimProducer{bank: bank, ring: ring}
}

// AdvancePages synchronously writes n pages of pattern data and moves the
// counter, for deterministic tests.
func (sp *SimProducer) AdvancePages(n int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for i := 0; i < n; i++ {
		sp.fillNextPage()
	}
}

// fillNextPage writes a ramp pattern into the page the counter points at,
// then advances the counter. Callers hold sp.mu.
func (sp *SimProducer) fillNextPage() {
	page := sp.ring.PageAt(sp.nextPage)
	for i := range page.Data {
		page.Data[i] = sp.sample
		sp.sample++
	}
	sp.nextPage = (sp.nextPage + 1) % sp.ring.NumPages()
	sp.bank.WriteRegister(MOVBIGPCnt, uint32(sp.nextPage))
}

// Run starts filling pages in the background, one page per interval, until
// Stop is called. The producer never waits for the consumer; a slow reader
// is overwritten, as with real hardware.
func (sp *SimProducer) Run(interval time.Duration) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.running {
		return
	}
	sp.running = true
	sp.stopCh = make(chan struct{})
	sp.done.Add(1)
	go func() {
		defer sp.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sp.stopCh:
				return
			case <-ticker.C:
				sp.mu.Lock()
				sp.fillNextPage()
				sp.mu.Unlock()
			}
		}
	}()
}

// Stop halts the background producer and waits for it to exit.
func (sp *SimProducer) Stop() {
	sp.mu.Lock()
	if !sp.running {
		sp.mu.Unlock()
		return
	}
	sp.running = false
	close(sp.stopCh)
	sp.mu.Unlock()
	sp.done.Wait()
}

package cx2388x

import "fmt"

// A Page is one fixed-size block of device-reachable memory. The device
// address is stable for the page's lifetime; the contents are overwritten
// continuously by the device and zeroed by the consumer after reading.
type Page struct {
	Index   int
	DevAddr uint32 // address the DMA engine writes to
	Data    []byte
	release func() error
}

// PageAllocator acquires device-reachable memory one block at a time. The
// underlying allocator need not hand out adjacent blocks, so every page's
// address is recorded independently.
type PageAllocator interface {
	AllocPage(size int) (*Page, error)
	FreePage(p *Page) error
}

// AllocationError reports a failed setup-time allocation. Setup never
// retries internally; whatever was already allocated has been released.
type AllocationError struct {
	What string
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cx2388x: allocating %s: %v", e.What, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// PageRing is the ordered, circular set of capture pages the device fills
// forever. The page count is fixed for the ring's lifetime and all index
// arithmetic is taken modulo that count.
type PageRing struct {
	pages    []*Page
	pageSize int
}

// AllocatePageRing acquires pageCount pages of pageSize bytes each. Any
// single failure releases everything acquired so far and returns an
// AllocationError; no partial ring is ever left live.
func AllocatePageRing(alloc PageAllocator, pageCount, pageSize int) (*PageRing, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("cx2388x: page count must be positive, have %d", pageCount)
	}
	if pageSize <= 0 || pageSize%8 != 0 {
		return nil, fmt.Errorf("cx2388x: page size must be a positive multiple of the 8-byte transfer quantum, have %d", pageSize)
	}
	ring := &PageRing{
		pages:    make([]*Page, 0, pageCount),
		pageSize: pageSize,
	}
	for i := 0; i < pageCount; i++ {
		page, err := alloc.AllocPage(pageSize)
		if err != nil {
			ring.Free()
			return nil, &AllocationError{What: fmt.Sprintf("capture page %d of %d", i, pageCount), Err: err}
		}
		page.Index = i
		if page.release == nil {
			a := alloc
			p := page
			page.release = func() error { return a.FreePage(p) }
		}
		ring.pages = append(ring.pages, page)
	}
	return ring, nil
}

// NumPages returns the fixed page count N.
func (r *PageRing) NumPages() int { return len(r.pages) }

// PageSize returns the fixed size of each page in bytes.
func (r *PageRing) PageSize() int { return r.pageSize }

// Bytes returns the total circular address space, N * pageSize.
func (r *PageRing) Bytes() int64 { return int64(len(r.pages)) * int64(r.pageSize) }

// PageAt returns the page at the given index, taken modulo N.
func (r *PageRing) PageAt(index int) *Page {
	return r.pages[uint(index)%uint(len(r.pages))]
}

// Free releases every page in the ring. The caller must have stopped the
// device first; the ring must not be used afterward.
func (r *PageRing) Free() error {
	var firstErr error
	for _, page := range r.pages {
		if page == nil || page.release == nil {
			continue
		}
		if err := page.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.pages = nil
	return firstErr
}

// HeapAllocator hands out ordinary Go-heap pages with synthetic device
// addresses laid out at a fixed stride from Base. It backs the simulated
// device and the tests; real hardware uses an allocator that returns true
// bus addresses.
type HeapAllocator struct {
	Base uint32
	next uint32
}

// AllocPage returns a zeroed heap page with the next synthetic address.
func (h *HeapAllocator) AllocPage(size int) (*Page, error) {
	if size <= 0 {
		return nil, fmt.Errorf("heap allocator: bad page size %d", size)
	}
	if h.Base == 0 {
		h.Base = 0x0100_0000
	}
	addr := h.Base + h.next
	h.next += uint32(size)
	page := &Page{DevAddr: addr, Data: make([]byte, size)}
	page.release = func() error { page.Data = nil; return nil }
	return page, nil
}

// FreePage releases the page to the garbage collector.
func (h *HeapAllocator) FreePage(p *Page) error {
	p.Data = nil
	return nil
}

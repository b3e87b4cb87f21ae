package cx2388x

import (
	"errors"
	"testing"
)

// failingAllocator fails on the Nth allocation and counts frees, to verify
// all-or-nothing ring allocation.
type failingAllocator struct {
	heap    HeapAllocator
	failAt  int
	allocs  int
	frees   int
}

func (f *failingAllocator) AllocPage(size int) (*Page, error) {
	if f.allocs == f.failAt {
		return nil, errors.New("synthetic allocation failure")
	}
	f.allocs++
	page, err := f.heap.AllocPage(size)
	if err != nil {
		return nil, err
	}
	inner := page.release
	page.release = func() error {
		f.frees++
		return inner()
	}
	return page, nil
}

func (f *failingAllocator) FreePage(p *Page) error { return p.release() }

func TestPageRingGeometry(t *testing.T) {
	alloc := &HeapAllocator{}
	ring, err := AllocatePageRing(alloc, 16, 4096)
	if err != nil {
		t.Fatalf("AllocatePageRing failed: %v", err)
	}
	if n := ring.NumPages(); n != 16 {
		t.Errorf("NumPages()=%d, want 16", n)
	}
	if ring.Bytes() != 16*4096 {
		t.Errorf("Bytes()=%d, want %d", ring.Bytes(), 16*4096)
	}
	for i := 0; i < 16; i++ {
		page := ring.PageAt(i)
		if page.Index != i {
			t.Errorf("PageAt(%d).Index=%d", i, page.Index)
		}
		if len(page.Data) != 4096 {
			t.Errorf("PageAt(%d) has %d bytes, want 4096", i, len(page.Data))
		}
		// Index arithmetic wraps modulo N.
		if ring.PageAt(i+16) != page || ring.PageAt(i+32) != page {
			t.Errorf("PageAt does not wrap at page %d", i)
		}
	}
	// Addresses are recorded independently per page, but the heap
	// allocator lays them out at a fixed stride; either way they must be
	// stable and distinct.
	seen := make(map[uint32]bool)
	for i := 0; i < 16; i++ {
		addr := ring.PageAt(i).DevAddr
		if seen[addr] {
			t.Errorf("duplicate device address 0x%x", addr)
		}
		seen[addr] = true
	}
	if err := ring.Free(); err != nil {
		t.Errorf("Free failed: %v", err)
	}
}

func TestPageRingRejectsBadGeometry(t *testing.T) {
	alloc := &HeapAllocator{}
	if _, err := AllocatePageRing(alloc, 0, 4096); err == nil {
		t.Error("AllocatePageRing accepted page count 0")
	}
	if _, err := AllocatePageRing(alloc, -3, 4096); err == nil {
		t.Error("AllocatePageRing accepted negative page count")
	}
	if _, err := AllocatePageRing(alloc, 4, 100); err == nil {
		t.Error("AllocatePageRing accepted a page size that is not a multiple of 8")
	}
}

func TestPageRingRollbackOnFailure(t *testing.T) {
	alloc := &failingAllocator{failAt: 5}
	ring, err := AllocatePageRing(alloc, 16, 4096)
	if ring != nil || err == nil {
		t.Fatal("AllocatePageRing should fail when page 5 cannot be allocated")
	}
	var ae *AllocationError
	if !errors.As(err, &ae) {
		t.Errorf("error %v is not an AllocationError", err)
	}
	if alloc.frees != alloc.allocs {
		t.Errorf("rollback freed %d of %d allocated pages", alloc.frees, alloc.allocs)
	}
}

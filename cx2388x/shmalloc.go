package cx2388x

import (
	"fmt"
	"os"
	"syscall"

	"github.com/fabiokung/shm"
)

// ShmAllocator acquires pages as POSIX shared-memory objects, one region per
// page, so another process (or a device shim) can map the same capture
// memory. Device addresses are synthetic, laid out at a fixed stride from
// Base, exactly like HeapAllocator; an allocator for real hardware would
// report bus addresses instead.
type ShmAllocator struct {
	Prefix string // shm object name prefix, e.g. "cxsdr0_page"
	Base   uint32
	next   uint32
	serial int
}

type shmPage struct {
	name string
	file *os.File
	data []byte
}

// AllocPage creates and maps one shared-memory region of the given size.
func (s *ShmAllocator) AllocPage(size int) (*Page, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm allocator: bad page size %d", size)
	}
	if s.Prefix == "" {
		s.Prefix = "cxsdr_page"
	}
	if s.Base == 0 {
		s.Base = 0x0100_0000
	}
	name := fmt.Sprintf("%s_%06d", s.Prefix, s.serial)
	s.serial++

	file, err := shm.Open(name, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, err
	}
	fd := int(file.Fd())
	if err = syscall.Ftruncate(fd, int64(size)); err != nil {
		file.Close()
		shm.Unlink(name)
		return nil, err
	}
	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		shm.Unlink(name)
		return nil, err
	}

	sp := &shmPage{name: name, file: file, data: data}
	addr := s.Base + s.next
	s.next += uint32(size)
	return &Page{
		DevAddr: addr,
		Data:    data,
		release: sp.release,
	}, nil
}

// FreePage unmaps and unlinks the page's shared-memory region.
func (s *ShmAllocator) FreePage(p *Page) error {
	if p.release == nil {
		return nil
	}
	return p.release()
}

func (sp *shmPage) release() error {
	if sp.data != nil {
		if err := syscall.Munmap(sp.data); err != nil {
			return err
		}
		sp.data = nil
	}
	if sp.file != nil {
		if err := sp.file.Close(); err != nil {
			return err
		}
		sp.file = nil
	}
	return shm.Unlink(sp.name)
}

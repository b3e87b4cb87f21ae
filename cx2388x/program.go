package cx2388x

import (
	"encoding/binary"
	"fmt"
)

// RISC instruction opcodes. Each instruction is one command word, followed
// by one address word for Write and Jump.
const (
	riscWrite uint32 = 0x10000000
	riscJump  uint32 = 0x70000000
	riscSync  uint32 = 0x80000000
)

// Command-word fields.
const (
	syncFrameMode  uint32 = 3 << 16 // channel framing constant for the Sync image
	writeSOLEOL    uint32 = 3 << 26 // start-of-line | end-of-line on every transfer
	writeIRQ1      uint32 = 1 << 24 // raise IRQ1 when this transfer completes
	writeCntCont   uint32 = 1 << 16 // interior halves: continue to next instruction
	writeCntBranch uint32 = 3 << 16 // final half: branch back to program start
)

// DefaultIRQPeriod raises an interrupt every 512 half-page transfers,
// bounding the interrupt rate independent of ring size.
const DefaultIRQPeriod = 512

// ProgramOptions control the generated instruction stream.
type ProgramOptions struct {
	// ClusterSize is the half-page transfer length in bytes. Each page is
	// written as two transfers of this size, so 2*ClusterSize must equal
	// the ring's page size.
	ClusterSize int
	// IRQPeriod is the interrupt cadence, in half-page transfers. Zero
	// selects DefaultIRQPeriod.
	IRQPeriod int
	// Base is the device address of the instruction buffer the program
	// image will be loaded at. The loop target is Base plus the size of
	// the Sync instruction; the program never branches to its own byte 0.
	Base uint32
}

// Program is a complete, statically addressed instruction stream. Executed
// repeatedly by the device, it fills every page of the ring in order and
// wraps without host intervention. It holds no runtime-mutable state.
type Program struct {
	Words    []uint32
	Base     uint32
	LoopAddr uint32
	numPages int
}

// BuildProgram lays out the capture microprogram for the given ring:
// one Sync, then per page two half-page Writes at DevAddr and
// DevAddr+ClusterSize, then an explicit Jump back to the instruction after
// the Sync. The final half-page Write also carries the wrap branch in its
// control field, so instruction fetch wraps deterministically even if the
// Jump and the branch field were to disagree.
func BuildProgram(ring *PageRing, opts ProgramOptions) (*Program, error) {
	if ring == nil || ring.NumPages() == 0 {
		return nil, fmt.Errorf("cx2388x: cannot build a program over an empty page ring")
	}
	if opts.ClusterSize <= 0 {
		opts.ClusterSize = ClusterSize
	}
	if 2*opts.ClusterSize != ring.PageSize() {
		return nil, fmt.Errorf("cx2388x: cluster size %d must be half the page size %d",
			opts.ClusterSize, ring.PageSize())
	}
	if opts.IRQPeriod == 0 {
		opts.IRQPeriod = DefaultIRQPeriod
	}
	if opts.IRQPeriod < 0 {
		return nil, fmt.Errorf("cx2388x: interrupt period must be positive, have %d", opts.IRQPeriod)
	}

	n := ring.NumPages()
	cluster := uint32(opts.ClusterSize)
	words := make([]uint32, 0, 1+4*n+2)

	words = append(words, riscSync|syncFrameMode)

	transfers := 0
	for i := 0; i < n; i++ {
		page := ring.PageAt(i)

		transfers++
		first := riscWrite | cluster | writeSOLEOL
		if transfers%opts.IRQPeriod == 0 {
			first |= writeIRQ1
		}
		words = append(words, first, page.DevAddr)

		transfers++
		second := riscWrite | cluster | writeSOLEOL
		if transfers%opts.IRQPeriod == 0 {
			second |= writeIRQ1
		}
		if i < n-1 {
			second |= writeCntCont
		} else {
			second |= writeCntBranch
		}
		words = append(words, second, page.DevAddr+cluster)
	}

	loopAddr := opts.Base + 4 // skip over the Sync image
	words = append(words, riscJump, loopAddr)

	return &Program{
		Words:    words,
		Base:     opts.Base,
		LoopAddr: loopAddr,
		numPages: n,
	}, nil
}

// InstructionCount returns the number of instructions in the stream:
// one Sync, two Writes per page, one Jump.
func (p *Program) InstructionCount() int {
	return 1 + 2*p.numPages + 1
}

// Size returns the program image size in bytes.
func (p *Program) Size() int {
	return 4 * len(p.Words)
}

// Encode writes the program image, little-endian, into buf. The caller
// sizes the backing allocation from Size (rounded up to its own
// granularity) and loads the result at Base.
func (p *Program) Encode(buf []byte) error {
	if len(buf) < p.Size() {
		return fmt.Errorf("cx2388x: program needs %d bytes, buffer has %d", p.Size(), len(buf))
	}
	for i, w := range p.Words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return nil
}

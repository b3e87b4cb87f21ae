package cx2388x

// PositionOracle reports how far the hardware producer has progressed
// around the page ring. Implementations must read the underlying counter
// fresh on every call; a cached value breaks the producer/consumer ordering
// guarantee.
type PositionOracle interface {
	// CurrentWrittenPage returns the index of the last page the device
	// has completely written, in [0, N).
	CurrentWrittenPage() (int, error)
}

// counterOracle normalizes the device's general-purpose counter. The raw
// register holds the index of the page the device is about to write next,
// so the last completed page is raw-1, except that a raw value of 0 means
// the device just wrapped and the last completed page is N-1.
type counterOracle struct {
	regs     RegisterBank
	offset   uint32
	numPages int
}

// NewCounterOracle returns a PositionOracle over the progress counter
// register at the given offset, for a ring of numPages pages.
func NewCounterOracle(regs RegisterBank, offset uint32, numPages int) PositionOracle {
	return &counterOracle{regs: regs, offset: offset, numPages: numPages}
}

func (o *counterOracle) CurrentWrittenPage() (int, error) {
	raw, err := o.regs.ReadRegister(o.offset)
	if err != nil {
		return 0, err
	}
	next := int(raw) % o.numPages
	if next == 0 {
		return o.numPages - 1, nil
	}
	return next - 1, nil
}

package cx2388x

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// Default capture geometry: a 64 MiB ring of 4 KiB pages.
const (
	DefaultPageSize  = 4096
	DefaultPageCount = (64 * 1024 * 1024) / DefaultPageSize
)

// ErrBusy is returned by OpenSession while another session holds the
// device. Exactly one reader may consume the ring at a time; the zeroing
// tombstone would make concurrent readers actively destructive.
var ErrBusy = errors.New("cx2388x: device already has an open capture session")

// Config selects the capture geometry and the initial analog settings.
// The zero value selects the hardware defaults.
type Config struct {
	PageCount    int
	PageSize     int
	ClusterSize  int
	ClusterSlots int
	IRQPeriod    int

	Gain  uint32 // ADC gain step, 0..MaxGain
	Input uint32 // video mux input, 0..NumInputs-1
	Rate  Rate
}

func (c *Config) setDefaults() {
	if c.PageCount == 0 {
		c.PageCount = DefaultPageCount
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ClusterSize == 0 {
		c.ClusterSize = ClusterSize
	}
	if c.ClusterSlots == 0 {
		c.ClusterSlots = ClusterSlots
	}
}

// Device owns one CX2388x capture engine: its page ring, its loaded
// microprogram, and the exclusive-open discipline for consumer sessions.
type Device struct {
	regs    RegisterBank
	cfg     Config
	ring    *PageRing
	prog    *Program
	progBuf *Page
	oracle  PositionOracle

	mu          sync.Mutex
	sessionOpen bool
}

// Setup allocates the page ring and the program buffer, builds and loads
// the microprogram, resets the device, and programs the descriptor table
// and the analog path. The device is left configured but not capturing;
// call Start. Any allocation failure rolls back completely.
func Setup(regs RegisterBank, alloc PageAllocator, cfg Config) (*Device, error) {
	cfg.setDefaults()
	if cfg.Gain > MaxGain {
		return nil, fmt.Errorf("cx2388x: gain %d out of range [0, %d]", cfg.Gain, MaxGain)
	}
	if cfg.Input >= NumInputs {
		return nil, fmt.Errorf("cx2388x: input %d out of range [0, %d)", cfg.Input, NumInputs)
	}

	ring, err := AllocatePageRing(alloc, cfg.PageCount, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	// Size the program image before allocating its buffer: the stream is
	// 1 sync + 2 writes per page + 1 jump, two words each except the
	// one-word sync. Round up to page granularity.
	progBytes := 4 * (1 + 4*cfg.PageCount + 2)
	progBytes = (progBytes + cfg.PageSize - 1) &^ (cfg.PageSize - 1)
	progBuf, err := alloc.AllocPage(progBytes)
	if err != nil {
		ring.Free()
		return nil, &AllocationError{What: "instruction buffer", Err: err}
	}

	dev := &Device{regs: regs, cfg: cfg, ring: ring, progBuf: progBuf}
	prog, err := BuildProgram(ring, ProgramOptions{
		ClusterSize: cfg.ClusterSize,
		IRQPeriod:   cfg.IRQPeriod,
		Base:        progBuf.DevAddr,
	})
	if err != nil {
		dev.freeMemory()
		return nil, err
	}
	dev.prog = prog
	if err := prog.Encode(progBuf.Data); err != nil {
		dev.freeMemory()
		return nil, err
	}
	log.Printf("cx2388x: DMA ring %d MiB, program %d instructions in %d KiB",
		ring.Bytes()/(1024*1024), prog.InstructionCount(), progBytes/1024)

	// Quiesce the engine before touching SRAM, then describe the cluster
	// pool and the program to the channel.
	if err := dev.Stop(); err != nil {
		dev.freeMemory()
		return nil, err
	}
	cdt := NewDescriptorTable(progBuf.DevAddr, cfg.ClusterSlots, uint32(cfg.ClusterSize))
	if err := cdt.Apply(regs); err != nil {
		dev.freeMemory()
		return nil, err
	}

	if err := setADC(regs); err != nil {
		dev.freeMemory()
		return nil, err
	}
	if err := setRate(regs, cfg.Rate); err != nil {
		dev.freeMemory()
		return nil, err
	}
	if err := setAGC(regs, cfg.Gain); err != nil {
		dev.freeMemory()
		return nil, err
	}
	if err := setInput(regs, cfg.Input); err != nil {
		dev.freeMemory()
		return nil, err
	}

	dev.oracle = NewCounterOracle(regs, MOVBIGPCnt, cfg.PageCount)
	return dev, nil
}

// Config returns the geometry and analog settings the device was set up with.
func (d *Device) Config() Config { return d.cfg }

// Ring returns the device's page ring.
func (d *Device) Ring() *PageRing { return d.ring }

// Oracle returns the device's producer-position oracle.
func (d *Device) Oracle() PositionOracle { return d.oracle }

// Program returns the loaded instruction stream.
func (d *Device) Program() *Program { return d.prog }

// Start enables the RISC controller and the video DMA engine, then unmasks
// the channel interrupts. The device runs autonomously from here on.
func (d *Device) Start() error {
	if err := d.regs.WriteRegister(MODevCntrl2, 1<<5); err != nil {
		return err
	}
	if err := d.regs.WriteRegister(MOVidDMACntrl, (1<<7)|(1<<3)); err != nil {
		return err
	}
	return writeRegisterFlush(d.regs, MOVidIntMask, InterruptMask)
}

// Stop quiesces the engine: RISC controller off, DMA off, interrupts
// masked, capture disabled, pending interrupt status cleared. Safe to call
// on an already-stopped or never-started device.
func (d *Device) Stop() error {
	pokes := []struct{ off, val uint32 }{
		{MODevCntrl2, 0},
		{MOVidDMACntrl, 0},
		{MOPCIIntMask, 0},
		{MOVidIntMask, 0},
		{MOCaptureCtrl, 0},
		{MOVidIntStat, ^uint32(0)},
	}
	for _, p := range pokes {
		if err := d.regs.WriteRegister(p.off, p.val); err != nil {
			return err
		}
	}
	return nil
}

// Teardown stops the engine and releases the ring and the program buffer.
// The device must not be used afterward.
func (d *Device) Teardown() error {
	if err := d.Stop(); err != nil {
		return err
	}
	return d.freeMemory()
}

func (d *Device) freeMemory() error {
	var firstErr error
	if d.ring != nil {
		firstErr = d.ring.Free()
		d.ring = nil
	}
	if d.progBuf != nil && d.progBuf.release != nil {
		if err := d.progBuf.release(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.progBuf = nil
	}
	return firstErr
}

// OpenSession begins the device's single consumer session, unmasking the
// PCI interrupt for progress signaling. It fails with ErrBusy until the
// previous session's reader is closed.
func (d *Device) OpenSession(opts SessionOptions) (*StreamReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionOpen {
		return nil, ErrBusy
	}
	sr, err := OpenStream(d.ring, d.oracle, opts)
	if err != nil {
		return nil, err
	}
	if err := d.regs.WriteRegister(MOPCIIntMask, 1); err != nil {
		return nil, err
	}
	d.sessionOpen = true
	sr.closeFn = func() {
		d.mu.Lock()
		d.sessionOpen = false
		d.mu.Unlock()
		d.regs.WriteRegister(MOPCIIntMask, 0)
	}
	return sr, nil
}

// IntStatus returns the masked interrupt status: which enabled channel-24
// conditions are currently asserted.
func (d *Device) IntStatus() (uint32, error) {
	status, err := d.regs.ReadRegister(MOVidIntStat)
	if err != nil {
		return 0, err
	}
	mask, err := d.regs.ReadRegister(MOVidIntMask)
	if err != nil {
		return 0, err
	}
	return status & mask, nil
}

// AckInt acknowledges the given interrupt status bits.
func (d *Device) AckInt(status uint32) error {
	return d.regs.WriteRegister(MOVidIntStat, status)
}

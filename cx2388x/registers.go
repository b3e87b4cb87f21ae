// Package cx2388x drives the DMA capture engine of a CX2388x-class ADC
// bridge. The device executes a small RISC microprogram that scatters
// digitized samples into a ring of host memory pages; this package builds
// that program, owns the page ring, and maps consumer reads onto it while
// tracking the hardware's progress counter.
//
// Register access is abstracted behind RegisterBank so the whole engine can
// run against a simulated bank (see sim.go) with no hardware present.
package cx2388x

import (
	"encoding/binary"
	"fmt"
	"os"
)

// MMIO register offsets (byte offsets into BAR0).
const (
	MODevCntrl2    uint32 = 0x200034 // device control
	MOPCIIntMask   uint32 = 0x200040 // PCI interrupt mask
	MOVidIntMask   uint32 = 0x200050 // video interrupt mask
	MOVidIntStat   uint32 = 0x200054 // video interrupt status
	MODMA24Ptr2    uint32 = 0x3000cc // DMA table pointer, channel 24
	MODMA24Cnt1    uint32 = 0x30010c // DMA buffer size, channel 24
	MODMA24Cnt2    uint32 = 0x30014c // DMA table size, channel 24
	MOVBIGPCnt     uint32 = 0x31c02c // VBI general purpose counter (read-only)
	MOVidDMACntrl  uint32 = 0x31c040 // video DMA control
	MOInputFormat  uint32 = 0x310104
	MOContrBright  uint32 = 0x310110
	MOOutputFormat uint32 = 0x310164
	MOPLLReg       uint32 = 0x310168 // PLL register
	MOSConvReg     uint32 = 0x310170 // sample rate conversion register
	MOCaptureCtrl  uint32 = 0x310180 // capture control
	MOColorCtrl    uint32 = 0x310184
	MOVBIPacket    uint32 = 0x310188 // VBI packet size / delay
	MOAGCBackVBI   uint32 = 0x310200
	MOAGCSyncSlcr  uint32 = 0x310204
	MOAGCSyncTip2  uint32 = 0x31020c
	MOAGCSyncTip3  uint32 = 0x310210
	MOAGCGainAdj2  uint32 = 0x310218
	MOAGCGainAdj3  uint32 = 0x31021c
	MOAGCGainAdj4  uint32 = 0x310220
	MOAFECfgIO     uint32 = 0x35c04c
)

// On-chip SRAM layout for DMA channel 24.
const (
	sramBase          uint32 = 0x180000
	chn24CMDSBase     uint32 = 0x180100
	riscInstQueue     uint32 = sramBase + 0x0800
	cdtBase           uint32 = sramBase + 0x1000
	clusterBufferBase uint32 = sramBase + 0x4000
)

// InterruptMask enables the channel-24 RISC, overflow and sync interrupts.
const InterruptMask uint32 = 0x018888

// RegisterBank is the raw register read/write capability the capture engine
// is given. Reads must be fresh, uncached loads: the progress counter is the
// only producer/consumer synchronization signal.
type RegisterBank interface {
	ReadRegister(offset uint32) (uint32, error)
	WriteRegister(offset uint32, value uint32) error
}

// MMIODevice is a RegisterBank backed by a uio-style character device that
// exposes BAR0 as a seekable file of little-endian 32-bit registers.
type MMIODevice struct {
	file *os.File
}

// EnumerateDevices returns the device numbers for which /dev/cx2388x_mmioN
// exists as a device file.
func EnumerateDevices() (devices []int, err error) {
	const maxDevices = 8
	for id := 0; id < maxDevices; id++ {
		info, err := os.Stat(devName(id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return devices, err
		}
		if (info.Mode() & os.ModeDevice) == 0 {
			continue
		}
		devices = append(devices, id)
	}
	return devices, nil
}

func devName(devnum int) string {
	return fmt.Sprintf("/dev/cx2388x_mmio%d", devnum)
}

// OpenMMIODevice opens /dev/cx2388x_mmioN for register access.
func OpenMMIODevice(devnum int) (*MMIODevice, error) {
	file, err := os.OpenFile(devName(devnum), os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	return &MMIODevice{file: file}, nil
}

// ReadRegister reads the register at the given byte offset.
func (d *MMIODevice) ReadRegister(offset uint32) (uint32, error) {
	result := make([]byte, 4)
	n, err := d.file.ReadAt(result, int64(offset))
	if n < 4 || err != nil {
		return 0, fmt.Errorf("could not read %s offset 0x%x", d.file.Name(), offset)
	}
	return binary.LittleEndian.Uint32(result), nil
}

// WriteRegister writes a uint32 to the register at the given byte offset.
func (d *MMIODevice) WriteRegister(offset uint32, value uint32) error {
	bytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(bytes, value)
	n, err := d.file.WriteAt(bytes, int64(offset))
	if n < 4 || err != nil {
		return fmt.Errorf("could not write %s offset 0x%x value 0x%x",
			d.file.Name(), offset, value)
	}
	return nil
}

// Close closes the underlying device file.
func (d *MMIODevice) Close() error {
	return d.file.Close()
}

func (d *MMIODevice) String() string {
	return fmt.Sprintf("cx2388x mmio device %s", d.file.Name())
}

// writeRegisterFlush writes a register, then forces the posted write out by
// reading a harmless register back.
func writeRegisterFlush(regs RegisterBank, offset, value uint32) error {
	if err := regs.WriteRegister(offset, value); err != nil {
		return err
	}
	_, err := regs.ReadRegister(MOVidIntStat)
	return err
}

package cx2388x

import "fmt"

// Sampling-rate presets. The 8-bit rates stream one byte per sample, the
// 16-bit rates two; the capture-control, sample-converter and PLL values
// are fixed-function recipes for each preset.
type Rate int

const (
	Rate4FscU8   Rate = iota // 14.318182 MHz, 8-bit
	Rate8FscU8               // 28.636363 MHz, 8-bit
	Rate10FscU8              // 35.795454 MHz, 8-bit
	Rate2FscU16              //  7.159091 MHz, 16-bit
	Rate4FscU16              // 14.318182 MHz, 16-bit
	Rate5FscU16              // 17.897727 MHz, 16-bit
)

// SampleBytes returns the bytes per sample for the rate preset.
func (r Rate) SampleBytes() int {
	if r >= Rate2FscU16 {
		return 2
	}
	return 1
}

func (r Rate) String() string {
	switch r {
	case Rate4FscU8:
		return "14.318182 MHz, 8-bit"
	case Rate8FscU8:
		return "28.636363 MHz, 8-bit"
	case Rate10FscU8:
		return "35.795454 MHz, 8-bit"
	case Rate2FscU16:
		return "7.159091 MHz, 16-bit"
	case Rate4FscU16:
		return "14.318182 MHz, 16-bit"
	case Rate5FscU16:
		return "17.897727 MHz, 16-bit"
	}
	return "unknown rate"
}

// MaxGain is the largest ADC gain step the AGC gain adjust register takes.
const MaxGain = 31

// NumInputs is the number of video mux inputs on the bridge.
const NumInputs = 4

// setADC programs the sample path: output format, contrast, color control,
// VBI packet geometry, and powers down the unused audio and chroma
// DAC/ADC blocks.
func setADC(regs RegisterBank) error {
	stat, err := regs.ReadRegister(MOVidIntStat)
	if err != nil {
		return err
	}
	pokes := []struct{ off, val uint32 }{
		{MOVidIntStat, stat}, // ack anything pending
		{MOOutputFormat, 0xf},
		{MOContrBright, 0xff00},
		{MOColorCtrl, (0xe << 4) | 0xe},
		{MOVBIPacket, (ClusterSize << 17) | (2 << 11)},
		{MOAFECfgIO, 0x12},
	}
	for _, p := range pokes {
		if err := regs.WriteRegister(p.off, p.val); err != nil {
			return err
		}
	}
	return nil
}

// setAGC programs the automatic gain control chain with the fixed recipe
// for raw sample capture, then applies the current gain step.
func setAGC(regs RegisterBank, gain uint32) error {
	pokes := []struct{ off, val uint32 }{
		{MOAGCBackVBI, (1 << 25) | (0x100 << 16) | 0xfff},
		{MOAGCSyncSlcr, 0x0},
		{MOAGCSyncTip2, (0x20 << 17) | 0xf},
		{MOAGCSyncTip3, (0x1e48 << 16) | (0xff << 8) | 0x8},
		{MOAGCGainAdj2, (0x20 << 17) | 0xf},
		{MOAGCGainAdj3, (0x28 << 16) | (0x28 << 8) | 0x50},
	}
	for _, p := range pokes {
		if err := regs.WriteRegister(p.off, p.val); err != nil {
			return err
		}
	}
	return setGain(regs, gain)
}

func setGain(regs RegisterBank, gain uint32) error {
	if gain > MaxGain {
		gain = MaxGain
	}
	return regs.WriteRegister(MOAGCGainAdj4, (1<<23)|(gain<<16)|(0xff<<8))
}

func setInput(regs RegisterBank, input uint32) error {
	return regs.WriteRegister(MOInputFormat, (1<<16)|(input<<14)|(1<<13)|(1<<4)|0x1)
}

func setRate(regs RegisterBank, rate Rate) error {
	var capture, sconv, pll uint32
	switch rate {
	case Rate4FscU8:
		capture = (1 << 6) | (3 << 1)
		sconv = (1 << 17) * 2        // freq / 2
		pll = (1 << 26) | (0x14 << 20) // freq / 5 / 8 * 20
	case Rate8FscU8:
		capture = (1 << 6) | (3 << 1)
		sconv = 1 << 17    // freq
		pll = 0x10 << 20   // freq / 2 / 8 * 16
	case Rate10FscU8:
		capture = (1 << 6) | (3 << 1)
		sconv = (1 << 17) * 4 / 5 // freq * 5 / 4
		pll = 0x14 << 20          // freq / 2 / 8 * 20
	case Rate2FscU16:
		capture = (1 << 6) | (1 << 5) | (3 << 1)
		sconv = (1 << 17) * 2
		pll = (1 << 26) | (0x14 << 20)
	case Rate4FscU16:
		capture = (1 << 6) | (1 << 5) | (3 << 1)
		sconv = 1 << 17
		pll = 0x10 << 20
	case Rate5FscU16:
		capture = (1 << 6) | (1 << 5) | (3 << 1)
		sconv = (1 << 17) * 4 / 5
		pll = 0x14 << 20
	default:
		return fmt.Errorf("cx2388x: unknown rate preset %d", rate)
	}
	if err := regs.WriteRegister(MOCaptureCtrl, capture); err != nil {
		return err
	}
	if err := regs.WriteRegister(MOSConvReg, sconv); err != nil {
		return err
	}
	return regs.WriteRegister(MOPLLReg, pll)
}

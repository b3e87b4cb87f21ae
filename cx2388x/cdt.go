package cx2388x

// Cluster geometry for the device's internal buffering stage. The device
// cycles through a small fixed pool of cluster-sized SRAM slots while
// streaming into host pages; the driver only describes the pool once.
const (
	ClusterSize  = 2048 // bytes per cluster slot
	ClusterSlots = 8    // slots in the pool

	cdtEntryStride = 16 // bytes per cluster descriptor table entry
)

// DescriptorTable captures the one-time channel-24 SRAM setup: where the
// cluster descriptor table lives, where the cluster slots live, and which
// instruction program the channel runs.
type DescriptorTable struct {
	Slots       int
	SlotSize    uint32
	TableAddr   uint32
	BufferAddr  uint32
	ProgramAddr uint32
}

// NewDescriptorTable describes the default channel-24 layout for a program
// loaded at programAddr. Zero slots or slot size select the hardware
// defaults.
func NewDescriptorTable(programAddr uint32, slots int, slotSize uint32) *DescriptorTable {
	if slots <= 0 {
		slots = ClusterSlots
	}
	if slotSize == 0 {
		slotSize = ClusterSize
	}
	return &DescriptorTable{
		Slots:       slots,
		SlotSize:    slotSize,
		TableAddr:   cdtBase,
		BufferAddr:  clusterBufferBase,
		ProgramAddr: programAddr,
	}
}

// Apply writes the descriptor table and the channel management block, then
// sizes the DMA channel. One entry per cluster slot is written at a 16-byte
// stride; the slot count is doubled on the way to the hardware because the
// producer double-buffers each cluster, and the per-slot size is reported in
// 8-byte transfer quanta minus one, as the channel counts quanta, not bytes.
func (t *DescriptorTable) Apply(regs RegisterBank) error {
	buff := t.BufferAddr
	for i := 0; i < t.Slots; i++ {
		if err := regs.WriteRegister(t.TableAddr+uint32(cdtEntryStride*i), buff); err != nil {
			return err
		}
		buff += t.SlotSize
	}

	cmds := []struct{ off, val uint32 }{
		{0, t.ProgramAddr},
		{4, t.TableAddr},
		{8, uint32(t.Slots) * 2},
		{12, riscInstQueue},
		{16, 0x40},
	}
	for _, c := range cmds {
		if err := regs.WriteRegister(chn24CMDSBase+c.off, c.val); err != nil {
			return err
		}
	}

	if err := regs.WriteRegister(MODMA24Ptr2, t.TableAddr); err != nil {
		return err
	}
	if err := regs.WriteRegister(MODMA24Cnt1, (t.SlotSize>>3)-1); err != nil {
		return err
	}
	return regs.WriteRegister(MODMA24Cnt2, uint32(t.Slots)*2)
}

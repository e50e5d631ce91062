package boot

import "encoding/binary"

// Guest-physical memory layout, the same map kvmtool and friends use:
//
//	0x02000  guest GDT
//	0x08000  boot stack top
//	0x10000  boot parameters ("zero page")
//	0x20000  kernel command line
//	0x30000  guest identity page tables
//	0x100000 protected-mode kernel
const (
	GDTBase       = 0x02000
	StackTop      = 0x08000
	BootParamAddr = 0x10000
	CmdlineAddr   = 0x20000
	PageTableBase = 0x30000
	KernelAddr    = 0x100000
)

// Legacy PC memory landmarks for the E820 map.
const (
	realModeIvtBegin = 0x00000000
	ebdaStart        = 0x0009FC00
	vgaRAMBegin      = 0x000A0000
	mbBIOSBegin      = 0x000F0000
	mbBIOSEnd        = 0x000FFFFF
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// boot_params field offsets (the "zero page").
const (
	e820EntriesOff = 0x1E8
	e820TableOff   = 0x2D0
	e820EntrySize  = 20
	maxE820Entries = 128
)

// params builds the boot-parameter page in place.
type params struct {
	page [4096]byte
	n    int
}

// AddE820Entry appends one physical-memory range to the map.
func (p *params) AddE820Entry(addr, size uint64, typ uint32) {
	if p.n >= maxE820Entries {
		return
	}

	off := e820TableOff + p.n*e820EntrySize
	binary.LittleEndian.PutUint64(p.page[off:], addr)
	binary.LittleEndian.PutUint64(p.page[off+8:], size)
	binary.LittleEndian.PutUint32(p.page[off+16:], typ)

	p.n++
	p.page[e820EntriesOff] = byte(p.n)
}

// SetHeader places the setup header at its protocol offset.
func (p *params) SetHeader(h *Header) error {
	b, err := h.Bytes()
	if err != nil {
		return err
	}

	copy(p.page[setupHeaderBase:], b)

	return nil
}

// standardE820 fills the map every PC guest expects: low RAM up to the
// EBDA, the VGA and BIOS holes reserved, then everything from the
// kernel load address to the end of guest RAM.
func (p *params) standardE820(memSize uint64) {
	p.AddE820Entry(realModeIvtBegin, ebdaStart-realModeIvtBegin, E820Ram)
	p.AddE820Entry(ebdaStart, vgaRAMBegin-ebdaStart, E820Reserved)
	p.AddE820Entry(mbBIOSBegin, mbBIOSEnd-mbBIOSBegin, E820Reserved)
	p.AddE820Entry(KernelAddr, memSize-KernelAddr, E820Ram)
}

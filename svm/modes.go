package svm

// Control-register and EFER bits. golang style would want all-caps
// acronyms here; the hardware names win.
const (
	CR0xPE = 1 << 0
	CR0xMP = 1 << 1
	CR0xEM = 1 << 2
	CR0xTS = 1 << 3
	CR0xET = 1 << 4
	CR0xNE = 1 << 5
	CR0xWP = 1 << 16
	CR0xAM = 1 << 18
	CR0xNW = 1 << 29
	CR0xCD = 1 << 30
	CR0xPG = 1 << 31

	CR4xPSE        = 1 << 4
	CR4xPAE        = 1 << 5
	CR4xPGE        = 1 << 7
	CR4xOSFXSR     = 1 << 9
	CR4xOSXMMEXCPT = 1 << 10

	EFERxSCE  = 1 << 0
	EFERxLME  = 1 << 8
	EFERxLMA  = 1 << 10
	EFERxNXE  = 1 << 11
	EFERxSVME = 1 << 12

	// RFLAGS bit 1 is reserved and always reads as one.
	RFLAGSxReserved = 1 << 1
)

// Segment attribute encodings as packed into VMCB attrib fields:
// type|S|DPL|P in the low byte, AVL|L|DB|G above.
const (
	// 16-bit execute/read code and read/write data, present.
	AttrCode16 = 0x09B
	AttrData16 = 0x093

	// Flat 32-bit segments: granularity and default-size bits set.
	AttrCode32 = 0xC9B
	AttrData32 = 0xC93

	// 64-bit code: long bit instead of default-size.
	AttrCode64 = 0xA9B
	AttrData64 = 0xC93
)

const resetVectorOffset = 0xFFF0

// SetupRealMode configures the state-save area for 8086-style execution
// starting at the reset vector, the way firmware first sees a CPU.
func (c *VMCB) SetupRealMode() {
	c.SetCS(Segment{Selector: 0xF000, Attrib: AttrCode16, Limit: 0xFFFF, Base: 0xF0000})

	data := Segment{Selector: 0, Attrib: AttrData16, Limit: 0xFFFF, Base: 0}
	c.SetDS(data)
	c.SetES(data)
	c.SetFS(data)
	c.SetGS(data)
	c.SetSS(data)

	c.SetCR0(CR0xET)
	c.SetEFER(EFERxSVME)
	c.SetRFLAGS(RFLAGSxReserved)
	c.SetRIP(resetVectorOffset)
}

// SetupProtectedMode configures flat 32-bit protected mode without
// paging, entry at the given address.
func (c *VMCB) SetupProtectedMode(entry uint64) {
	c.SetCS(Segment{Selector: 0x08, Attrib: AttrCode32, Limit: 0xFFFFFFFF, Base: 0})

	data := Segment{Selector: 0x10, Attrib: AttrData32, Limit: 0xFFFFFFFF, Base: 0}
	c.SetDS(data)
	c.SetES(data)
	c.SetFS(data)
	c.SetGS(data)
	c.SetSS(data)

	c.SetCR0(CR0xPE | CR0xET)
	c.SetEFER(EFERxSVME)
	c.SetRFLAGS(RFLAGSxReserved)
	c.SetRIP(entry)
}

// SetupLongMode configures 64-bit long mode with paging rooted at
// guestCR3 and entry at the given address, CPL 0.
func (c *VMCB) SetupLongMode(entry, guestCR3 uint64) {
	c.SetCS(Segment{Selector: 0x08, Attrib: AttrCode64, Limit: 0xFFFFFFFF, Base: 0})

	data := Segment{Selector: 0x10, Attrib: AttrData64, Limit: 0xFFFFFFFF, Base: 0}
	c.SetDS(data)
	c.SetES(data)
	c.SetFS(data)
	c.SetGS(data)
	c.SetSS(data)

	c.SetCR0(CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xPG)
	c.SetCR3(guestCR3)
	c.SetCR4(CR4xPAE | CR4xPGE | CR4xOSFXSR | CR4xOSXMMEXCPT)
	c.SetEFER(EFERxSCE | EFERxLME | EFERxLMA | EFERxSVME)
	c.SetRFLAGS(RFLAGSxReserved)
	c.SetRIP(entry)
	c.SetCPL(0)
}

// SetupLongModeForLinux is SetupLongMode plus the extra state the
// 64-bit Linux boot protocol expects: the guest's own GDT and a seeded
// stack pointer.
//
// refs: https://www.kernel.org/doc/html/latest/x86/boot.html#id1
func (c *VMCB) SetupLongModeForLinux(entry, stack, guestCR3, gdtBase uint64, gdtLimit uint16) {
	c.SetupLongMode(entry, guestCR3)
	c.SetGDTR(gdtBase, gdtLimit)
	c.SetRSP(stack)
}

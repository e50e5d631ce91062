package svm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The VMCB layout is defined in AMD64 Architecture Programmer's Manual
// Volume 2, Appendix B. Every offset below is mandated by hardware; the
// CPU itself reads and writes this structure on VMRUN/#VMEXIT.

const (
	// VMCBSize is the architecturally required size of a VMCB. The
	// control area occupies the first 0x400 bytes, the state-save area
	// the rest.
	VMCBSize = 4096

	// IOPMSize and MSRPMSize are the sizes of the I/O and MSR
	// permission maps pointed to by the control area.
	IOPMSize  = 12 << 10
	MSRPMSize = 8 << 10
)

// Control-area byte offsets.
const (
	offInterceptCR   = 0x000 // low 16 bits reads, high 16 bits writes
	offInterceptDR   = 0x004
	offInterceptExc  = 0x008
	offInterceptMisc = 0x00C
	offInterceptExt  = 0x010
	offIOPMBase      = 0x040
	offMSRPMBase     = 0x048
	offTSCOffset     = 0x050
	offGuestASID     = 0x058
	offTLBControl    = 0x05C
	offVIntr         = 0x060
	offIntShadow     = 0x068
	offExitCode      = 0x070
	offExitInfo1     = 0x078
	offExitInfo2     = 0x080
	offExitIntInfo   = 0x088
	offNPEnable      = 0x090
	offEventInj      = 0x0A8
	offNCR3          = 0x0B0
	offLBRVirt       = 0x0B8
	offCleanBits     = 0x0C0
	offNextRIP       = 0x0C8
	offInsnLen       = 0x0D0
	offInsnBytes     = 0x0D1
)

// State-save-area byte offsets. Segment registers are 16 bytes each:
// selector, attrib, limit, base.
const (
	offES   = 0x400
	offCS   = 0x410
	offSS   = 0x420
	offDS   = 0x430
	offFS   = 0x440
	offGS   = 0x450
	offGDTR = 0x460
	offLDTR = 0x470
	offIDTR = 0x480
	offTR   = 0x490

	offCPL    = 0x4CB
	offEFER   = 0x4D0
	offCR4    = 0x548
	offCR3    = 0x550
	offCR0    = 0x558
	offDR7    = 0x560
	offDR6    = 0x568
	offRFLAGS = 0x570
	offRIP    = 0x578
	offRSP    = 0x5D8
	offRAX    = 0x5F8

	offSTAR         = 0x600
	offLSTAR        = 0x608
	offCSTAR        = 0x610
	offSFMASK       = 0x618
	offKernelGSBase = 0x620
	offSysenterCS   = 0x628
	offSysenterESP  = 0x630
	offSysenterEIP  = 0x638
	offCR2          = 0x640
	offGPAT         = 0x668
	offDbgCtl       = 0x670

	segSelector = 0
	segAttrib   = 2
	segLimit    = 4
	segBase     = 8
)

// ErrVMCBAlloc indicates the backing allocation for a control block or
// permission map failed.
var ErrVMCBAlloc = fmt.Errorf("cannot allocate control block memory")

// VMCB is one guest's hardware virtualization control block. All access
// goes through the typed accessors; no caller should do raw offset
// arithmetic on the backing bytes.
type VMCB struct {
	data []byte
}

// New allocates a zeroed, page-aligned VMCB.
func New() (*VMCB, error) {
	data, err := AllocAligned(VMCBSize)
	if err != nil {
		return nil, err
	}

	return &VMCB{data: data}, nil
}

// AllocAligned returns size bytes of zeroed, page-aligned memory.
// mmap guarantees page alignment, which the hardware requires for the
// VMCB and for both permission maps.
func AllocAligned(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVMCBAlloc, err)
	}

	if len(data) != size || uintptr(unsafe.Pointer(&data[0]))&0xFFF != 0 {
		return nil, ErrVMCBAlloc
	}

	return data, nil
}

// FreeAligned releases memory obtained from AllocAligned.
func FreeAligned(data []byte) error {
	if data == nil {
		return nil
	}

	return unix.Munmap(data)
}

// PhysAddrOf returns the address of an AllocAligned block as the
// hardware sees it, identity mapping assumed as in PhysAddr.
func PhysAddrOf(data []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&data[0])))
}

// Free releases the backing memory. The VMCB must not be used afterwards.
func (c *VMCB) Free() error {
	if c.data == nil {
		return nil
	}

	data := c.data
	c.data = nil

	return unix.Munmap(data)
}

// PhysAddr returns the address handed to VMRUN. The kernel runs identity
// mapped, so the virtual address of the backing page is also its
// physical address.
func (c *VMCB) PhysAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&c.data[0])))
}

func (c *VMCB) ReadU8(off int) uint8 {
	return c.data[off]
}

func (c *VMCB) ReadU16(off int) uint16 {
	return binary.LittleEndian.Uint16(c.data[off : off+2])
}

func (c *VMCB) ReadU32(off int) uint32 {
	return binary.LittleEndian.Uint32(c.data[off : off+4])
}

func (c *VMCB) ReadU64(off int) uint64 {
	return binary.LittleEndian.Uint64(c.data[off : off+8])
}

func (c *VMCB) WriteU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(c.data[off:off+2], v)
}

func (c *VMCB) WriteU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(c.data[off:off+4], v)
}

func (c *VMCB) WriteU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(c.data[off:off+8], v)
}

// Segment is the VMCB representation of one segment register. Attrib
// packs the descriptor type, S, DPL, P, AVL, L, DB and G bits.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

func (c *VMCB) setSegment(off int, s Segment) {
	c.WriteU16(off+segSelector, s.Selector)
	c.WriteU16(off+segAttrib, s.Attrib)
	c.WriteU32(off+segLimit, s.Limit)
	c.WriteU64(off+segBase, s.Base)
}

func (c *VMCB) segment(off int) Segment {
	return Segment{
		Selector: c.ReadU16(off + segSelector),
		Attrib:   c.ReadU16(off + segAttrib),
		Limit:    c.ReadU32(off + segLimit),
		Base:     c.ReadU64(off + segBase),
	}
}

func (c *VMCB) SetCS(s Segment) { c.setSegment(offCS, s) }
func (c *VMCB) SetDS(s Segment) { c.setSegment(offDS, s) }
func (c *VMCB) SetES(s Segment) { c.setSegment(offES, s) }
func (c *VMCB) SetFS(s Segment) { c.setSegment(offFS, s) }
func (c *VMCB) SetGS(s Segment) { c.setSegment(offGS, s) }
func (c *VMCB) SetSS(s Segment) { c.setSegment(offSS, s) }
func (c *VMCB) SetTR(s Segment) { c.setSegment(offTR, s) }
func (c *VMCB) SetLDTR(s Segment) { c.setSegment(offLDTR, s) }

func (c *VMCB) CS() Segment { return c.segment(offCS) }
func (c *VMCB) DS() Segment { return c.segment(offDS) }
func (c *VMCB) ES() Segment { return c.segment(offES) }
func (c *VMCB) FS() Segment { return c.segment(offFS) }
func (c *VMCB) GS() Segment { return c.segment(offGS) }
func (c *VMCB) SS() Segment { return c.segment(offSS) }

// SetGDTR and SetIDTR take a base and a limit; selector and attrib are
// meaningless for descriptor tables.
func (c *VMCB) SetGDTR(base uint64, limit uint16) {
	c.setSegment(offGDTR, Segment{Limit: uint32(limit), Base: base})
}

func (c *VMCB) SetIDTR(base uint64, limit uint16) {
	c.setSegment(offIDTR, Segment{Limit: uint32(limit), Base: base})
}

func (c *VMCB) GDTR() (uint64, uint16) {
	s := c.segment(offGDTR)

	return s.Base, uint16(s.Limit)
}

func (c *VMCB) SetCR0(v uint64) { c.WriteU64(offCR0, v) }
func (c *VMCB) SetCR2(v uint64) { c.WriteU64(offCR2, v) }
func (c *VMCB) SetCR3(v uint64) { c.WriteU64(offCR3, v) }
func (c *VMCB) SetCR4(v uint64) { c.WriteU64(offCR4, v) }
func (c *VMCB) SetEFER(v uint64) { c.WriteU64(offEFER, v) }
func (c *VMCB) SetRFLAGS(v uint64) { c.WriteU64(offRFLAGS, v) }
func (c *VMCB) SetRIP(v uint64) { c.WriteU64(offRIP, v) }
func (c *VMCB) SetRSP(v uint64) { c.WriteU64(offRSP, v) }
func (c *VMCB) SetRAX(v uint64) { c.WriteU64(offRAX, v) }
func (c *VMCB) SetDR6(v uint64) { c.WriteU64(offDR6, v) }
func (c *VMCB) SetDR7(v uint64) { c.WriteU64(offDR7, v) }
func (c *VMCB) SetGPAT(v uint64) { c.WriteU64(offGPAT, v) }
func (c *VMCB) SetSTAR(v uint64) { c.WriteU64(offSTAR, v) }
func (c *VMCB) SetLSTAR(v uint64) { c.WriteU64(offLSTAR, v) }
func (c *VMCB) SetCSTAR(v uint64) { c.WriteU64(offCSTAR, v) }
func (c *VMCB) SetSFMASK(v uint64) { c.WriteU64(offSFMASK, v) }
func (c *VMCB) SetKernelGSBase(v uint64) { c.WriteU64(offKernelGSBase, v) }
func (c *VMCB) SetSysenterCS(v uint64) { c.WriteU64(offSysenterCS, v) }
func (c *VMCB) SetSysenterESP(v uint64) { c.WriteU64(offSysenterESP, v) }
func (c *VMCB) SetSysenterEIP(v uint64) { c.WriteU64(offSysenterEIP, v) }

func (c *VMCB) CR0() uint64 { return c.ReadU64(offCR0) }
func (c *VMCB) CR2() uint64 { return c.ReadU64(offCR2) }
func (c *VMCB) CR3() uint64 { return c.ReadU64(offCR3) }
func (c *VMCB) CR4() uint64 { return c.ReadU64(offCR4) }
func (c *VMCB) EFER() uint64 { return c.ReadU64(offEFER) }
func (c *VMCB) RFLAGS() uint64 { return c.ReadU64(offRFLAGS) }
func (c *VMCB) RIP() uint64 { return c.ReadU64(offRIP) }
func (c *VMCB) RSP() uint64 { return c.ReadU64(offRSP) }
func (c *VMCB) RAX() uint64 { return c.ReadU64(offRAX) }
func (c *VMCB) GPAT() uint64 { return c.ReadU64(offGPAT) }
func (c *VMCB) STAR() uint64 { return c.ReadU64(offSTAR) }
func (c *VMCB) LSTAR() uint64 { return c.ReadU64(offLSTAR) }

func (c *VMCB) SetCPL(cpl uint8) { c.data[offCPL] = cpl }
func (c *VMCB) CPL() uint8 { return c.data[offCPL] }

// ExitCode and friends are written by hardware on #VMEXIT.
func (c *VMCB) ExitCode() ExitCode { return ExitCode(c.ReadU64(offExitCode)) }
func (c *VMCB) ExitInfo1() uint64 { return c.ReadU64(offExitInfo1) }
func (c *VMCB) ExitInfo2() uint64 { return c.ReadU64(offExitInfo2) }
func (c *VMCB) ExitIntInfo() uint64 { return c.ReadU64(offExitIntInfo) }

// NextRIP is the address of the instruction following the intercepted
// one, as reported by the decode assist.
func (c *VMCB) NextRIP() uint64 { return c.ReadU64(offNextRIP) }

// SetExitCode and SetNextRIP exist for test launchers standing in for
// hardware; real hardware fills these fields itself.
func (c *VMCB) SetExitCode(code ExitCode) { c.WriteU64(offExitCode, uint64(code)) }
func (c *VMCB) SetExitInfo1(v uint64) { c.WriteU64(offExitInfo1, v) }
func (c *VMCB) SetExitInfo2(v uint64) { c.WriteU64(offExitInfo2, v) }
func (c *VMCB) SetNextRIP(v uint64) { c.WriteU64(offNextRIP, v) }

func (c *VMCB) SetASID(asid uint32) { c.WriteU32(offGuestASID, asid) }
func (c *VMCB) ASID() uint32 { return c.ReadU32(offGuestASID) }

// FlushThisASID asks hardware to flush this guest's TLB entries on the
// next VMRUN.
func (c *VMCB) FlushThisASID() { c.data[offTLBControl] = 3 }

func (c *VMCB) SetTSCOffset(v uint64) { c.WriteU64(offTSCOffset, v) }
func (c *VMCB) TSCOffset() uint64 { return c.ReadU64(offTSCOffset) }

func (c *VMCB) SetIOPMBase(pa uint64) { c.WriteU64(offIOPMBase, pa) }
func (c *VMCB) SetMSRPMBase(pa uint64) { c.WriteU64(offMSRPMBase, pa) }

func (c *VMCB) SetCleanBits(bits uint32) { c.WriteU32(offCleanBits, bits) }
func (c *VMCB) CleanBits() uint32 { return c.ReadU32(offCleanBits) }

// EnableNestedPaging turns on NPT with the given table root.
func (c *VMCB) EnableNestedPaging(root uint64) {
	c.WriteU64(offNPEnable, 1)
	c.WriteU64(offNCR3, root)
}

func (c *VMCB) NestedPagingRoot() uint64 { return c.ReadU64(offNCR3) }
func (c *VMCB) NestedPagingEnabled() bool { return c.ReadU64(offNPEnable)&1 != 0 }

// InstructionBytes returns the guest bytes fetched by decode assist for
// the intercepted instruction, if any.
func (c *VMCB) InstructionBytes() []byte {
	n := int(c.data[offInsnLen])
	if n > 15 {
		n = 15
	}

	out := make([]byte, n)
	copy(out, c.data[offInsnBytes:offInsnBytes+n])

	return out
}

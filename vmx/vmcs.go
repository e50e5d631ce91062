// Package vmx is the Intel backend of the control-block abstraction.
//
// Unlike the AMD VMCB, the VMCS byte layout is architecturally opaque:
// software may only touch fields through VMREAD/VMWRITE with the field
// encodings below. A VMCS therefore carries a software field store next
// to its hardware region, and on hardware the accessor is the
// VMREAD/VMWRITE shim pair.
//
// There is no run loop here yet. In particular the VMX exit-reason
// numbering is not mapped onto the svm exit codes; the two spaces stay
// separate until a VMX dispatcher exists.
package vmx

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kestrelos/gohv/svm"
)

// Field is a VMCS field encoding (Intel SDM vol. 3, appendix B).
type Field uint32

const (
	// 16-bit control and guest fields.
	VPID             Field = 0x0000
	GuestESSelector  Field = 0x0800
	GuestCSSelector  Field = 0x0802
	GuestSSSelector  Field = 0x0804
	GuestDSSelector  Field = 0x0806
	GuestFSSelector  Field = 0x0808
	GuestGSSelector  Field = 0x080A
	GuestTRSelector  Field = 0x080E

	// 64-bit control fields.
	IOBitmapA    Field = 0x2000
	IOBitmapB    Field = 0x2002
	MSRBitmap    Field = 0x2004
	TSCOffset    Field = 0x2010
	EPTPointer   Field = 0x201A
	GuestEFER    Field = 0x2806
	GuestPAT     Field = 0x2804

	// 32-bit control and read-only fields.
	PinBasedControls   Field = 0x4000
	ProcBasedControls  Field = 0x4002
	ExceptionBitmap    Field = 0x4004
	ProcBasedControls2 Field = 0x401E
	InstructionError   Field = 0x4400
	ExitReason         Field = 0x4402
	ExitInsnLen        Field = 0x440C
	GuestCSLimit       Field = 0x4802
	GuestCSAccess      Field = 0x4816
	GuestDSAccess      Field = 0x481A

	// Natural-width fields.
	GuestCR0          Field = 0x6800
	GuestCR3          Field = 0x6802
	GuestCR4          Field = 0x6804
	GuestESBase       Field = 0x6806
	GuestCSBase       Field = 0x6808
	GuestDSBase       Field = 0x680C
	GuestGDTRBase     Field = 0x6816
	GuestRSP          Field = 0x681C
	GuestRIP          Field = 0x681E
	GuestRFLAGS       Field = 0x6820
	ExitQualification Field = 0x6400
	GuestLinearAddr   Field = 0x640A
	GuestPhysAddr     Field = 0x2400
)

// Exit reasons in Intel's numbering. Note how little it resembles the
// svm.ExitCode space: CPUID is 10 here and 0x72 there.
const (
	ReasonException    uint32 = 0
	ReasonTripleFault  uint32 = 2
	ReasonCPUID        uint32 = 10
	ReasonHLT          uint32 = 12
	ReasonVMCALL       uint32 = 18
	ReasonCRAccess     uint32 = 28
	ReasonIOInsn       uint32 = 30
	ReasonRDMSR        uint32 = 31
	ReasonWRMSR        uint32 = 32
	ReasonInvalidState uint32 = 33
	ReasonEPTViolation uint32 = 48
)

// Pin-based and processor-based execution control bits used by the
// basic intercept set.
const (
	PinExtIntExit = 1 << 0
	PinNMIExit    = 1 << 3

	ProcHLTExit       = 1 << 7
	ProcINVLPGExit    = 1 << 9
	ProcMWAITExit     = 1 << 10
	ProcRDPMCExit     = 1 << 11
	ProcCR3LoadExit   = 1 << 15
	ProcCR3StoreExit  = 1 << 16
	ProcUncondIOExit  = 1 << 24
	ProcMonitorExit   = 1 << 29
	ProcSecondary     = 1 << 31

	Proc2EnableEPT  = 1 << 1
	Proc2EnableVPID = 1 << 5
	Proc2WBINVDExit = 1 << 6
)

// Accessor abstracts VMREAD/VMWRITE. On hardware it is the instruction
// shim pair; off hardware (and in tests) it is a field store.
type Accessor interface {
	Read(Field) uint64
	Write(Field, uint64)
}

// fieldStore is the software accessor.
type fieldStore map[Field]uint64

func (s fieldStore) Read(f Field) uint64 { return s[f] }
func (s fieldStore) Write(f Field, v uint64) { s[f] = v }

// VMCS is one guest's Intel control block: the 4 KiB hardware region
// (revision identifier in the first dword, rest opaque) plus the field
// accessor.
type VMCS struct {
	region []byte
	acc    Accessor
}

// New allocates a VMCS region stamped with the given revision
// identifier, using a software field store.
func New(revisionID uint32) (*VMCS, error) {
	region, err := svm.AllocAligned(4096)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint32(region[:4], revisionID)

	return &VMCS{region: region, acc: fieldStore{}}, nil
}

// PhysAddr returns the address handed to VMPTRLD.
func (v *VMCS) PhysAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&v.region[0])))
}

// RevisionID reports the identifier stamped at construction.
func (v *VMCS) RevisionID() uint32 {
	return binary.LittleEndian.Uint32(v.region[:4])
}

// Free releases the hardware region.
func (v *VMCS) Free() error {
	if v.region == nil {
		return nil
	}

	region := v.region
	v.region = nil

	return unix.Munmap(region)
}

func (v *VMCS) SetRIP(x uint64) { v.acc.Write(GuestRIP, x) }
func (v *VMCS) SetRSP(x uint64) { v.acc.Write(GuestRSP, x) }
func (v *VMCS) SetRFLAGS(x uint64) { v.acc.Write(GuestRFLAGS, x) }
func (v *VMCS) SetCR0(x uint64) { v.acc.Write(GuestCR0, x) }
func (v *VMCS) SetCR3(x uint64) { v.acc.Write(GuestCR3, x) }
func (v *VMCS) SetCR4(x uint64) { v.acc.Write(GuestCR4, x) }
func (v *VMCS) SetEFER(x uint64) { v.acc.Write(GuestEFER, x) }

func (v *VMCS) RIP() uint64 { return v.acc.Read(GuestRIP) }
func (v *VMCS) RSP() uint64 { return v.acc.Read(GuestRSP) }
func (v *VMCS) RFLAGS() uint64 { return v.acc.Read(GuestRFLAGS) }
func (v *VMCS) CR0() uint64 { return v.acc.Read(GuestCR0) }
func (v *VMCS) CR3() uint64 { return v.acc.Read(GuestCR3) }
func (v *VMCS) CR4() uint64 { return v.acc.Read(GuestCR4) }
func (v *VMCS) EFER() uint64 { return v.acc.Read(GuestEFER) }

func (v *VMCS) SetVPID(tag uint16) { v.acc.Write(VPID, uint64(tag)) }
func (v *VMCS) EnableNestedPaging(root uint64) {
	// EPTP low bits: WB memory type (6), walk length 4 (3<<3).
	v.acc.Write(EPTPointer, root|6|3<<3)
	v.acc.Write(ProcBasedControls2,
		v.acc.Read(ProcBasedControls2)|Proc2EnableEPT|Proc2EnableVPID)
}

func (v *VMCS) ExitCode() uint32 { return uint32(v.acc.Read(ExitReason)) }
func (v *VMCS) ExitQual() uint64 { return v.acc.Read(ExitQualification) }
func (v *VMCS) InsnLen() uint64 { return v.acc.Read(ExitInsnLen) }

// SetupLongMode mirrors svm.VMCB.SetupLongMode in Intel terms. The
// segment access-rights format differs from the VMCB attrib packing,
// so the constants are not shared.
func (v *VMCS) SetupLongMode(entry, guestCR3 uint64) {
	v.acc.Write(GuestCSSelector, 0x08)
	v.acc.Write(GuestCSBase, 0)
	v.acc.Write(GuestCSLimit, 0xFFFFFFFF)
	v.acc.Write(GuestCSAccess, 0xA09B) // G, L, P, S, execute/read accessed
	v.acc.Write(GuestDSSelector, 0x10)
	v.acc.Write(GuestDSBase, 0)
	v.acc.Write(GuestDSAccess, 0xC093)

	v.SetCR0(svm.CR0xPE | svm.CR0xMP | svm.CR0xET | svm.CR0xNE | svm.CR0xWP | svm.CR0xPG)
	v.SetCR3(guestCR3)
	v.SetCR4(svm.CR4xPAE | svm.CR4xPGE | svm.CR4xOSFXSR | svm.CR4xOSXMMEXCPT)
	// No SVME here: the VMX equivalent lives in CR4.VMXE on the host side.
	v.SetEFER(svm.EFERxSCE | svm.EFERxLME | svm.EFERxLMA)
	v.SetRFLAGS(svm.RFLAGSxReserved)
	v.SetRIP(entry)
}

// SetupBasicIntercepts configures the execution controls that
// correspond to the svm basic trap set.
func (v *VMCS) SetupBasicIntercepts() {
	// CPUID and VMCALL exit unconditionally on VMX; no control bit
	// exists or is needed for them.
	v.acc.Write(PinBasedControls, PinExtIntExit|PinNMIExit)
	v.acc.Write(ProcBasedControls,
		ProcHLTExit|ProcUncondIOExit|ProcMWAITExit|ProcMonitorExit|
			ProcCR3LoadExit|ProcCR3StoreExit|ProcSecondary)
	v.acc.Write(ProcBasedControls2,
		v.acc.Read(ProcBasedControls2)|Proc2WBINVDExit)
}

package machine

import "github.com/kestrelos/gohv/svm"

// ControlBlock is the vendor-neutral surface shared by the AMD and
// Intel control structures. The run loop drives the AMD form; the
// Intel backend satisfies the same surface so a second dispatcher can
// reuse the lifecycle machinery. Exit reporting is deliberately not
// part of it: the two exit numbering schemes have nothing in common.
type ControlBlock interface {
	SetRIP(uint64)
	RIP() uint64
	SetRSP(uint64)
	RSP() uint64
	SetRFLAGS(uint64)
	RFLAGS() uint64
	SetCR0(uint64)
	CR0() uint64
	SetCR3(uint64)
	CR3() uint64
	SetCR4(uint64)
	CR4() uint64
	SetEFER(uint64)
	EFER() uint64

	SetupLongMode(entry, guestCR3 uint64)
	SetupBasicIntercepts()
	EnableNestedPaging(root uint64)

	PhysAddr() uint64
	Free() error
}

var _ ControlBlock = (*svm.VMCB)(nil)

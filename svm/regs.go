package svm

// GuestRegs holds the general-purpose registers that are not part of
// the VMCB state-save area. The trampoline loads them into the CPU
// before VMRUN and stores them back immediately after #VMEXIT; the
// field order and offsets are therefore part of the assembly contract
// and must not change.
//
// RAX is special: hardware keeps the guest's RAX in the VMCB, and VMRUN
// consumes host RAX as the VMCB address. The copy here exists so the
// dispatcher sees one uniform register file; it mirrors the VMCB copy
// on both sides of every world switch.
type GuestRegs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Arg returns hypercall argument n (0-3) per the RBX/RCX/RDX/RSI
// calling convention.
func (r *GuestRegs) Arg(n int) uint64 {
	switch n {
	case 0:
		return r.RBX
	case 1:
		return r.RCX
	case 2:
		return r.RDX
	case 3:
		return r.RSI
	}

	return 0
}

//go:build amd64

package svm

// svmRun is the world-switch trampoline (launch_amd64.s). It loads the
// guest GPRs from gprs, executes VMLOAD/VMRUN/VMSAVE with global
// interrupts disabled, and stores the guest GPRs back into gprs. It
// returns when hardware produces a #VMEXIT. Guest RAX travels in the
// VMCB, not in gprs.
//
//go:noescape
func svmRun(vmcbPA uint64, gprs *GuestRegs)

func hwLaunch(cb *VMCB, gprs *GuestRegs) error {
	svmRun(cb.PhysAddr(), gprs)

	return nil
}

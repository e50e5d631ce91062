package svm

import "fmt"

// Launcher is the boundary between the dispatcher and the hardware
// world switch. Exactly one goroutine drives a given VM's Launch calls;
// the GuestRegs mailbox has one writer and one reader at any instant.
//
// Tests substitute scripted launchers; the real one is a few
// instructions of assembly.
type Launcher interface {
	// Launch enters the guest and returns when hardware produces a
	// #VMEXIT. On return the VMCB exit fields and gprs reflect guest
	// state at the moment of exit.
	Launch(cb *VMCB, gprs *GuestRegs) error
}

// EntryError reports that VMRUN itself was rejected by hardware. The
// guest did not execute.
type EntryError struct {
	// Resume is false for the first entry of a guest, true for a
	// re-entry after a previous exit.
	Resume bool
}

func (e *EntryError) Error() string {
	if e.Resume {
		return "hardware rejected guest resume (VMEXIT_INVALID)"
	}

	return "hardware rejected first guest entry (VMEXIT_INVALID)"
}

// ErrUnsupportedArch is returned by the hardware launcher on targets
// without an SVM trampoline.
var ErrUnsupportedArch = fmt.Errorf("no SVM trampoline for this architecture")

// HardwareLauncher drives the real VMRUN trampoline.
type HardwareLauncher struct{}

func (HardwareLauncher) Launch(cb *VMCB, gprs *GuestRegs) error {
	return hwLaunch(cb, gprs)
}

//go:build !amd64

package svm

func hwLaunch(cb *VMCB, gprs *GuestRegs) error {
	return ErrUnsupportedArch
}

package machine

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
)

// postmortem logs the guest instruction stream around the faulting RIP
// so a crash report shows what the guest was executing, not just a
// register snapshot.
func (m *Machine) postmortem(reason string) {
	rip := m.cb.RIP()

	m.log.WithFields(logrus.Fields{
		"reason": reason,
		"rip":    fmt.Sprintf("%#x", rip),
		"rsp":    fmt.Sprintf("%#x", m.cb.RSP()),
		"rax":    fmt.Sprintf("%#x", m.gprs.RAX),
		"cr0":    fmt.Sprintf("%#x", m.cb.CR0()),
		"cr3":    fmt.Sprintf("%#x", m.cb.CR3()),
		"efer":   fmt.Sprintf("%#x", m.cb.EFER()),
	}).Error("guest postmortem")

	// RIP is guest virtual. Identity-mapped guests let us read the
	// code directly; otherwise the dump is skipped.
	if rip >= uint64(len(m.mem)) {
		return
	}

	code := m.mem[rip:]
	if len(code) > 32 {
		code = code[:32]
	}

	off := 0

	for i := 0; i < 4 && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			break
		}

		m.log.WithField("rip", fmt.Sprintf("%#x", rip+uint64(off))).
			Errorf("  %s", x86asm.GNUSyntax(inst, rip+uint64(off), nil))
		off += inst.Len
	}
}

package machine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/event"
)

// Hypercall numbers. The guest places the function in RAX and up to
// four arguments in RBX, RCX, RDX, RSI; the result comes back in RAX.
const (
	HCPrint    = 0
	HCExit     = 1
	HCGetTime  = 2
	HCPutChar  = 3
	HCGetChar  = 4
	hcFSBase   = 0x100
	hcFSEnd    = 0x1FF
	hcMgmtBase = 0x200
	hcMgmtEnd  = 0x3FF
)

// hcError lands in RAX for unknown functions and bad arguments.
const hcError = ^uint64(0)

func (m *Machine) handleHypercall() {
	m.bumpStat(func(s *Stats) { s.Hypercall++ })

	// VMMCALL is three bytes; hardware records the next RIP.
	m.cb.SetRIP(m.cb.NextRIP())

	fn := m.gprs.RAX
	args := [4]uint64{m.gprs.Arg(0), m.gprs.Arg(1), m.gprs.Arg(2), m.gprs.Arg(3)}

	switch {
	case fn == HCPrint:
		m.gprs.RAX = m.hcPrint(args[0], args[1])
	case fn == HCExit:
		m.log.WithField("code", args[0]).Info("guest exit hypercall")
		m.setState(Stopped)
		m.gprs.RAX = 0
	case fn == HCGetTime:
		m.gprs.RAX = uint64(time.Since(m.started).Nanoseconds())
	case fn == HCPutChar:
		m.col.Console.WriteByte(m.id, byte(args[0]))
		m.gprs.RAX = 0
	case fn == HCGetChar:
		m.gprs.RAX = uint64(m.col.Console.ReadByte(m.id))
	case fn >= hcFSBase && fn <= hcFSEnd:
		m.gprs.RAX = uint64(m.col.FS.HandleHypercall(m.id, fn, args, m.mem))
	case fn >= hcMgmtBase && fn <= hcMgmtEnd:
		m.gprs.RAX = m.hcMgmt(fn, args)
	default:
		m.log.WithField("fn", fmt.Sprintf("%#x", fn)).Debug("unknown hypercall")
		m.gprs.RAX = hcError
	}
}

// hcPrint copies a guest buffer to the console. The buffer must lie
// entirely inside guest memory; a bad pointer fails the call rather
// than the VM.
func (m *Machine) hcPrint(ptr, n uint64) uint64 {
	const maxPrint = 4096

	if n > maxPrint || ptr >= uint64(len(m.mem)) || n > uint64(len(m.mem))-ptr {
		return hcError
	}

	for _, b := range m.mem[ptr : ptr+n] {
		m.col.Console.WriteByte(m.id, b)
	}

	return n
}

func (m *Machine) hcMgmt(fn uint64, args [4]uint64) uint64 {
	if m.col.Mgmt == nil {
		return hcError
	}

	res := m.col.Mgmt.HandleHypercall(m.id, fn, args)

	switch res {
	case mgmtResultShutdown:
		m.log.Info("guest requested shutdown")
		m.col.Events.Emit(event.GuestShutdown, m.id, m.name)
		m.setState(Stopped)

		return 0
	case mgmtResultReboot:
		m.log.Info("guest requested reboot")
		m.col.Events.Emit(event.GuestReboot, m.id, m.name)
		m.setState(Stopped)

		return 0
	}

	return uint64(res)
}

// handleNPF services a nested page fault. Every guest-physical access
// outside the mapped RAM is an isolation violation: it is recorded,
// the guest is killed, and the host carries on.
func (m *Machine) handleNPF() error {
	m.bumpStat(func(s *Stats) { s.NPF++ })

	gpa := m.cb.ExitInfo2()
	qual := m.cb.ExitInfo1()

	m.col.Audit.RecordViolation(m.id, gpa, 0, qual, m.cb.RIP())
	m.col.Events.Emit(event.IsolationViolation, m.id,
		fmt.Sprintf("gpa=%#x", gpa))

	m.log.WithFields(logrus.Fields{
		"gpa":  fmt.Sprintf("%#x", gpa),
		"qual": fmt.Sprintf("%#x", qual),
		"rip":  fmt.Sprintf("%#x", m.cb.RIP()),
	}).Error("nested page fault outside guest memory")

	return fmt.Errorf("%w: nested page fault at %#x", errGuestFatal, gpa)
}

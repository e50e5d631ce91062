package machine

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/cpuid"
	"github.com/kestrelos/gohv/svm"
)

// #UD vector for instructions the guest should not see.
const vectorUD = 6

// run is the exit-service loop. It enters the guest, services the
// recorded exit reason, and re-enters, until a handler reaches a
// terminal state or a stop is requested. The loop owns its OS thread:
// the world-switch instruction sequence must not migrate mid-flight.
//
// Guest RAX lives in the control block across the world switch while
// the other GPRs travel through m.gprs, so the loop mirrors RAX both
// ways around every entry.
func (m *Machine) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.mu.Lock()
	if m.started.IsZero() {
		m.started = time.Now()
	}
	m.mu.Unlock()
	m.setState(Running)

	entered := false

	for {
		if m.stopRequested() {
			m.setState(Stopped)

			return nil
		}

		if m.pauseRequested() {
			m.setState(Paused)

			return nil
		}

		m.cb.SetRAX(m.gprs.RAX)

		if err := m.col.Launcher.Launch(m.cb, &m.gprs); err != nil {
			m.setState(Crashed)

			return fmt.Errorf("vm %d: %w", m.id, err)
		}

		m.gprs.RAX = m.cb.RAX()
		m.bumpStat(func(s *Stats) { s.Exits++ })

		code := m.cb.ExitCode()
		if code == svm.ExitInvalid {
			m.postmortem("invalid guest state")
			m.setState(Crashed)

			return fmt.Errorf("vm %d: %w", m.id, &svm.EntryError{Resume: entered})
		}

		entered = true

		if err := m.handleExit(code); err != nil {
			m.postmortem(err.Error())
			m.setState(Crashed)

			if errors.Is(err, errGuestFatal) {
				// Contained by the intercept; fatal to this
				// guest only, not to the host.
				return nil
			}

			return fmt.Errorf("vm %d: %w", m.id, err)
		}

		if m.State().Terminal() {
			return nil
		}
	}
}

// errGuestFatal marks handler errors that kill the guest but are not
// surfaced to the caller as host failures.
var errGuestFatal = errors.New("guest fault")

func (m *Machine) handleExit(code svm.ExitCode) error {
	switch code {
	case svm.ExitCPUID:
		m.handleCPUID()
	case svm.ExitHLT:
		m.handleHLT()
	case svm.ExitIOIO:
		m.handleIO()
	case svm.ExitMSR:
		m.handleMSR()
	case svm.ExitVMMCALL:
		m.handleHypercall()
	case svm.ExitNPF:
		return m.handleNPF()
	case svm.ExitShutdown:
		m.log.WithField("rip", fmt.Sprintf("%#x", m.cb.RIP())).
			Error("guest triple fault")

		return fmt.Errorf("%w: triple fault", errGuestFatal)
	case svm.ExitINVD, svm.ExitWBINVD:
		// Cache management is a no-op under nested paging.
		m.cb.SetRIP(m.cb.NextRIP())
	case svm.ExitMONITOR, svm.ExitMWAIT, svm.ExitVMRUN, svm.ExitXSETBV:
		// Hidden from the guest's CPUID; use raises #UD.
		m.cb.InjectEvent(vectorUD, svm.EventException, nil)
	default:
		m.log.WithFields(logrus.Fields{
			"exit": code.String(),
			"rip":  fmt.Sprintf("%#x", m.cb.RIP()),
		}).Error("unhandled exit")

		return fmt.Errorf("%w: %s", ErrUnknownExit, code)
	}

	return nil
}

// handleCPUID emulates the intercepted CPUID. The instruction
// zero-extends its 32-bit results, so the full registers are
// overwritten.
func (m *Machine) handleCPUID() {
	m.bumpStat(func(s *Stats) { s.CPUID++ })

	eax, ebx, ecx, edx := cpuid.Emulate(uint32(m.gprs.RAX), uint32(m.gprs.RCX))

	m.gprs.RAX = uint64(eax)
	m.gprs.RBX = uint64(ebx)
	m.gprs.RCX = uint64(ecx)
	m.gprs.RDX = uint64(edx)

	// CPUID is two bytes; this intercept predates NextRIP assist.
	m.cb.SetRIP(m.cb.RIP() + 2)
}

func (m *Machine) handleHLT() {
	m.bumpStat(func(s *Stats) { s.HLT++ })
	m.log.WithField("rip", fmt.Sprintf("%#x", m.cb.RIP())).Info("guest halted")
	m.setState(Stopped)
}

func (m *Machine) handleIO() {
	m.bumpStat(func(s *Stats) { s.IO++ })

	port, in, size, _, _ := svm.IOPort(m.cb.ExitInfo1())

	if size == 1 {
		if in {
			v := m.col.Console.HandleIO(m.id, port, false, 0)
			m.gprs.RAX = m.gprs.RAX&^0xFF | uint64(v)
		} else {
			m.col.Console.HandleIO(m.id, port, true, byte(m.gprs.RAX))
		}
	} else if in {
		// Wider reads of unemulated ports float high.
		m.gprs.RAX |= 1<<(uint(size)*8) - 1
	}

	// EXITINFO2 holds the RIP of the instruction after the IN/OUT.
	m.cb.SetRIP(m.cb.ExitInfo2())
}

func (m *Machine) handleMSR() {
	m.bumpStat(func(s *Stats) { s.MSR++ })

	index := uint32(m.gprs.RCX)

	if m.cb.ExitInfo1() == 1 {
		value := m.gprs.RDX<<32 | m.gprs.RAX&0xFFFFFFFF
		m.msrs.Write(index, value)
	} else {
		value := m.msrs.Read(index)
		m.gprs.RAX = value & 0xFFFFFFFF
		m.gprs.RDX = value >> 32
	}

	m.cb.SetRIP(m.cb.NextRIP())
}

// Package machine implements a single hardware-virtualized guest: its
// memory, its control block, its lifecycle state machine and the
// run loop that services #VMEXITs.
package machine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/asid"
	"github.com/kestrelos/gohv/audit"
	"github.com/kestrelos/gohv/boot"
	"github.com/kestrelos/gohv/console"
	"github.com/kestrelos/gohv/event"
	"github.com/kestrelos/gohv/msr"
	"github.com/kestrelos/gohv/npt"
	"github.com/kestrelos/gohv/svm"
	"github.com/kestrelos/gohv/virtfs"
)

var (
	ErrNotRunnable     = errors.New("vm is not in a runnable state")
	ErrStillRunning    = errors.New("vm is still running")
	ErrLoadOutOfBounds = errors.New("load beyond guest memory")
	ErrNoASID          = errors.New("address space id pool exhausted")
	ErrUnknownExit     = errors.New("unhandled exit reason")
)

// MgmtHandler services the management hypercall range. The int64
// result lands in guest RAX, except for the shutdown (-1) and reboot
// (-2) sentinels which terminate the run loop instead.
type MgmtHandler interface {
	HandleHypercall(vmID, fn uint64, args [4]uint64) int64
}

const (
	mgmtResultShutdown = -1
	mgmtResultReboot   = -2
)

// Collaborators are the per-host services a machine is wired to.
// All fields except Mgmt must be non-nil.
type Collaborators struct {
	Launcher svm.Launcher
	ASIDs    *asid.Pool
	Console  *console.Subsystem
	FS       *virtfs.Subsystem
	Events   *event.Bus
	Audit    *audit.Recorder
	Mgmt     MgmtHandler
	Log      *logrus.Logger
}

// Stats counts guest exits by reason, cumulative over the machine's
// lifetime.
type Stats struct {
	Exits     uint64
	CPUID     uint64
	HLT       uint64
	IO        uint64
	MSR       uint64
	Hypercall uint64
	NPF       uint64
}

type Machine struct {
	id   uint64
	name string
	col  Collaborators
	log  *logrus.Entry

	mem  []byte
	gprs svm.GuestRegs

	// Virtualization state, nil until the first start. A machine in
	// the created state owns no hardware resources yet.
	cb     *svm.VMCB
	iopm   []byte
	msrpm  []byte
	tables *npt.Tables
	asidTag uint32
	msrs    *msr.Emulator

	mu       sync.Mutex
	state    State
	stats    Stats
	stopReq  bool
	pauseReq bool
	started  time.Time
}

// New allocates a machine with memSize bytes of poisoned guest RAM.
// The guest's serial console and file service are registered at
// creation so that input can be queued before the first start.
func New(id uint64, name string, memSize int, col Collaborators) (*Machine, error) {
	mem, err := allocGuestMem(memSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		id:    id,
		name:  name,
		col:   col,
		mem:   mem,
		state: Created,
		log: col.Log.WithFields(logrus.Fields{
			"vm":   id,
			"name": name,
		}),
	}
	m.msrs = msr.New(m.log)

	col.Console.CreateConsole(id, name)
	col.FS.Create(id)
	col.Events.Emit(event.VMCreated, id, name)

	return m, nil
}

func (m *Machine) ID() uint64   { return m.id }
func (m *Machine) Name() string { return m.name }
func (m *Machine) Mem() []byte  { return m.mem }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

// Uptime is the time since the machine first entered the guest, zero
// if it never ran.
func (m *Machine) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started.IsZero() {
		return 0
	}

	return time.Since(m.started)
}

// setState applies a lifecycle transition. Terminal states absorb
// every later transition, so a crash recorded by a handler cannot be
// overwritten by the run loop winding down.
func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() || m.state == s {
		return
	}

	m.log.WithFields(logrus.Fields{
		"from": m.state.String(),
		"to":   s.String(),
	}).Info("vm state")
	m.state = s

	switch s {
	case Running:
		m.col.Events.Emit(event.VMStarted, m.id, m.name)
	case Stopped:
		m.col.Events.Emit(event.VMStopped, m.id, m.name)
	case Crashed:
		m.col.Events.Emit(event.VMCrashed, m.id, m.name)
	}
}

func (m *Machine) bumpStat(f func(*Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.mu.Unlock()
}

// LoadAt copies a guest image into guest-physical memory.
func (m *Machine) LoadAt(gpa uint64, data []byte) error {
	if gpa >= uint64(len(m.mem)) || uint64(len(data)) > uint64(len(m.mem))-gpa {
		return fmt.Errorf("%w: %#x+%#x", ErrLoadOutOfBounds, gpa, len(data))
	}

	copy(m.mem[gpa:], data)

	return nil
}

// initialize allocates the control block, the permission bitmaps and
// the nested page tables, and claims a TLB tag. Called once, on the
// first start.
func (m *Machine) initialize() error {
	if m.cb != nil {
		return nil
	}

	cb, err := svm.New()
	if err != nil {
		return err
	}

	// All ones: every port and every MSR access exits to us.
	iopm, err := svm.AllocAligned(3 * 4096)
	if err != nil {
		cb.Free()

		return err
	}

	msrpm, err := svm.AllocAligned(2 * 4096)
	if err != nil {
		cb.Free()
		svm.FreeAligned(iopm)

		return err
	}

	for i := range iopm {
		iopm[i] = 0xFF
	}

	for i := range msrpm {
		msrpm[i] = 0xFF
	}

	tables, err := npt.New(uint64(len(m.mem)))
	if err != nil {
		cb.Free()
		svm.FreeAligned(iopm)
		svm.FreeAligned(msrpm)

		return err
	}

	tag, ok := m.col.ASIDs.Allocate()
	if !ok {
		cb.Free()
		svm.FreeAligned(iopm)
		svm.FreeAligned(msrpm)
		tables.Free()

		return ErrNoASID
	}

	cb.SetupBasicIntercepts()
	cb.SetIOPMBase(svm.PhysAddrOf(iopm))
	cb.SetMSRPMBase(svm.PhysAddrOf(msrpm))
	cb.SetASID(tag)
	cb.FlushThisASID()
	cb.EnableNestedPaging(tables.Root())
	cb.SetGPAT(0x0007040600070406)

	m.cb = cb
	m.iopm = iopm
	m.msrpm = msrpm
	m.tables = tables
	m.asidTag = tag

	return nil
}

// Start runs a flat binary guest: identity-mapped long mode, entry
// and stack as given. It drives the machine synchronously until the
// guest halts, crashes or is stopped, and returns only host-level
// failures.
func (m *Machine) Start(entry, stack uint64) error {
	if err := m.beginStart(); err != nil {
		return err
	}

	cr3, err := boot.BuildIdentityPageTables(m.mem, uint64(len(m.mem)))
	if err != nil {
		m.setState(Crashed)

		return err
	}

	if err := boot.WriteGDT(m.mem); err != nil {
		m.setState(Crashed)

		return err
	}

	m.cb.SetupLongMode(entry, cr3)
	m.cb.SetRSP(stack)
	m.cb.SetGDTR(boot.GDTBase, boot.GDTLimit)

	return m.run()
}

// StartLinux boots a bzImage through the 64-bit boot protocol.
func (m *Machine) StartLinux(image []byte, cmdline string, initrd []byte) error {
	if err := m.beginStart(); err != nil {
		return err
	}

	setup, err := boot.Prepare(m.mem, image, cmdline, initrd)
	if err != nil {
		m.setState(Crashed)

		return err
	}

	boot.ConfigureControlBlock(m.cb, setup)

	// Entry contract: RSI points at the boot_params page.
	m.gprs = svm.GuestRegs{RSI: setup.BootParams}

	m.log.WithFields(logrus.Fields{
		"entry":   fmt.Sprintf("%#x", setup.Entry),
		"cmdline": cmdline,
	}).Info("linux guest prepared")

	return m.run()
}

func (m *Machine) beginStart() error {
	m.mu.Lock()
	if m.state != Created {
		defer m.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrNotRunnable, m.state)
	}
	m.stopReq = false
	m.pauseReq = false
	m.mu.Unlock()

	return m.initialize()
}

// Resume re-enters a paused guest where it left off.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.state != Paused {
		defer m.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrNotRunnable, m.state)
	}
	m.stopReq = false
	m.pauseReq = false
	m.mu.Unlock()

	return m.run()
}

// Stop requests a cooperative stop. The run loop observes the flag on
// the next exit; Stop does not wait for it.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopReq = true
	m.mu.Unlock()
}

func (m *Machine) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopReq
}

// Pause asks the run loop to park the guest at the next exit. The
// guest state stays loaded and Resume continues where it stopped.
func (m *Machine) Pause() {
	m.mu.Lock()
	m.pauseReq = true
	m.mu.Unlock()
}

func (m *Machine) pauseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pauseReq
}

// Destroy releases all host resources. The machine must not be
// between a start and its terminal state.
func (m *Machine) Destroy() error {
	m.mu.Lock()
	if m.state == Running {
		defer m.mu.Unlock()

		return ErrStillRunning
	}
	m.mu.Unlock()

	var errs []error

	if m.cb != nil {
		errs = append(errs, m.cb.Free())
		errs = append(errs, svm.FreeAligned(m.iopm))
		errs = append(errs, svm.FreeAligned(m.msrpm))
		errs = append(errs, m.tables.Free())
		m.col.ASIDs.Release(m.asidTag)
		m.cb = nil
		m.iopm = nil
		m.msrpm = nil
		m.tables = nil
	}

	if m.mem != nil {
		errs = append(errs, freeGuestMem(m.mem))
		m.mem = nil
	}

	m.col.Events.Emit(event.VMRemoved, m.id, m.name)

	return errors.Join(errs...)
}

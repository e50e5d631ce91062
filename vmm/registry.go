// Package vmm hosts the VM registry: creation, lookup, lifecycle
// driving and teardown of guests, plus the shared subsystems they
// are wired to.
package vmm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/asid"
	"github.com/kestrelos/gohv/audit"
	"github.com/kestrelos/gohv/console"
	"github.com/kestrelos/gohv/event"
	"github.com/kestrelos/gohv/machine"
	"github.com/kestrelos/gohv/svm"
	"github.com/kestrelos/gohv/virtfs"
)

var (
	ErrVMNotFound   = errors.New("no such vm")
	ErrVMExists     = errors.New("vm name already in use")
	ErrUnknownGuest = errors.New("no such embedded guest")
)

// maxVMs bounds the number of concurrently created machines; the
// hardware TLB tag space is the real limit.
const maxVMs = 64

// Registry owns every machine on the host and the subsystems shared
// between them.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	machines map[uint64]*machine.Machine
	byName   map[string]uint64

	launcher svm.Launcher
	asids    *asid.Pool
	consoles *console.Subsystem
	fs       *virtfs.Subsystem
	events   *event.Bus
	audit    *audit.Recorder
	log      *logrus.Logger
}

// New builds a registry backed by the hardware launcher.
func New(log *logrus.Logger) *Registry {
	return NewWithLauncher(log, svm.HardwareLauncher{})
}

// NewWithLauncher builds a registry with an explicit launcher, which
// is how tests substitute scripted guests for hardware.
func NewWithLauncher(log *logrus.Logger, launcher svm.Launcher) *Registry {
	r := &Registry{
		nextID:   1,
		machines: make(map[uint64]*machine.Machine),
		byName:   make(map[string]uint64),
		launcher: launcher,
		asids:    asid.NewPool(maxVMs),
		consoles: console.NewSubsystem(log),
		fs:       virtfs.NewSubsystem(log),
		events:   event.NewBus(),
		audit:    audit.NewRecorder(log),
		log:      log,
	}

	return r
}

func (r *Registry) Consoles() *console.Subsystem { return r.consoles }
func (r *Registry) FS() *virtfs.Subsystem        { return r.fs }
func (r *Registry) Events() *event.Bus           { return r.events }
func (r *Registry) Audit() *audit.Recorder       { return r.audit }

// CreateVM allocates a machine with memSize bytes of RAM and returns
// its registry-assigned id. Names are unique across live machines.
func (r *Registry) CreateVM(name string, memSize int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID

	return id, r.createLocked(id, name, memSize)
}

// CreateVMWithID is CreateVM with a caller-chosen id. Ids of live
// machines are never reused; a clash is an error.
func (r *Registry) CreateVMWithID(id uint64, name string, memSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.createLocked(id, name, memSize)
}

func (r *Registry) createLocked(id uint64, name string, memSize int) error {
	if _, ok := r.machines[id]; ok {
		return fmt.Errorf("%w: id %d", ErrVMExists, id)
	}

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrVMExists, name)
	}

	m, err := machine.New(id, name, memSize, machine.Collaborators{
		Launcher: r.launcher,
		ASIDs:    r.asids,
		Console:  r.consoles,
		FS:       r.fs,
		Events:   r.events,
		Audit:    r.audit,
		Mgmt:     &mgmtHandler{r: r},
		Log:      r.log,
	})
	if err != nil {
		return err
	}

	if id >= r.nextID {
		r.nextID = id + 1
	}

	r.machines[id] = m
	r.byName[name] = id

	return nil
}

func (r *Registry) lookup(id uint64) (*machine.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVMNotFound, id)
	}

	return m, nil
}

// Lookup returns the machine for an id.
func (r *Registry) Lookup(id uint64) (*machine.Machine, error) {
	return r.lookup(id)
}

// LookupName resolves a VM name to its id.
func (r *Registry) LookupName(name string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrVMNotFound, name)
	}

	return id, nil
}

// StartVM runs a previously loaded flat binary guest to completion.
// It returns when the guest halts, crashes, pauses or is stopped.
func (r *Registry) StartVM(id, entry, stack uint64) error {
	m, err := r.lookup(id)
	if err != nil {
		return err
	}

	return m.Start(entry, stack)
}

// StartLinuxVM boots a bzImage in the VM and runs it to completion.
func (r *Registry) StartLinuxVM(id uint64, image []byte, cmdline string, initrd []byte) error {
	m, err := r.lookup(id)
	if err != nil {
		return err
	}

	return m.StartLinux(image, cmdline, initrd)
}

// StopVM requests a cooperative stop; it does not wait for the run
// loop to observe it.
func (r *Registry) StopVM(id uint64) error {
	m, err := r.lookup(id)
	if err != nil {
		return err
	}

	m.Stop()

	return nil
}

// RemoveVM destroys a machine and frees its name. Running machines
// must be stopped first.
func (r *Registry) RemoveVM(id uint64) error {
	r.mu.Lock()
	m, ok := r.machines[id]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrVMNotFound, id)
	}

	if err := m.Destroy(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.machines, id)
	delete(r.byName, m.Name())
	r.mu.Unlock()

	return nil
}

// Stats returns the exit counters of a VM.
func (r *Registry) Stats(id uint64) (machine.Stats, error) {
	m, err := r.lookup(id)
	if err != nil {
		return machine.Stats{}, err
	}

	return m.Stats(), nil
}

// VMInfo is one row of List.
type VMInfo struct {
	ID     uint64
	Name   string
	State  machine.State
	Uptime time.Duration
}

// List snapshots every live machine, ordered by id.
func (r *Registry) List() []VMInfo {
	r.mu.Lock()
	machines := make([]*machine.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	infos := make([]VMInfo, 0, len(machines))
	for _, m := range machines {
		infos = append(infos, VMInfo{
			ID:     m.ID(),
			Name:   m.Name(),
			State:  m.State(),
			Uptime: m.Uptime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

func (r *Registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.machines)
}

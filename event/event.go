// Package event is a small synchronous bus for VM lifecycle
// notifications. Subscribers run on the emitting goroutine and must
// not block.
package event

import "sync"

type Type uint8

const (
	VMCreated Type = iota
	VMStarted
	VMStopped
	VMCrashed
	VMRemoved
	IsolationViolation
	GuestShutdown
	GuestReboot
)

func (t Type) String() string {
	switch t {
	case VMCreated:
		return "vm-created"
	case VMStarted:
		return "vm-started"
	case VMStopped:
		return "vm-stopped"
	case VMCrashed:
		return "vm-crashed"
	case VMRemoved:
		return "vm-removed"
	case IsolationViolation:
		return "isolation-violation"
	case GuestShutdown:
		return "guest-shutdown"
	case GuestReboot:
		return "guest-reboot"
	default:
		return "unknown"
	}
}

type Event struct {
	Type    Type
	VMID    uint64
	Payload string
}

type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, fn)
}

func (b *Bus) Emit(t Type, vmID uint64, payload string) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(Event{Type: t, VMID: vmID, Payload: payload})
	}
}

package vmm

import (
	"fmt"

	"github.com/kestrelos/gohv/boot"
)

// Embedded demo guests: tiny flat binaries assembled by hand, loaded
// at guestLoadAddr and entered in 64-bit mode with identity paging.
const (
	guestLoadAddr = 0x100000
	guestStack    = boot.StackTop
)

type guest struct {
	code []byte
	// data is placed at guestLoadAddr+dataOff, after the code.
	data    []byte
	dataOff uint64
}

var guests = map[string]guest{
	// hello prints "hello\n" through the print hypercall, then halts.
	//
	//   mov rax, 0          ; print
	//   mov rbx, 0x100020   ; buffer
	//   mov rcx, 6          ; length
	//   vmmcall
	//   hlt
	"hello": {
		code: []byte{
			0x48, 0xC7, 0xC0, 0x00, 0x00, 0x00, 0x00,
			0x48, 0xC7, 0xC3, 0x20, 0x00, 0x10, 0x00,
			0x48, 0xC7, 0xC1, 0x06, 0x00, 0x00, 0x00,
			0x0F, 0x01, 0xD9,
			0xF4,
		},
		data:    []byte("hello\n"),
		dataOff: 0x20,
	},

	// halt stops on the first instruction.
	"halt": {
		code: []byte{0xF4},
	},
}

// Guests lists the embedded guest names.
func Guests() []string {
	names := make([]string, 0, len(guests))
	for name := range guests {
		names = append(names, name)
	}

	return names
}

// StartVMWithGuest loads a named embedded guest into the VM and runs
// it to completion.
func (r *Registry) StartVMWithGuest(id uint64, name string) error {
	g, ok := guests[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGuest, name)
	}

	m, err := r.lookup(id)
	if err != nil {
		return err
	}

	if err := m.LoadAt(guestLoadAddr, g.code); err != nil {
		return err
	}

	if g.data != nil {
		if err := m.LoadAt(guestLoadAddr+g.dataOff, g.data); err != nil {
			return err
		}
	}

	return m.Start(guestLoadAddr, guestStack)
}

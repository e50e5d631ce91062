// Package boot loads a Linux bzImage into guest memory per the 64-bit
// boot protocol and produces the state the control block needs to
// enter it.
package boot

import (
	"errors"
	"fmt"

	"github.com/kestrelos/gohv/svm"
)

var ErrImageOverflow = errors.New("image does not fit in guest memory")

// Setup is everything the caller needs to start the loaded kernel:
// where to jump, the seeded stack, the boot-parameter pointer that
// goes into RSI, and the paging/GDT state for the control block.
type Setup struct {
	Entry      uint64
	Stack      uint64
	BootParams uint64
	CR3        uint64
	GDTBase    uint64
	GDTLimit   uint16
}

// Prepare loads image, cmdline and initrd into mem and builds the
// zero page, guest page tables and GDT. mem is the VM's entire
// guest-physical space.
func Prepare(mem []byte, image []byte, cmdline string, initrd []byte) (*Setup, error) {
	h, err := ParseHeader(image)
	if err != nil {
		return nil, err
	}

	// Protected-mode kernel at 1 MiB.
	body := image[min(h.KernelOffset(), len(image)):]
	if KernelAddr+len(body) > len(mem) {
		return nil, fmt.Errorf("kernel %d bytes at %#x: %w", len(body), KernelAddr, ErrImageOverflow)
	}

	copy(mem[KernelAddr:], body)

	// NUL-terminated command line.
	if CmdlineAddr+len(cmdline)+1 > len(mem) {
		return nil, fmt.Errorf("cmdline %d bytes: %w", len(cmdline), ErrImageOverflow)
	}

	copy(mem[CmdlineAddr:], cmdline)
	mem[CmdlineAddr+len(cmdline)] = 0

	// Initrd at the top of guest RAM, page aligned.
	initrdAddr := 0
	if len(initrd) > 0 {
		initrdAddr = (len(mem) - len(initrd)) &^ (pageSize - 1)
		if initrdAddr < KernelAddr+len(body) {
			return nil, fmt.Errorf("initrd %d bytes: %w", len(initrd), ErrImageOverflow)
		}

		copy(mem[initrdAddr:], initrd)
	}

	h.VidMode = 0xFFFF      // "normal" per proto ALL
	h.TypeOfLoader = 0xFF   // undefined loader id
	h.LoadFlags |= CanUseHeap | LoadedHigh | KeepSegments
	h.HeapEndPtr = 0xFE00
	h.ExtLoaderVer = 0
	h.RamdiskImage = uint32(initrdAddr)
	h.RamdiskSize = uint32(len(initrd))
	h.CmdlinePtr = CmdlineAddr
	h.CmdlineSize = uint32(len(cmdline) + 1)

	p := &params{}
	if err := p.SetHeader(h); err != nil {
		return nil, err
	}

	p.standardE820(uint64(len(mem)))
	copy(mem[BootParamAddr:], p.page[:])

	cr3, err := BuildIdentityPageTables(mem, uint64(len(mem)))
	if err != nil {
		return nil, err
	}

	if err := WriteGDT(mem); err != nil {
		return nil, err
	}

	return &Setup{
		// The 64-bit entry point sits 0x200 past the load address.
		Entry:      KernelAddr + 0x200,
		Stack:      StackTop,
		BootParams: BootParamAddr,
		CR3:        cr3,
		GDTBase:    GDTBase,
		GDTLimit:   GDTLimit,
	}, nil
}

// ConfigureControlBlock applies a prepared setup to the control block
// per the 64-bit boot protocol. The caller still owns seeding RSI with
// the boot-parameter pointer, since RSI is exchanged with the GPRs,
// not stored in the block.
func ConfigureControlBlock(cb *svm.VMCB, s *Setup) {
	cb.SetupLongModeForLinux(s.Entry, s.Stack, s.CR3, s.GDTBase, s.GDTLimit)
}

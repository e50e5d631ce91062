package machine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Poison is written over freshly allocated guest memory so that reads of
// never-initialized RAM are recognizable in a postmortem dump.
const Poison = 0x5A

var ErrMemTooSmall = errors.New("guest memory size too small")

const pageSize = 4096

// allocGuestMem returns size bytes of page-aligned, poisoned guest RAM.
func allocGuestMem(size int) ([]byte, error) {
	if size < pageSize {
		return nil, fmt.Errorf("%w: %#x", ErrMemTooSmall, size)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("guest memory mmap: %w", err)
	}

	for i := range mem {
		mem[i] = Poison
	}

	return mem, nil
}

func freeGuestMem(mem []byte) error {
	if mem == nil {
		return nil
	}

	return unix.Munmap(mem)
}

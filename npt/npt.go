// Package npt builds nested page tables: the second translation level
// applied by hardware to guest-physical addresses. The map is a flat
// identity map of the guest's RAM using 2 MiB pages; anything beyond
// guest RAM is left unmapped so a stray access faults instead of
// touching host memory.
package npt

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pageSize = 4096

	// Nested table entries are ordinary long-mode PTEs. User must be
	// set: guest accesses are treated as user-mode at the nested level.
	entryPresent  = 1 << 0
	entryWritable = 1 << 1
	entryUser     = 1 << 2
	entryLarge    = 1 << 7 // 2 MiB page in a PD entry

	largePage = 2 << 20
	gigabyte  = 1 << 30
)

var ErrTableAlloc = fmt.Errorf("cannot allocate nested page tables")

// Tables is one guest's nested paging structure: a PML4, one PDPT, and
// one page directory per GiB of guest RAM, all in a single owned
// allocation.
type Tables struct {
	backing []byte
	size    uint64
}

// New builds an identity map covering memSize bytes of guest-physical
// space, rounded up to a 2 MiB boundary.
func New(memSize uint64) (*Tables, error) {
	if memSize == 0 {
		return nil, ErrTableAlloc
	}

	mapSize := (memSize + largePage - 1) &^ uint64(largePage-1)
	numPDs := int((mapSize + gigabyte - 1) / gigabyte)

	backing, err := unix.Mmap(-1, 0, (2+numPDs)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableAlloc, err)
	}

	t := &Tables{backing: backing, size: mapSize}

	pml4 := backing[0:pageSize]
	pdpt := backing[pageSize : 2*pageSize]

	writeEntry(pml4, 0, t.pagePA(1)|entryPresent|entryWritable|entryUser)

	for pd := 0; pd < numPDs; pd++ {
		writeEntry(pdpt, pd, t.pagePA(2+pd)|entryPresent|entryWritable|entryUser)

		dir := backing[(2+pd)*pageSize : (3+pd)*pageSize]
		for i := 0; i < 512; i++ {
			gpa := uint64(pd)*gigabyte + uint64(i)*largePage
			if gpa >= mapSize {
				break
			}

			writeEntry(dir, i, gpa|entryPresent|entryWritable|entryUser|entryLarge)
		}
	}

	return t, nil
}

// Root returns the PML4 pointer for the VMCB's N_CR3 field. The kernel
// runs identity mapped, so the table's virtual address is its physical
// address.
func (t *Tables) Root() uint64 {
	return t.pagePA(0)
}

// MappedSize reports how many bytes of guest-physical space the map
// covers.
func (t *Tables) MappedSize() uint64 {
	return t.size
}

// Translate walks the tables the way hardware would and reports the
// host address for a guest-physical one, or false for an unmapped gpa.
func (t *Tables) Translate(gpa uint64) (uint64, bool) {
	if gpa >= t.size {
		return 0, false
	}

	pd := int(gpa / gigabyte)
	entry := readEntry(t.backing[(2+pd)*pageSize:(3+pd)*pageSize], int(gpa%gigabyte/largePage))

	if entry&entryPresent == 0 {
		return 0, false
	}

	return entry&^uint64(0xFFF) | gpa&(largePage-1), true
}

// Free releases the tables. The guest must not be running.
func (t *Tables) Free() error {
	if t.backing == nil {
		return nil
	}

	backing := t.backing
	t.backing = nil

	return unix.Munmap(backing)
}

func (t *Tables) pagePA(n int) uint64 {
	return uint64(uintptr(unsafe.Pointer(&t.backing[n*pageSize])))
}

func writeEntry(table []byte, i int, v uint64) {
	binary.LittleEndian.PutUint64(table[i*8:i*8+8], v)
}

func readEntry(table []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(table[i*8 : i*8+8])
}

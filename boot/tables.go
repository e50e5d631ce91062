package boot

import (
	"encoding/binary"
	"fmt"
)

const (
	pageSize  = 4096
	largePage = 2 << 20
	gigabyte  = 1 << 30

	pteP  = 1 << 0
	pteRW = 1 << 1
	ptePS = 1 << 7
)

// Flat 64-bit GDT descriptors: null, code (L, P, S, execute/read),
// data (G, DB, P, S, read/write).
var gdtDescriptors = [3]uint64{
	0x0000000000000000,
	0x00AF9A000000FFFF,
	0x00CF92000000FFFF,
}

// GDTLimit is the limit value matching WriteGDT's table.
const GDTLimit = uint16(len(gdtDescriptors)*8 - 1)

var ErrGuestMemTooSmall = fmt.Errorf("guest memory too small")

// WriteGDT places the guest GDT at GDTBase.
func WriteGDT(mem []byte) error {
	if len(mem) < GDTBase+len(gdtDescriptors)*8 {
		return ErrGuestMemTooSmall
	}

	for i, d := range gdtDescriptors {
		binary.LittleEndian.PutUint64(mem[GDTBase+i*8:], d)
	}

	return nil
}

// BuildIdentityPageTables writes long-mode page tables at
// PageTableBase identity-mapping memSize bytes with 2 MiB pages, and
// returns the guest CR3 value. These are the guest's own tables, below
// the nested ones: both levels exist, as long mode requires.
func BuildIdentityPageTables(mem []byte, memSize uint64) (uint64, error) {
	mapSize := (memSize + largePage - 1) &^ uint64(largePage-1)
	numPDs := int((mapSize + gigabyte - 1) / gigabyte)

	end := PageTableBase + (2+numPDs)*pageSize
	if len(mem) < end || end > KernelAddr {
		return 0, ErrGuestMemTooSmall
	}

	// PML4 -> PDPT -> one PD per GiB.
	pml4 := uint64(PageTableBase)
	pdpt := uint64(PageTableBase + pageSize)

	binary.LittleEndian.PutUint64(mem[pml4:], pdpt|pteP|pteRW)

	for pd := 0; pd < numPDs; pd++ {
		pdAddr := uint64(PageTableBase + (2+pd)*pageSize)
		binary.LittleEndian.PutUint64(mem[pdpt+uint64(pd)*8:], pdAddr|pteP|pteRW)

		for i := 0; i < 512; i++ {
			gpa := uint64(pd)*gigabyte + uint64(i)*largePage
			if gpa >= mapSize {
				break
			}

			binary.LittleEndian.PutUint64(mem[pdAddr+uint64(i)*8:], gpa|pteP|pteRW|ptePS)
		}
	}

	return pml4, nil
}

package boot_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kestrelos/gohv/boot"
)

// makeBzImage builds the smallest image ParseHeader accepts: one setup
// sector, magic and protocol version in place, then the given
// protected-mode body.
func makeBzImage(t *testing.T, body []byte) []byte {
	t.Helper()

	image := make([]byte, 1024+len(body))
	image[0x1F1] = 1                                      // setup_sects
	binary.LittleEndian.PutUint16(image[0x1FE:], 0xAA55)  // boot_flag
	binary.LittleEndian.PutUint32(image[0x202:], 0x53726448) // "HdrS"
	binary.LittleEndian.PutUint16(image[0x206:], 0x020F)  // protocol 2.15
	copy(image[1024:], body)

	return image
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := boot.ParseHeader(make([]byte, 8192))
	if !errors.Is(err, boot.ErrSignatureNotMatch) {
		t.Fatalf("got %v, want signature mismatch", err)
	}

	if _, err := boot.ParseHeader([]byte{1, 2, 3}); !errors.Is(err, boot.ErrImageTooSmall) {
		t.Fatalf("got %v, want truncation error", err)
	}
}

func TestParseHeaderRejectsOldProtocol(t *testing.T) {
	t.Parallel()

	image := makeBzImage(t, nil)
	binary.LittleEndian.PutUint16(image[0x206:], 0x0200)

	if _, err := boot.ParseHeader(image); !errors.Is(err, boot.ErrProtocolTooOld) {
		t.Fatalf("got %v, want protocol error", err)
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 16<<20)
	kernel := []byte{0xEB, 0xFE} // jmp $
	initrd := bytes.Repeat([]byte{0xAB}, 4096)

	setup, err := boot.Prepare(mem, makeBzImage(t, kernel), "console=ttyS0", initrd)
	if err != nil {
		t.Fatal(err)
	}

	want := &boot.Setup{
		Entry:      0x100200,
		Stack:      0x8000,
		BootParams: 0x10000,
		CR3:        0x30000,
		GDTBase:    0x2000,
		GDTLimit:   23,
	}
	if diff := cmp.Diff(want, setup); diff != "" {
		t.Fatalf("setup mismatch (-want +got):\n%s", diff)
	}

	if !bytes.Equal(mem[boot.KernelAddr:boot.KernelAddr+2], kernel) {
		t.Error("kernel body not at 1 MiB")
	}

	if got := string(mem[boot.CmdlineAddr : boot.CmdlineAddr+14]); got != "console=ttyS0\x00" {
		t.Errorf("cmdline: %q", got)
	}

	// Initrd is page aligned at the top of RAM.
	if !bytes.Equal(mem[len(mem)-4096:], initrd) {
		t.Error("initrd not at top of guest RAM")
	}

	// Zero page: four E820 entries and the loader id stamped in.
	if got := mem[boot.BootParamAddr+0x1E8]; got != 4 {
		t.Errorf("e820 entries: got %d, want 4", got)
	}

	if got := mem[boot.BootParamAddr+0x210]; got != 0xFF { // type_of_loader
		t.Errorf("type_of_loader: got %#x", got)
	}

	// Page tables: PML4 entry 0 points at the PDPT, present+writable.
	pml4e := binary.LittleEndian.Uint64(mem[0x30000:])
	if pml4e != 0x31000|0x3 {
		t.Errorf("PML4[0]: got %#x", pml4e)
	}

	// First large page maps gpa 0.
	pde := binary.LittleEndian.Uint64(mem[0x32000:])
	if pde != 0x0|0x83 {
		t.Errorf("PD[0]: got %#x", pde)
	}
}

func TestPrepareRejectsOversizedKernel(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 2<<20)
	kernel := bytes.Repeat([]byte{0x90}, 2<<20)

	_, err := boot.Prepare(mem, makeBzImage(t, kernel), "", nil)
	if !errors.Is(err, boot.ErrImageOverflow) {
		t.Fatalf("got %v, want overflow", err)
	}
}

package virtfs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/virtfs"
)

func newFS(t *testing.T) (*virtfs.Subsystem, []byte) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := virtfs.NewSubsystem(log)
	s.Create(1)

	if err := s.AddMount(1, "/etc", map[string][]byte{
		"motd": []byte("welcome\n"),
	}); err != nil {
		t.Fatal(err)
	}

	return s, make([]byte, 4096)
}

// putString places a guest string at addr and returns (ptr, len) args.
func putString(mem []byte, addr uint64, s string) (uint64, uint64) {
	copy(mem[addr:], s)

	return addr, uint64(len(s))
}

func TestOpenReadClose(t *testing.T) {
	t.Parallel()

	s, mem := newFS(t)

	ptr, n := putString(mem, 0x100, "/etc/motd")

	fd := s.HandleHypercall(1, virtfs.OpOpen, [4]uint64{ptr, n}, mem)
	if fd < 0 {
		t.Fatalf("open: got %d", fd)
	}

	got := s.HandleHypercall(1, virtfs.OpRead, [4]uint64{uint64(fd), 0x200, 64}, mem)
	if got != 8 {
		t.Fatalf("read: got %d bytes", got)
	}

	if !bytes.Equal(mem[0x200:0x208], []byte("welcome\n")) {
		t.Fatalf("read data: %q", mem[0x200:0x208])
	}

	// Second read hits EOF.
	if got := s.HandleHypercall(1, virtfs.OpRead, [4]uint64{uint64(fd), 0x200, 64}, mem); got != 0 {
		t.Fatalf("read at EOF: got %d", got)
	}

	if got := s.HandleHypercall(1, virtfs.OpClose, [4]uint64{uint64(fd)}, mem); got != 0 {
		t.Fatalf("close: got %d", got)
	}

	// Stale fd.
	if got := s.HandleHypercall(1, virtfs.OpRead, [4]uint64{uint64(fd), 0x200, 64}, mem); got != -1 {
		t.Fatalf("read on closed fd: got %d", got)
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	s, mem := newFS(t)
	ptr, n := putString(mem, 0x100, "/etc/shadow")

	if got := s.HandleHypercall(1, virtfs.OpOpen, [4]uint64{ptr, n}, mem); got != -1 {
		t.Fatalf("open missing: got %d", got)
	}
}

func TestGuestPointerBoundsChecked(t *testing.T) {
	t.Parallel()

	s, mem := newFS(t)

	// Pointer wraps past the end of guest memory.
	if got := s.HandleHypercall(1, virtfs.OpOpen,
		[4]uint64{uint64(len(mem)) - 2, 100}, mem); got != -1 {
		t.Fatalf("out-of-bounds path: got %d", got)
	}
}

func TestNoFilesystem(t *testing.T) {
	t.Parallel()

	log := logrus.New()
	log.SetOutput(io.Discard)
	s := virtfs.NewSubsystem(log)

	if got := s.HandleHypercall(7, virtfs.OpList, [4]uint64{0, 16}, make([]byte, 64)); got != -1 {
		t.Fatalf("hypercall without Create: got %d", got)
	}
}

func TestWriteReadBack(t *testing.T) {
	t.Parallel()

	s, mem := newFS(t)

	ptr, n := putString(mem, 0x100, "/etc/motd")
	fd := s.HandleHypercall(1, virtfs.OpOpen, [4]uint64{ptr, n}, mem)

	copy(mem[0x300:], "bye\n")

	if got := s.HandleHypercall(1, virtfs.OpWrite, [4]uint64{uint64(fd), 0x300, 4}, mem); got != 4 {
		t.Fatalf("write: got %d", got)
	}
}

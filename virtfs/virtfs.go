// Package virtfs is the filesystem backend behind hypercall functions
// 0x100-0x1FF: a per-VM in-memory tree of mounted files, addressed by
// guest-physical pointers that are bounds-checked against guest memory
// before use.
package virtfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hypercall function numbers.
const (
	OpOpen  = 0x100
	OpRead  = 0x101
	OpWrite = 0x102
	OpClose = 0x103
	OpList  = 0x104
)

// Errors surface to guests as -1 results; these are for the host side.
var (
	ErrNoFS         = fmt.Errorf("vm has no filesystem")
	ErrMountExists  = fmt.Errorf("mount prefix already present")
)

const errResult = -1

type openFile struct {
	path   string
	offset int
}

type fs struct {
	files  map[string][]byte
	fds    map[uint32]*openFile
	nextFD uint32
}

// Subsystem owns every VM's filesystem.
type Subsystem struct {
	mu   sync.Mutex
	byVM map[uint64]*fs
	log  *logrus.Logger
}

func NewSubsystem(log *logrus.Logger) *Subsystem {
	return &Subsystem{byVM: make(map[uint64]*fs), log: log}
}

// Create gives the VM an empty filesystem. Creating twice is a no-op.
func (s *Subsystem) Create(vmID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byVM[vmID]; ok {
		return
	}

	s.byVM[vmID] = &fs{
		files:  make(map[string][]byte),
		fds:    make(map[uint32]*openFile),
		nextFD: 3, // leave room for the conventional stdio numbers
	}
}

// AddMount attaches files under prefix in the VM's tree.
func (s *Subsystem) AddMount(vmID uint64, prefix string, files map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byVM[vmID]
	if !ok {
		return fmt.Errorf("vm %d: %w", vmID, ErrNoFS)
	}

	prefix = strings.TrimSuffix(prefix, "/")
	for name := range f.files {
		if strings.HasPrefix(name, prefix+"/") {
			return fmt.Errorf("%q: %w", prefix, ErrMountExists)
		}
	}

	for name, data := range files {
		full := prefix + "/" + strings.TrimPrefix(name, "/")
		f.files[full] = append([]byte(nil), data...)
	}

	return nil
}

// HandleHypercall services one filesystem hypercall. args follow the
// RBX/RCX/RDX/RSI convention; mem is the VM's guest memory. The result
// goes back to the guest in RAX.
func (s *Subsystem) HandleHypercall(vmID, op uint64, args [4]uint64, mem []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byVM[vmID]
	if !ok {
		return errResult
	}

	switch op {
	case OpOpen:
		path, ok := guestString(mem, args[0], args[1])
		if !ok {
			return errResult
		}

		return f.open(path)
	case OpRead:
		buf, ok := guestBytes(mem, args[1], args[2])
		if !ok {
			return errResult
		}

		return f.read(uint32(args[0]), buf)
	case OpWrite:
		buf, ok := guestBytes(mem, args[1], args[2])
		if !ok {
			return errResult
		}

		return f.write(uint32(args[0]), buf)
	case OpClose:
		if _, ok := f.fds[uint32(args[0])]; !ok {
			return errResult
		}

		delete(f.fds, uint32(args[0]))

		return 0
	case OpList:
		buf, ok := guestBytes(mem, args[0], args[1])
		if !ok {
			return errResult
		}

		return f.list(buf)
	}

	s.log.WithFields(logrus.Fields{"vm": vmID, "op": op}).
		Warn("unknown virtfs hypercall")

	return errResult
}

func (f *fs) open(path string) int64 {
	if _, ok := f.files[path]; !ok {
		return errResult
	}

	fd := f.nextFD
	f.nextFD++
	f.fds[fd] = &openFile{path: path}

	return int64(fd)
}

func (f *fs) read(fd uint32, buf []byte) int64 {
	of, ok := f.fds[fd]
	if !ok {
		return errResult
	}

	data := f.files[of.path]
	if of.offset >= len(data) {
		return 0
	}

	n := copy(buf, data[of.offset:])
	of.offset += n

	return int64(n)
}

func (f *fs) write(fd uint32, buf []byte) int64 {
	of, ok := f.fds[fd]
	if !ok {
		return errResult
	}

	data := f.files[of.path]
	for len(data) < of.offset+len(buf) {
		data = append(data, 0)
	}

	copy(data[of.offset:], buf)
	of.offset += len(buf)
	f.files[of.path] = data

	return int64(len(buf))
}

func (f *fs) list(buf []byte) int64 {
	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}

	sort.Strings(names)

	return int64(copy(buf, strings.Join(names, "\n")))
}

// guestString reads a guest string after bounds-checking the pointer.
func guestString(mem []byte, ptr, n uint64) (string, bool) {
	b, ok := guestBytes(mem, ptr, n)
	if !ok {
		return "", false
	}

	return string(b), true
}

// guestBytes returns the guest-memory window [ptr, ptr+n), or false if
// any part of it is out of bounds.
func guestBytes(mem []byte, ptr, n uint64) ([]byte, bool) {
	if n > uint64(len(mem)) || ptr > uint64(len(mem))-n {
		return nil, false
	}

	return mem[ptr : ptr+n], true
}

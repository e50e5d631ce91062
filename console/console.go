// Package console is the I/O backend guests talk to through
// intercepted port I/O and console hypercalls. It models just enough
// of a 16550 at COM1 for early-printk style output, plus the 0xE9
// debug port.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// COM1Addr is the base of the first serial port.
	COM1Addr = 0x03F8

	comData = COM1Addr + 0
	comIER  = COM1Addr + 1
	comLCR  = COM1Addr + 3
	comLSR  = COM1Addr + 5

	// DebugPort is the classic Bochs/QEMU byte-output port.
	DebugPort = 0x00E9

	inputDepth = 10000
)

// Console is one VM's console.
type Console struct {
	ID   uint32
	VMID uint64
	Name string

	IER byte
	LCR byte

	in   chan byte
	line []byte

	out io.Writer
	log *logrus.Entry
}

// Subsystem owns every VM's console.
type Subsystem struct {
	mu       sync.Mutex
	nextID   uint32
	consoles map[uint64]*Console
	out      io.Writer
	log      *logrus.Logger
}

func NewSubsystem(log *logrus.Logger) *Subsystem {
	return &Subsystem{
		nextID:   1,
		consoles: make(map[uint64]*Console),
		out:      os.Stdout,
		log:      log,
	}
}

// SetOutput redirects guest output, mainly for tests.
func (s *Subsystem) SetOutput(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out = w
	for _, c := range s.consoles {
		c.out = w
	}
}

// CreateConsole registers a console for the VM and returns its id.
// Creating twice for the same VM returns the existing id.
func (s *Subsystem) CreateConsole(vmID uint64, name string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.consoles[vmID]; ok {
		return c.ID
	}

	c := &Console{
		ID:   s.nextID,
		VMID: vmID,
		Name: name,
		in:   make(chan byte, inputDepth),
		out:  s.out,
		log:  s.log.WithFields(logrus.Fields{"vm": vmID, "console": name}),
	}
	s.nextID++
	s.consoles[vmID] = c

	return c.ID
}

// Input returns the keyboard-side channel for a VM's console, or nil
// if the VM has none.
func (s *Subsystem) Input(vmID uint64) chan<- byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.consoles[vmID]; ok {
		return c.in
	}

	return nil
}

// HandleIO emulates one intercepted single-byte port access. For
// writes the return value is ignored; for reads it is the byte the
// guest sees.
func (s *Subsystem) HandleIO(vmID uint64, port uint16, isWrite bool, value byte) byte {
	s.mu.Lock()
	c, ok := s.consoles[vmID]
	s.mu.Unlock()

	if !ok {
		return 0
	}

	if isWrite {
		c.write(port, value)

		return 0
	}

	return c.read(port)
}

// WriteByte emits one byte of guest output (console hypercall 3).
func (s *Subsystem) WriteByte(vmID uint64, b byte) {
	s.HandleIO(vmID, comData, true, b)
}

// ReadByte consumes one byte of pending input (console hypercall 4),
// zero if none is waiting.
func (s *Subsystem) ReadByte(vmID uint64) byte {
	return s.HandleIO(vmID, comData, false, 0)
}

func (c *Console) dlab() bool {
	return c.LCR&0x80 != 0
}

func (c *Console) write(port uint16, value byte) {
	switch {
	case port == DebugPort:
		c.emit(value)
	case port == comData && !c.dlab():
		c.emit(value)
	case port == comIER && !c.dlab():
		c.IER = value
	case port == comLCR:
		c.LCR = value
	default:
		// Divisor latch, FIFO and modem control writes are accepted
		// and forgotten.
	}
}

func (c *Console) read(port uint16) byte {
	switch {
	case port == comData && !c.dlab():
		select {
		case b := <-c.in:
			return b
		default:
			return 0
		}
	case port == comData && c.dlab():
		return 0x0C // divisor low, 9600 baud
	case port == comIER && !c.dlab():
		return c.IER
	case port == comLSR:
		v := byte(0x60) // transmitter idle
		if len(c.in) > 0 {
			v |= 0x01 // data ready
		}

		return v
	}

	return 0
}

// emit forwards the byte to the output writer and mirrors complete
// lines into the structured log.
func (c *Console) emit(b byte) {
	fmt.Fprintf(c.out, "%c", b)

	if b == '\n' {
		if len(c.line) > 0 {
			c.log.Info(string(c.line))
		}

		c.line = c.line[:0]

		return
	}

	if len(c.line) < 512 {
		c.line = append(c.line, b)
	}
}

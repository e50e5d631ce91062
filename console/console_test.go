package console_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/console"
)

func newSubsystem() (*console.Subsystem, *bytes.Buffer) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := console.NewSubsystem(log)
	buf := &bytes.Buffer{}
	s.SetOutput(buf)

	return s, buf
}

func TestCreateConsoleIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newSubsystem()

	id1 := s.CreateConsole(1, "vm1")
	id2 := s.CreateConsole(1, "vm1")
	id3 := s.CreateConsole(2, "vm2")

	if id1 != id2 {
		t.Errorf("same VM got two console ids: %d, %d", id1, id2)
	}

	if id3 == id1 {
		t.Errorf("different VMs share console id %d", id1)
	}
}

func TestSerialOutput(t *testing.T) {
	t.Parallel()

	s, buf := newSubsystem()
	s.CreateConsole(1, "vm1")

	for _, b := range []byte("ok\n") {
		s.HandleIO(1, console.COM1Addr, true, b)
	}

	if got := buf.String(); got != "ok\n" {
		t.Errorf("output: got %q", got)
	}
}

func TestDebugPortOutput(t *testing.T) {
	t.Parallel()

	s, buf := newSubsystem()
	s.CreateConsole(1, "vm1")

	s.HandleIO(1, console.DebugPort, true, 'x')

	if got := buf.String(); got != "x" {
		t.Errorf("debug port output: got %q", got)
	}
}

func TestInputRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := newSubsystem()
	s.CreateConsole(1, "vm1")

	s.Input(1) <- 'a'

	// LSR must report data ready.
	if lsr := s.HandleIO(1, console.COM1Addr+5, false, 0); lsr&0x01 == 0 {
		t.Error("LSR data-ready bit not set with pending input")
	}

	if got := s.ReadByte(1); got != 'a' {
		t.Errorf("input byte: got %q", got)
	}

	// Drained: reads return zero, LSR goes idle.
	if got := s.ReadByte(1); got != 0 {
		t.Errorf("empty input: got %q, want 0", got)
	}
}

func TestUnknownVMIgnored(t *testing.T) {
	t.Parallel()

	s, buf := newSubsystem()

	if got := s.HandleIO(42, console.COM1Addr, true, 'x'); got != 0 {
		t.Errorf("unknown vm: got %d", got)
	}

	if buf.Len() != 0 {
		t.Error("unknown vm produced output")
	}
}

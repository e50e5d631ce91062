package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelos/gohv/event"
	"github.com/kestrelos/gohv/flag"
	"github.com/kestrelos/gohv/term"
	"github.com/kestrelos/gohv/vmm"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	c, err := flag.ParseArgs(args)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)

	if c.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	switch c.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	r := vmm.New(log)

	r.Events().Subscribe(func(e event.Event) {
		log.WithFields(logrus.Fields{
			"vm":      e.VMID,
			"payload": e.Payload,
		}).Debug(e.Type.String())
	})

	id, err := r.CreateVM(c.Name, c.MemSize)
	if err != nil {
		return err
	}

	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			return err
		}

		defer restore()

		go pumpInput(r, id)
	} else {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal, guest input disabled")
	}

	g := errgroup.Group{}

	g.Go(func() error {
		if c.Guest != "" {
			return r.StartVMWithGuest(id, c.Guest)
		}

		kernel, err := os.ReadFile(c.Kernel)
		if err != nil {
			return err
		}

		var initrd []byte

		if c.Initrd != "" {
			if initrd, err = os.ReadFile(c.Initrd); err != nil {
				return err
			}
		}

		return r.StartLinuxVM(id, kernel, c.Cmdline, initrd)
	})

	return g.Wait()
}

// pumpInput feeds stdin bytes to the guest console. Ctrl-a x stops
// the guest, same escape as the usual serial-console tools.
func pumpInput(r *vmm.Registry, id uint64) {
	in := bufio.NewReader(os.Stdin)
	ch := r.Consoles().Input(id)

	var before byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		if before == 0x1 && b == 'x' {
			_ = r.StopVM(id)

			return
		}

		before = b

		select {
		case ch <- b:
		default:
		}
	}
}

// Package flag parses the hypervisor command line.
package flag

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// Config is everything the command line chooses.
type Config struct {
	Name    string
	Guest   string
	Kernel  string
	Initrd  string
	Cmdline string
	MemSize int
	Profile string
	Debug   bool
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, the unit passed in is used. The number can
// be any base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}

// ParseArgs parses args (argv, including the program name) into a
// Config. Either an embedded guest or a kernel image must be chosen,
// not both.
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)

	c := &Config{}

	fs.StringVar(&c.Name, "n", "vm0", "vm name")
	fs.StringVar(&c.Guest, "g", "", "embedded guest to run (hello, halt)")
	fs.StringVar(&c.Kernel, "k", "", "kernel image path (bzImage)")
	fs.StringVar(&c.Initrd, "i", "", "initrd path")
	fs.StringVar(&c.Cmdline, "p", "console=ttyS0 earlyprintk=serial noapic noacpi notsc "+
		"mitigations=off rdinit=/init init=/init", "kernel command-line parameters")
	fs.StringVar(&c.Profile, "profile", "", "write a profile: cpu or mem")
	fs.BoolVar(&c.Debug, "debug", false, "debug logging")

	msize := fs.String("m", "1G", "memory size: as number[gGmM], optional units, defaults to G")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	memSize, err := ParseSize(*msize, "g")
	if err != nil {
		return nil, err
	}

	c.MemSize = memSize

	if c.Guest == "" && c.Kernel == "" {
		return nil, fmt.Errorf("one of -g or -k is required")
	}

	if c.Guest != "" && c.Kernel != "" {
		return nil, fmt.Errorf("-g and -k are mutually exclusive")
	}

	return c, nil
}

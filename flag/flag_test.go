package flag_test

import (
	"testing"

	"github.com/kestrelos/gohv/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		unit string
		want int
	}{
		{"67", "", 67},
		{"67k", "", 67 << 10},
		{"67M", "", 67 << 20},
		{"1G", "", 1 << 30},
		{"2", "g", 2 << 30},
		{"0x10", "m", 16 << 20},
	} {
		got, err := flag.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Errorf("ParseSize(%q, %q): %v", tt.in, tt.unit, err)

			continue
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}

	for _, bad := range []string{"", "g", "1T", "x1g"} {
		if _, err := flag.ParseSize(bad, ""); err == nil {
			t.Errorf("ParseSize(%q) succeeded, want error", bad)
		}
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	c, err := flag.ParseArgs([]string{"gohv", "-g", "hello", "-m", "128M", "-n", "demo"})
	if err != nil {
		t.Fatal(err)
	}

	if c.Guest != "hello" || c.Name != "demo" || c.MemSize != 128<<20 {
		t.Errorf("config = %+v", c)
	}
}

func TestParseArgsRequiresGuestOrKernel(t *testing.T) {
	t.Parallel()

	if _, err := flag.ParseArgs([]string{"gohv"}); err == nil {
		t.Error("no guest and no kernel accepted")
	}

	if _, err := flag.ParseArgs([]string{"gohv", "-g", "hello", "-k", "bzImage"}); err == nil {
		t.Error("guest and kernel together accepted")
	}
}

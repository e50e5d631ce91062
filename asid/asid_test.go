package asid_test

import (
	"testing"

	"github.com/kestrelos/gohv/asid"
)

func TestNoAliasing(t *testing.T) {
	t.Parallel()

	p := asid.NewPool(100)
	seen := map[uint32]bool{}

	for i := 0; i < 100; i++ {
		tag, ok := p.Allocate()
		if !ok {
			t.Fatalf("pool exhausted after %d allocations", i)
		}

		if tag == 0 {
			t.Fatal("ASID 0 is reserved for the host")
		}

		if seen[tag] {
			t.Fatalf("ASID %d handed out twice", tag)
		}

		seen[tag] = true
	}

	if _, ok := p.Allocate(); ok {
		t.Fatal("allocation past the pool maximum")
	}
}

func TestReleaseRecycles(t *testing.T) {
	t.Parallel()

	p := asid.NewPool(1)

	tag, ok := p.Allocate()
	if !ok {
		t.Fatal("first allocation failed")
	}

	p.Release(tag)

	again, ok := p.Allocate()
	if !ok || again != tag {
		t.Fatalf("recycle: got %d,%v, want %d,true", again, ok, tag)
	}
}

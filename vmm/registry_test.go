package vmm_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/event"
	"github.com/kestrelos/gohv/machine"
	"github.com/kestrelos/gohv/svm"
	"github.com/kestrelos/gohv/vmm"
)

const testMemSize = 2 << 20

type scriptedLauncher struct {
	t     *testing.T
	steps []func(cb *svm.VMCB, gprs *svm.GuestRegs)
	calls int
}

func (l *scriptedLauncher) Launch(cb *svm.VMCB, gprs *svm.GuestRegs) error {
	if l.calls >= len(l.steps) {
		l.t.Fatalf("guest entered %d times, scripted %d", l.calls+1, len(l.steps))
	}

	l.steps[l.calls](cb, gprs)
	l.calls++

	return nil
}

func newRegistry(t *testing.T, steps ...func(cb *svm.VMCB, gprs *svm.GuestRegs)) *vmm.Registry {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	return vmm.NewWithLauncher(log, &scriptedLauncher{t: t, steps: steps})
}

func TestCreateAndList(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	idA, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	idB, err := r.CreateVM("beta", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if idA == idB {
		t.Fatalf("both VMs got id %d", idA)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("list has %d entries, want 2", len(list))
	}

	if list[0].ID > list[1].ID {
		t.Error("list not ordered by id")
	}

	for _, info := range list {
		if info.State != machine.Created {
			t.Errorf("vm %d state = %v, want created", info.ID, info.State)
		}
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	if _, err := r.CreateVM("alpha", testMemSize); err != nil {
		t.Fatal(err)
	}

	_, err := r.CreateVM("alpha", testMemSize)
	if !errors.Is(err, vmm.ErrVMExists) {
		t.Errorf("duplicate create error = %v, want ErrVMExists", err)
	}
}

func TestLookupName(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	id, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.LookupName("alpha")
	if err != nil || got != id {
		t.Errorf("LookupName = (%d, %v), want (%d, nil)", got, err, id)
	}

	if _, err := r.LookupName("ghost"); !errors.Is(err, vmm.ErrVMNotFound) {
		t.Errorf("missing name error = %v, want ErrVMNotFound", err)
	}
}

func TestHaltGuestRunsToStopped(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, func(cb *svm.VMCB, gprs *svm.GuestRegs) {
		cb.SetExitCode(svm.ExitHLT)
	})

	id, err := r.CreateVM("halt", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.StartVMWithGuest(id, "halt"); err != nil {
		t.Fatal(err)
	}

	stats, err := r.Stats(id)
	if err != nil {
		t.Fatal(err)
	}

	if stats.HLT != 1 || stats.Exits != 1 {
		t.Errorf("stats = %+v, want exactly one HLT exit", stats)
	}

	list := r.List()
	if len(list) != 1 || list[0].State != machine.Stopped {
		t.Errorf("list = %+v, want one stopped vm", list)
	}
}

func TestHelloGuestPrintsThroughHypercall(t *testing.T) {
	t.Parallel()

	// The exits a real run of the embedded hello guest would take;
	// the printed bytes come from the memory the registry loaded.
	r := newRegistry(t,
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			cb.SetExitCode(svm.ExitVMMCALL)
			cb.SetNextRIP(0x100000 + 24)
			cb.SetRAX(0)
			gprs.RBX = 0x100020
			gprs.RCX = 6
		},
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			if cb.RAX() != 6 {
				t.Errorf("print hypercall result = %d, want 6", cb.RAX())
			}

			cb.SetExitCode(svm.ExitHLT)
		},
	)

	out := &bytes.Buffer{}
	r.Consoles().SetOutput(out)

	id, err := r.CreateVM("hello", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.StartVMWithGuest(id, "hello"); err != nil {
		t.Fatal(err)
	}

	if got := out.String(); got != "hello\n" {
		t.Errorf("console output = %q, want %q", got, "hello\n")
	}
}

func TestStartUnknownGuestName(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	id, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	err = r.StartVMWithGuest(id, "no-such-guest")
	if !errors.Is(err, vmm.ErrUnknownGuest) {
		t.Errorf("error = %v, want ErrUnknownGuest", err)
	}
}

func TestOperationsOnMissingVM(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	if err := r.StartVM(7, 0x1000, 0x8000); !errors.Is(err, vmm.ErrVMNotFound) {
		t.Errorf("StartVM error = %v, want ErrVMNotFound", err)
	}

	if err := r.StopVM(7); !errors.Is(err, vmm.ErrVMNotFound) {
		t.Errorf("StopVM error = %v, want ErrVMNotFound", err)
	}

	if err := r.RemoveVM(7); !errors.Is(err, vmm.ErrVMNotFound) {
		t.Errorf("RemoveVM error = %v, want ErrVMNotFound", err)
	}

	if _, err := r.Stats(7); !errors.Is(err, vmm.ErrVMNotFound) {
		t.Errorf("Stats error = %v, want ErrVMNotFound", err)
	}
}

func TestRemoveFreesName(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	id, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveVM(id); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Lookup(id); !errors.Is(err, vmm.ErrVMNotFound) {
		t.Errorf("lookup after remove = %v, want ErrVMNotFound", err)
	}

	if _, err := r.CreateVM("alpha", testMemSize); err != nil {
		t.Errorf("name not freed by remove: %v", err)
	}
}

func TestMgmtShutdownHypercall(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, func(cb *svm.VMCB, gprs *svm.GuestRegs) {
		cb.SetExitCode(svm.ExitVMMCALL)
		cb.SetNextRIP(0x100000 + 3)
		cb.SetRAX(vmm.MgmtShutdown)
	})

	var events []event.Event
	r.Events().Subscribe(func(e event.Event) { events = append(events, e) })

	id, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.StartVMWithGuest(id, "halt"); err != nil {
		t.Fatal(err)
	}

	list := r.List()
	if list[0].State != machine.Stopped {
		t.Errorf("state = %v, want stopped after shutdown hypercall", list[0].State)
	}

	saw := false
	for _, e := range events {
		if e.Type == event.GuestShutdown {
			saw = true
		}
	}

	if !saw {
		t.Error("no guest-shutdown event emitted")
	}
}

func TestMgmtIdentityHypercalls(t *testing.T) {
	t.Parallel()

	var gotID, gotCount uint64

	r := newRegistry(t,
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			cb.SetExitCode(svm.ExitVMMCALL)
			cb.SetNextRIP(0x100000 + 3)
			cb.SetRAX(vmm.MgmtVMID)
		},
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			gotID = cb.RAX()
			cb.SetExitCode(svm.ExitVMMCALL)
			cb.SetNextRIP(0x100000 + 6)
			cb.SetRAX(vmm.MgmtVMCount)
		},
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			gotCount = cb.RAX()
			cb.SetExitCode(svm.ExitHLT)
		},
	)

	id, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.StartVMWithGuest(id, "halt"); err != nil {
		t.Fatal(err)
	}

	if gotID != id {
		t.Errorf("vm-id hypercall = %d, want %d", gotID, id)
	}

	if gotCount != 1 {
		t.Errorf("vm-count hypercall = %d, want 1", gotCount)
	}
}

func TestCreateVMWithIDRejectsReuse(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)

	if err := r.CreateVMWithID(7, "alpha", testMemSize); err != nil {
		t.Fatal(err)
	}

	err := r.CreateVMWithID(7, "beta", testMemSize)
	if !errors.Is(err, vmm.ErrVMExists) {
		t.Errorf("id reuse error = %v, want ErrVMExists", err)
	}

	// Auto-assigned ids must not collide with caller-chosen ones.
	id, err := r.CreateVM("gamma", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if id == 7 {
		t.Error("auto-assigned id collides with live vm")
	}
}

func TestMgmtStatHypercall(t *testing.T) {
	t.Parallel()

	var gotExits uint64

	r := newRegistry(t,
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			cb.SetExitCode(svm.ExitCPUID)
			cb.SetRAX(0)
		},
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			cb.SetExitCode(svm.ExitVMMCALL)
			cb.SetNextRIP(0x100000 + 5)
			cb.SetRAX(vmm.MgmtStat)
			gprs.RBX = vmm.StatCPUID
		},
		func(cb *svm.VMCB, gprs *svm.GuestRegs) {
			gotExits = cb.RAX()
			cb.SetExitCode(svm.ExitHLT)
		},
	)

	id, err := r.CreateVM("alpha", testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.StartVMWithGuest(id, "halt"); err != nil {
		t.Fatal(err)
	}

	if gotExits != 1 {
		t.Errorf("cpuid counter via hypercall = %d, want 1", gotExits)
	}
}

func TestEmbeddedGuestCatalog(t *testing.T) {
	t.Parallel()

	names := vmm.Guests()

	want := map[string]bool{"hello": false, "halt": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}

	for n, seen := range want {
		if !seen {
			t.Errorf("embedded guest %q missing from catalog", n)
		}
	}
}

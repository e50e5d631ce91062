package audit_test

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kestrelos/gohv/audit"
)

func newRecorder() *audit.Recorder {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return audit.NewRecorder(log)
}

func TestRecordedViolationsAreKept(t *testing.T) {
	t.Parallel()

	r := newRecorder()

	r.RecordViolation(1, 0xDEAD0000, 0, 0x4, 0x1000)
	r.RecordViolation(2, 0xBEEF0000, 0xFF, 0x2, 0x2000)

	got := r.Violations()
	if len(got) != 2 {
		t.Fatalf("violations = %d, want 2", len(got))
	}

	if got[0].VMID != 1 || got[0].GPA != 0xDEAD0000 || got[0].RIP != 0x1000 {
		t.Errorf("first violation = %+v", got[0])
	}

	if got[1].When.Before(got[0].When) {
		t.Error("violation timestamps not monotonic")
	}
}

func TestViolationsReturnsCopy(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	r.RecordViolation(1, 0x1000, 0, 0, 0)

	got := r.Violations()
	got[0].GPA = 0

	if r.Violations()[0].GPA != 0x1000 {
		t.Error("caller mutation leaked into the recorder")
	}
}

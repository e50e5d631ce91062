// Package audit keeps the postmortem record of isolation violations:
// nested-page faults are never demand-paged, they are evidence.
package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Violation is one recorded nested-page-fault policy violation.
type Violation struct {
	VMID          uint64
	GPA           uint64
	GVA           uint64 // zero when hardware did not report one
	Qualification uint64
	RIP           uint64
	When          time.Time
}

// maxViolations bounds the record; a guest stuck in a fault loop must
// not grow host memory. Older entries are dropped first.
const maxViolations = 1024

type Recorder struct {
	mu         sync.Mutex
	violations []Violation
	log        *logrus.Logger
}

func NewRecorder(log *logrus.Logger) *Recorder {
	return &Recorder{log: log}
}

// RecordViolation stores the fault and logs it for postmortem
// analysis.
func (r *Recorder) RecordViolation(vmID, gpa, gva, qualification, rip uint64) {
	r.mu.Lock()
	if len(r.violations) == maxViolations {
		r.violations = append(r.violations[:0], r.violations[1:]...)
	}
	r.violations = append(r.violations, Violation{
		VMID:          vmID,
		GPA:           gpa,
		GVA:           gva,
		Qualification: qualification,
		RIP:           rip,
		When:          time.Now(),
	})
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"vm":   vmID,
		"gpa":  gpa,
		"gva":  gva,
		"qual": qualification,
		"rip":  rip,
	}).Error("nested page fault: isolation violation")
}

// Violations returns a copy of the record.
func (r *Recorder) Violations() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Violation, len(r.violations))
	copy(out, r.violations)

	return out
}

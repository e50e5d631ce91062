// Package msr emulates guest MSR access against a fixed allow-list of
// architectural registers. Writes are accepted and discarded; reads
// return stable canned values. Everything outside the list degrades
// gracefully: read as zero, write ignored, and the first few offenders
// are logged so postmortems can tell what the guest was probing.
package msr

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Architectural MSR indices.
const (
	IA32APICBase    = 0x0000001B
	IA32MTRRCap     = 0x000000FE
	IA32SysenterCS  = 0x00000174
	IA32SysenterESP = 0x00000175
	IA32SysenterEIP = 0x00000176
	IA32MCGCap      = 0x00000179
	IA32MCGStatus   = 0x0000017A
	IA32MiscEnable  = 0x000001A0
	IA32PAT         = 0x00000277
	IA32MTRRDefType = 0x000002FF

	EFER         = 0xC0000080
	STAR         = 0xC0000081
	LSTAR        = 0xC0000082
	CSTAR        = 0xC0000083
	SFMask       = 0xC0000084
	FSBase       = 0xC0000100
	GSBase       = 0xC0000101
	KernelGSBase = 0xC0000102
	TSCAux       = 0xC0000103

	mtrrPhysBase0 = 0x00000200
	mtrrPhysMask7 = 0x0000020F
	mtrrFix64K    = 0x00000250
	mtrrFix16K0   = 0x00000258
	mtrrFix16K1   = 0x00000259
	mtrrFix4K0    = 0x00000268
	mtrrFix4K7    = 0x0000026F
	mc0CTL        = 0x00000400
	mcBankLast    = 0x0000040F
)

// Canned read values for the allow-listed MSRs. Zero-valued entries
// still mark the index as allowed.
var canned = map[uint32]uint64{
	IA32APICBase:    0xFEE00900, // xAPIC enabled, BSP
	IA32MiscEnable:  1,          // fast-strings, everything else off
	IA32PAT:         0x0007040600070406,
	IA32MTRRCap:     0x508,
	IA32MTRRDefType: 0xC00, // MTRRs enabled, WB default
	IA32MCGCap:      0x4,   // four banks, nothing fancy
	IA32MCGStatus:   0,
	IA32SysenterCS:  0,
	IA32SysenterESP: 0,
	IA32SysenterEIP: 0,
	EFER:            0,
	STAR:            0,
	LSTAR:           0,
	CSTAR:           0,
	SFMask:          0,
	FSBase:          0,
	GSBase:          0,
	KernelGSBase:    0,
	TSCAux:          0,
}

// unknownLogBudget bounds how many distinct unknown-MSR complaints one
// emulator logs before going quiet.
const unknownLogBudget = 16

// Emulator is one VM's MSR state.
type Emulator struct {
	mu          sync.Mutex
	log         *logrus.Entry
	unknownSeen int
}

func New(log *logrus.Entry) *Emulator {
	return &Emulator{log: log}
}

func allowed(index uint32) bool {
	if _, ok := canned[index]; ok {
		return true
	}

	switch {
	case index >= mtrrPhysBase0 && index <= mtrrPhysMask7:
		return true
	case index == mtrrFix64K || index == mtrrFix16K0 || index == mtrrFix16K1:
		return true
	case index >= mtrrFix4K0 && index <= mtrrFix4K7:
		return true
	case index >= mc0CTL && index <= mcBankLast:
		return true
	}

	return false
}

// Read returns the canned value for an allow-listed MSR and zero for
// anything else.
func (e *Emulator) Read(index uint32) uint64 {
	if allowed(index) {
		return canned[index]
	}

	e.noteUnknown("RDMSR", index)

	return 0
}

// Write discards the value. Allow-listed writes are silent; unknown
// ones are noted.
func (e *Emulator) Write(index uint32, value uint64) {
	if allowed(index) {
		return
	}

	e.noteUnknown("WRMSR", index)
}

func (e *Emulator) noteUnknown(op string, index uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unknownSeen >= unknownLogBudget {
		return
	}

	e.unknownSeen++
	e.log.WithFields(logrus.Fields{"op": op, "msr": index}).
		Warn("guest touched unknown MSR")
}

package vmm

// Management hypercall functions. These sit above the file-service
// range; the shutdown and reboot results are sentinels the run loop
// acts on instead of handing them to the guest.
const (
	MgmtVMCount  = 0x200
	MgmtVMID     = 0x201
	MgmtStat     = 0x202
	MgmtShutdown = 0x2FE
	MgmtReboot   = 0x2FF

	mgmtUnknown = -3
)

// MgmtStat counter selectors, passed in the first argument.
const (
	StatExits = iota
	StatCPUID
	StatHLT
	StatIO
	StatMSR
	StatHypercall
	StatNPF
)

type mgmtHandler struct {
	r *Registry
}

func (h *mgmtHandler) HandleHypercall(vmID, fn uint64, args [4]uint64) int64 {
	switch fn {
	case MgmtVMCount:
		return int64(h.r.count())
	case MgmtVMID:
		return int64(vmID)
	case MgmtStat:
		return h.stat(vmID, args[0])
	case MgmtShutdown:
		return -1
	case MgmtReboot:
		return -2
	}

	return mgmtUnknown
}

// stat lets a guest read one of its own exit counters.
func (h *mgmtHandler) stat(vmID, selector uint64) int64 {
	stats, err := h.r.Stats(vmID)
	if err != nil {
		return mgmtUnknown
	}

	switch selector {
	case StatExits:
		return int64(stats.Exits)
	case StatCPUID:
		return int64(stats.CPUID)
	case StatHLT:
		return int64(stats.HLT)
	case StatIO:
		return int64(stats.IO)
	case StatMSR:
		return int64(stats.MSR)
	case StatHypercall:
		return int64(stats.Hypercall)
	case StatNPF:
		return int64(stats.NPF)
	}

	return mgmtUnknown
}

package svm

import "fmt"

// ExitCode is a #VMEXIT reason as written by hardware into the VMCB.
// The numbering is AMD's; it deliberately has nothing to do with the
// Intel exit-reason space (see the vmx package).
type ExitCode uint64

const (
	ExitCR0Read  ExitCode = 0x000
	ExitCR0Write ExitCode = 0x010
	ExitCR3Write ExitCode = 0x013
	ExitCR4Write ExitCode = 0x014
	ExitINTR     ExitCode = 0x060
	ExitNMI      ExitCode = 0x061
	ExitSMI      ExitCode = 0x062
	ExitINIT     ExitCode = 0x063
	ExitVINTR    ExitCode = 0x064
	ExitRDPMC    ExitCode = 0x06F
	ExitCPUID    ExitCode = 0x072
	ExitINVD     ExitCode = 0x076
	ExitPAUSE    ExitCode = 0x077
	ExitHLT      ExitCode = 0x078
	ExitINVLPG   ExitCode = 0x079
	ExitIOIO     ExitCode = 0x07B
	ExitMSR      ExitCode = 0x07C
	ExitShutdown ExitCode = 0x07F
	ExitVMRUN    ExitCode = 0x080
	ExitVMMCALL  ExitCode = 0x081
	ExitVMLOAD   ExitCode = 0x082
	ExitVMSAVE   ExitCode = 0x083
	ExitSTGI     ExitCode = 0x084
	ExitCLGI     ExitCode = 0x085
	ExitSKINIT   ExitCode = 0x086
	ExitRDTSCP   ExitCode = 0x087
	ExitICEBP    ExitCode = 0x088
	ExitWBINVD   ExitCode = 0x089
	ExitMONITOR  ExitCode = 0x08A
	ExitMWAIT    ExitCode = 0x08B
	ExitXSETBV   ExitCode = 0x08D
	ExitNPF      ExitCode = 0x400

	// ExitInvalid means VMRUN itself failed: the guest state or the
	// control area was rejected by hardware and the guest never ran.
	ExitInvalid ExitCode = 0xFFFFFFFFFFFFFFFF
)

func (e ExitCode) String() string {
	switch e {
	case ExitCPUID:
		return "CPUID"
	case ExitHLT:
		return "HLT"
	case ExitIOIO:
		return "IOIO"
	case ExitMSR:
		return "MSR"
	case ExitVMMCALL:
		return "VMMCALL"
	case ExitShutdown:
		return "SHUTDOWN"
	case ExitNPF:
		return "NPF"
	case ExitInvalid:
		return "INVALID"
	case ExitINTR:
		return "INTR"
	case ExitINVD:
		return "INVD"
	case ExitWBINVD:
		return "WBINVD"
	case ExitMONITOR:
		return "MONITOR"
	case ExitMWAIT:
		return "MWAIT"
	case ExitXSETBV:
		return "XSETBV"
	case ExitVMRUN:
		return "VMRUN"
	default:
		return fmt.Sprintf("exit(%#x)", uint64(e))
	}
}

// IOPort decodes the EXITINFO1 of an IOIO intercept: port, input
// direction, access size in bytes, and the string/rep flags.
func IOPort(info1 uint64) (port uint16, in bool, size int, str, rep bool) {
	port = uint16(info1 >> 16)
	in = info1&1 != 0
	str = info1&(1<<2) != 0
	rep = info1&(1<<3) != 0

	switch {
	case info1&(1<<4) != 0:
		size = 1
	case info1&(1<<5) != 0:
		size = 2
	case info1&(1<<6) != 0:
		size = 4
	}

	return port, in, size, str, rep
}

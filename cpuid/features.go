package cpuid

import "fmt"

// Feature bits of CPUID leaf 1 ECX, the register the emulation masks.
// Offsets are from arch/x86/include/asm/cpufeatures.h in Linux.
type F1Ecx uint32

const (
	SSE3       F1Ecx = 0  /* "pni" SSE-3 */
	PCLMULQDQ  F1Ecx = 1  /* PCLMULQDQ instruction */
	DTES64     F1Ecx = 2  /* 64-bit Debug Store */
	MONITOR    F1Ecx = 3  /* MONITOR/MWAIT */
	VMX        F1Ecx = 5  /* Hardware virtualization */
	SMX        F1Ecx = 6  /* Safer Mode eXtensions */
	SSSE3      F1Ecx = 9  /* Supplemental SSE-3 */
	FMA        F1Ecx = 12 /* Fused multiply-add */
	CX16       F1Ecx = 13 /* CMPXCHG16B instruction */
	PCID       F1Ecx = 17 /* Process Context Identifiers */
	SSE41      F1Ecx = 19 /* SSE-4.1 */
	SSE42      F1Ecx = 20 /* SSE-4.2 */
	X2APIC     F1Ecx = 21 /* X2APIC */
	MOVBE      F1Ecx = 22 /* MOVBE instruction */
	POPCNT     F1Ecx = 23 /* POPCNT instruction */
	AES        F1Ecx = 25 /* AES instructions */
	XSAVE      F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV */
	OSXSAVE    F1Ecx = 27 /* XSAVE instruction enabled in the OS */
	AVX        F1Ecx = 28 /* Advanced Vector Extensions */
	RDRAND     F1Ecx = 30 /* RDRAND instruction */
	HYPERVISOR F1Ecx = 31 /* Running under a hypervisor */
)

func (f F1Ecx) String() string {
	switch f {
	case MONITOR:
		return "MONITOR"
	case VMX:
		return "VMX"
	case X2APIC:
		return "X2APIC"
	case HYPERVISOR:
		return "HYPERVISOR"
	default:
		return fmt.Sprintf("F1Ecx(%d)", uint32(f))
	}
}

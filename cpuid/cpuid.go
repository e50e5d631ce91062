// Package cpuid emulates the CPUID instruction for guests. Hypervisor
// leaves return a fixed identity; every other leaf is the host's own
// answer with virtualization-sensitive bits masked.
package cpuid

// Hypervisor identification leaves, per the de facto convention shared
// by KVM, Hyper-V and Xen.
const (
	LeafHypervisorID       = 0x40000000
	LeafHypervisorFeatures = 0x40000001

	leafFeatures = 0x1
	leafPerfMon  = 0xA
)

// The signature spells "GOHVGOHVGOHV" across EBX, ECX, EDX, exactly
// like "KVMKVMKVM" does for KVM. It never depends on host hardware.
const (
	SignatureEBX = 0x5648_4F47 // "GOHV"
	SignatureECX = 0x5648_4F47
	SignatureEDX = 0x5648_4F47
)

// native executes CPUID on the host CPU. Tests swap this out to pin
// down host-independent behavior.
var native = rawCPUID

// Emulate answers a guest CPUID for the given leaf and subleaf.
func Emulate(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case LeafHypervisorID:
		return LeafHypervisorFeatures, SignatureEBX, SignatureECX, SignatureEDX
	case LeafHypervisorFeatures:
		return 0, 0, 0, 0
	case leafPerfMon:
		// No PMU is exposed: the counters would leak host activity.
		return 0, 0, 0, 0
	}

	eax, ebx, ecx, edx = native(leaf, subleaf)

	if leaf == leafFeatures {
		ecx &^= 1 << VMX
		ecx &^= 1 << X2APIC
		ecx &^= 1 << MONITOR
		ecx |= 1 << HYPERVISOR
	}

	return eax, ebx, ecx, edx
}

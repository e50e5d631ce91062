//go:build amd64

package cpuid

// rawCPUID executes CPUID with the given leaf/subleaf (cpuid_amd64.s).
//
//go:noescape
func rawCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

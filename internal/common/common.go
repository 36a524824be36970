package common

type CPUArch int

const (
	AMD64 CPUArch = iota
	X86
	ARM64
	Unknown
)

const (
	machineI386  = 0x14c
	machineAMD64 = 0x8664
	machineARM64 = 0xaa64
)

// ArchFromMachine maps the COFF file header Machine field to an architecture.
func ArchFromMachine(machine uint16) CPUArch {
	switch machine {
	case machineI386:
		return X86
	case machineAMD64:
		return AMD64
	case machineARM64:
		return ARM64
	}
	return Unknown
}

func ArchToString(arch CPUArch) string {
	if arch == AMD64 {
		return "AMD64"
	} else if arch == X86 {
		return "X86"
	} else if arch == ARM64 {
		return "ARM64"
	}
	return "UNKNOWN"
}

func (arch CPUArch) String() string {
	return ArchToString(arch)
}

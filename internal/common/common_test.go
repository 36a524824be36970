package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArchFromMachine(t *testing.T) {
	assert.Equal(t, X86, ArchFromMachine(0x14c))
	assert.Equal(t, AMD64, ArchFromMachine(0x8664))
	assert.Equal(t, ARM64, ArchFromMachine(0xaa64))
	assert.Equal(t, Unknown, ArchFromMachine(0x1c0))
}

func TestArchString(t *testing.T) {
	assert.Equal(t, "X86", X86.String())
	assert.Equal(t, "AMD64", ArchToString(AMD64))
	assert.Equal(t, "UNKNOWN", CPUArch(99).String())
}

package restore

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbunpack/internal/common"
	"evbunpack/internal/testutil"
)

func container() []byte {
	return testutil.NewContainer(2).AddFile("hello.txt", []byte("hi"), testutil.MethodNone).Bytes()
}

func TestRestorePE(t *testing.T) {
	t.Parallel()

	for _, v := range Variants() {
		t.Run(v.String(), func(t *testing.T) {
			t.Parallel()

			packed := testutil.BuildPacked(v.String(), container())
			ctx, err := NewContext(packed.Data).WithVariant(v)
			require.NoError(t, err)
			assert.Equal(t, v, ctx.Variant())

			end, err := ctx.RestorePE()
			require.NoError(t, err)
			assert.Equal(t, testutil.OriginalSize, end)
			assert.Equal(t, []byte("MZ"), packed.Data[:2])
			assert.Equal(t, packed.Original, packed.Data[:end])
		})
	}
}

func TestWithVariantAuto(t *testing.T) {
	t.Parallel()

	for _, v := range Variants() {
		t.Run(v.String(), func(t *testing.T) {
			t.Parallel()

			packed := testutil.BuildPacked(v.String(), container())
			ctx, ok := NewContext(packed.Data).WithVariantAuto()
			require.True(t, ok)
			assert.Equal(t, v, ctx.Variant())
		})
	}
}

func TestWithVariantAutoRejects(t *testing.T) {
	t.Parallel()

	tests := map[string][]byte{
		"plain executable": testutil.BuildOriginal(testutil.DefaultOriginal()),
		"garbage":          []byte("this is not a portable executable"),
		"empty":            {},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, ok := NewContext(data).WithVariantAuto()
			assert.False(t, ok)
			assert.Nil(t, ctx)
		})
	}
}

func TestWithVariantMismatch(t *testing.T) {
	t.Parallel()

	packed := testutil.BuildPacked("10_70", container())
	for _, v := range []Variant{V9_70, V7_80, Variant(42)} {
		_, err := NewContext(packed.Data).WithVariant(v)
		assert.ErrorIs(t, err, ErrVariantMismatch, v.String())
	}
}

func TestRestorePEIdempotent(t *testing.T) {
	t.Parallel()

	for _, v := range Variants() {
		t.Run(v.String(), func(t *testing.T) {
			t.Parallel()

			packed := testutil.BuildPacked(v.String(), container())
			ctx, err := NewContext(packed.Data).WithVariant(v)
			require.NoError(t, err)

			end, err := ctx.RestorePE()
			require.NoError(t, err)
			first := bytes.Clone(packed.Data)

			again, err := ctx.RestorePE()
			require.NoError(t, err)
			assert.Equal(t, end, again)
			assert.True(t, bytes.Equal(first, packed.Data), "second restoration changed the buffer")
		})
	}
}

func TestRestoredImageIsNotPacked(t *testing.T) {
	t.Parallel()

	packed := testutil.BuildPacked("7_80", container())
	ctx, err := NewContext(packed.Data).WithVariant(V7_80)
	require.NoError(t, err)
	end, err := ctx.RestorePE()
	require.NoError(t, err)

	_, ok := NewContext(packed.Data[:end]).WithVariantAuto()
	assert.False(t, ok)
}

func TestRestorePEErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		variant string
		corrupt func(p testutil.Packed)
	}{
		{"checksum", "10_70", func(p testutil.Packed) {
			p.Data[p.HeaderCopyOffset+0x300] ^= 0xff
		}},
		{"checksum 9_70", "9_70", func(p testutil.Packed) {
			p.Data[p.HeaderCopyOffset+0x80] ^= 0x01
		}},
		{"size below dos header", "10_70", func(p testutil.Packed) {
			binary.LittleEndian.PutUint32(p.Data[p.BlockOffset+0x08:], 0x20)
		}},
		{"size beyond section", "7_80", func(p testutil.Packed) {
			binary.LittleEndian.PutUint32(p.Data[p.BlockOffset+0x04:], 0x10000)
		}},
		{"no dos signature", "7_80", func(p testutil.Packed) {
			p.Data[p.HeaderCopyOffset] = 'X'
		}},
		{"short optional header", "7_80", func(p testutil.Packed) {
			// SizeOfOptionalHeader ends the optional header before the data directories
			binary.LittleEndian.PutUint16(p.Data[p.HeaderCopyOffset+0x80+4+16:], 96)
		}},
		{"bad lfanew", "7_80", func(p testutil.Packed) {
			binary.LittleEndian.PutUint32(p.Data[p.HeaderCopyOffset+0x3c:], 0x3f0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			packed := testutil.BuildPacked(tt.variant, container())
			tt.corrupt(packed)
			before := bytes.Clone(packed.Data[:testutil.HeaderSize])

			v, err := ParseVariant(tt.variant)
			require.NoError(t, err)
			ctx, err := NewContext(packed.Data).WithVariant(v)
			require.NoError(t, err)

			_, err = ctx.RestorePE()
			assert.ErrorIs(t, err, ErrRestore)
			assert.Equal(t, before, packed.Data[:testutil.HeaderSize], "failed restoration modified the header")
		})
	}
}

func TestRestorePEUnbound(t *testing.T) {
	t.Parallel()

	packed := testutil.BuildPacked("10_70", container())
	_, err := NewContext(packed.Data).RestorePE()
	assert.ErrorIs(t, err, ErrRestore)
}

func TestReport(t *testing.T) {
	t.Parallel()

	packed := testutil.BuildPacked("9_70", container())
	ctx, ok := NewContext(packed.Data).WithVariantAuto()
	require.True(t, ok)

	report := ctx.Report()
	assert.Equal(t, V9_70, report.Variant)
	assert.Equal(t, packed.BlockOffset, report.BlockOffset)
	assert.Equal(t, common.X86, report.Arch)
	assert.Equal(t, uint32(testutil.OriginalEntryPoint), report.EntryPoint)
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	original := testutil.BuildOriginal(testutil.DefaultOriginal())
	h, err := parseHeaders(original[:testutil.HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, uint16(optionalMagic32), h.magic)
	assert.Equal(t, uint32(16), h.dirCount)
	assert.Equal(t, 2, h.numSections)

	at, err := h.offset(target{directory: dirImport, size: true})
	require.NoError(t, err)
	assert.Equal(t, h.directories+dirImport*8+4, at)

	short := bytes.Clone(original[:testutil.HeaderSize])
	binary.LittleEndian.PutUint16(short[0x80+4+16:], 96)
	h, err = parseHeaders(short)
	require.NoError(t, err)
	_, err = h.offset(target{directory: dirImport})
	assert.ErrorIs(t, err, ErrRestore)
	_, err = h.offset(target{directory: -1})
	assert.NoError(t, err)

	truncated := bytes.Clone(original[:testutil.HeaderSize])
	binary.LittleEndian.PutUint16(truncated[0x80+4+2:], 40)
	_, err = parseHeaders(truncated)
	assert.ErrorIs(t, err, ErrRestore)
}

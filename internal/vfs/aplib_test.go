package vfs

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbunpack/internal/testutil"
)

func TestDepackAPLibRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	random := make([]byte, 3000)
	rng.Read(random)

	// long runs far apart push offsets past the 1280 and 32000 thresholds
	far := append(bytes.Repeat([]byte("0123456789"), 20), make([]byte, 33000)...)
	far = append(far, bytes.Repeat([]byte("0123456789"), 20)...)

	tests := map[string][]byte{
		"single byte":  {0x42},
		"zeros":        make([]byte, 512),
		"text":         sampleContent(),
		"random":       random,
		"short repeat": []byte("abababababcabcabcabcd"),
		"far matches":  far,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			packed := testutil.CompressAPLib(input)
			got, err := DepackAPLib(packed, len(input))
			require.NoError(t, err)
			assert.Equal(t, input, got)
		})
	}
}

func TestDepackAPLibEmpty(t *testing.T) {
	t.Parallel()

	got, err := DepackAPLib(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = DepackAPLib(nil, 4)
	assert.ErrorIs(t, err, errAPLibTruncated)
}

func TestDepackAPLibTruncated(t *testing.T) {
	t.Parallel()

	packed := testutil.CompressAPLib(sampleContent())
	_, err := DepackAPLib(packed[:len(packed)/2], len(sampleContent()))
	assert.ErrorIs(t, err, errAPLibTruncated)
}

func TestDepackAPLibOverflow(t *testing.T) {
	t.Parallel()

	packed := testutil.CompressAPLib(bytes.Repeat([]byte{'A'}, 64))
	_, err := DepackAPLib(packed, 4)
	assert.ErrorIs(t, err, errAPLibOverflow)
}

func TestDepackAPLibBadReference(t *testing.T) {
	t.Parallel()

	// 'A', then a 7 bit match five bytes back with one byte of output
	_, err := DepackAPLib([]byte{0x41, 0xc0, 0x0a}, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "back reference")
}

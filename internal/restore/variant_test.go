package restore

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Variant
	}{
		{"10_70", V10_70},
		{"1070", V10_70},
		{"v10.70", V10_70},
		{"9_70", V9_70},
		{" 9.70 ", V9_70},
		{"7_80", V7_80},
		{"V780", V7_80},
	}
	for _, tt := range tests {
		got, err := ParseVariant(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"", "auto", "7_81", "11_00", "latest"} {
		_, err := ParseVariant(in)
		assert.Error(t, err, in)
	}
}

func TestVariantString(t *testing.T) {
	t.Parallel()

	for _, v := range Variants() {
		parsed, err := ParseVariant(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
	assert.Equal(t, "auto", Variant(0).String())
	assert.Equal(t, "UNKNOWN", Variant(42).String())
	assert.Equal(t, []Variant{V10_70, V9_70, V7_80}, Variants())
}

func TestVariantFlag(t *testing.T) {
	t.Parallel()

	var v Variant
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Var(&v, "variant", "")

	require.NoError(t, fs.Parse([]string{"--variant", "9.70"}))
	assert.Equal(t, V9_70, v)
	assert.Equal(t, "variant", v.Type())

	require.NoError(t, v.Set("AUTO"))
	assert.Equal(t, Variant(0), v)

	assert.Error(t, v.Set("8_00"))
}

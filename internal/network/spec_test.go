package network

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec_Dropout(t *testing.T) {
	l, err := ParseSpec("Dr0.5", 16)
	require.NoError(t, err)
	d, ok := l.(*DropoutLayer)
	require.True(t, ok)
	assert.Equal(t, float32(0.5), d.Rate())
	assert.Equal(t, 16, d.NumInputs())
}

func TestParseSpec_RoundTrip(t *testing.T) {
	for _, rate := range []float32{0, 0.1, 0.25, 1e-5, 1.0 / 3.0, 0.999999} {
		l, err := NewDropoutLayer("d", 3, rate)
		require.NoError(t, err)

		parsed, err := ParseSpec(l.Spec(), 3)
		require.NoError(t, err, l.Spec())
		assert.Equal(t, math.Float32bits(rate), math.Float32bits(parsed.(*DropoutLayer).Rate()), l.Spec())
		assert.Equal(t, l.Spec(), parsed.Spec())
	}
}

func TestParseSpec_Series(t *testing.T) {
	l, err := ParseSpec(" [Dr0.5 Dr0.25 [Dr0.1]] ", 8)
	require.NoError(t, err)
	s, ok := l.(*Series)
	require.True(t, ok)
	assert.Equal(t, "[Dr0.5Dr0.25[Dr0.1]]", s.Spec())
	require.Len(t, s.Layers(), 3)
	assert.Equal(t, "dropout0", s.Layers()[0].Name())
	assert.Equal(t, "dropout1", s.Layers()[1].Name())
	assert.Equal(t, 8, s.NumOutputs())

	again, err := ParseSpec(s.Spec(), 8)
	require.NoError(t, err)
	assert.Equal(t, s.Spec(), again.Spec())
}

func TestParseSpec_Invalid(t *testing.T) {
	for _, spec := range []string{"", "Dr", "Dr1.5", "Dr-0.1", "Lfx96", "[Dr0.5", "[]", "Dr0.5 junk", "Dr0.5]"} {
		_, err := ParseSpec(spec, 4)
		assert.ErrorIs(t, err, ErrInvalidSpec, "spec %q", spec)
	}
}

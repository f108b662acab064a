package network

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-dropout/internal/device"
)

func newTestSeries(t *testing.T) (*Series, *DropoutLayer, *DropoutLayer) {
	t.Helper()
	d1, err := NewDropoutLayer("d1", 6, 0.5, WithSeed(1))
	require.NoError(t, err)
	d2, err := NewDropoutLayer("d2", 6, 0.2, WithSeed(2))
	require.NoError(t, err)
	s, err := NewSeries("stack", d1, d2)
	require.NoError(t, err)
	return s, d1, d2
}

func TestSeries_ForwardBackward(t *testing.T) {
	backend := device.NewCPUBackend()

	for _, scratch := range []*Scratch{nil, NewScratch(backend)} {
		s, _, _ := newTestSeries(t)
		in := filledIO(backend, 9, 6, func(t, d int) float32 { return 1 })
		out := &IO{}

		p, err := s.Forward(false, in, nil, scratch, out)
		require.NoError(t, err)
		passes := p.(*SeriesPass).Passes()
		require.Len(t, passes, 2)

		m1 := passes[0].(*DropoutPass).Mask().ToHost()
		m2 := passes[1].(*DropoutPass).Mask().ToHost()
		outData := out.ToHost()
		for i := range outData {
			want := m1[i] * m2[i] * 2.5
			assert.InDelta(t, want, outData[i], 1e-5, "index %d", i)
		}

		gradOut := &IO{}
		require.NoError(t, s.Backward(false, p, filledIO(backend, 9, 6, func(t, d int) float32 { return 1 }), scratch, gradOut))
		for i, g := range gradOut.ToHost() {
			assert.Equal(t, m1[i]*m2[i], g, "index %d", i)
		}
	}
}

func TestSeries_RejectsForeignPass(t *testing.T) {
	backend := device.NewCPUBackend()
	s, d1, _ := newTestSeries(t)

	p, err := d1.Forward(false, NewIO(backend, 2, 6), nil, nil, &IO{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Backward(false, p, NewIO(backend, 2, 6), nil, &IO{}), ErrNoForwardPass)
	assert.ErrorIs(t, s.Backward(false, nil, NewIO(backend, 2, 6), nil, &IO{}), ErrNoForwardPass)
}

func TestSeries_ChildErrorsAreWrapped(t *testing.T) {
	backend := device.NewCPUBackend()
	s, _, _ := newTestSeries(t)

	_, err := s.Forward(false, NewIO(backend, 2, 5), nil, nil, &IO{})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "d1")
}

func TestNewSeries_Validation(t *testing.T) {
	_, err := NewSeries("empty")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	a, err := NewDropoutLayer("a", 4, 0.1)
	require.NoError(t, err)
	b, err := NewDropoutLayer("b", 5, 0.1)
	require.NoError(t, err)
	_, err = NewSeries("mismatch", a, b)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSeries_SpecAndDescribe(t *testing.T) {
	s, _, _ := newTestSeries(t)
	assert.Equal(t, "[Dr0.5Dr0.2]", s.Spec())
	assert.Contains(t, s.DebugDescribe(), "2 layers")
	s.DebugWeights()
}

func TestSeries_SerializeRoundTrip(t *testing.T) {
	s, _, _ := newTestSeries(t)
	inner, err := NewSeries("inner", s)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, inner.Serialize(&buf))

	got, err := ReadLayer(&buf)
	require.NoError(t, err)
	restored, ok := got.(*Series)
	require.True(t, ok)
	assert.Equal(t, inner.Spec(), restored.Spec())
	assert.Equal(t, "inner", restored.Name())
	assert.Equal(t, 6, restored.NumInputs())
	require.Len(t, restored.Layers(), 1)
	assert.Len(t, restored.Layers()[0].(*Series).Layers(), 2)
}

func TestSeries_DeserializeTruncated(t *testing.T) {
	s, _, _ := newTestSeries(t)
	var buf bytes.Buffer
	require.NoError(t, s.Serialize(&buf))
	full := buf.Bytes()

	for n := 0; n < len(full); n++ {
		target, _, _ := newTestSeries(t)
		target.name = "untouched"
		assert.Error(t, target.Deserialize(bytes.NewReader(full[:n])), "prefix %d", n)
		assert.Equal(t, "untouched", target.Name())
		assert.Len(t, target.Layers(), 2)
	}
}

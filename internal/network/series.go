package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxSeriesLayers = 1 << 16

func init() {
	register(TypeSeries, func() readable { return &Series{base: newBase(TypeSeries, "", 0, 0)} })
}

// Series runs its layers in order, feeding each output to the next input.
type Series struct {
	base
	layers []Layer
}

// SeriesPass holds the pass of every child, in forward order.
type SeriesPass struct {
	series *Series
	passes []Pass
}

func (p *SeriesPass) Layer() Layer { return p.series }

// Passes returns the child passes in forward order.
func (p *SeriesPass) Passes() []Pass { return p.passes }

// NewSeries chains layers. Each layer's input width must equal the previous
// layer's output width.
func NewSeries(name string, layers ...Layer) (*Series, error) {
	if err := checkChain(layers); err != nil {
		return nil, err
	}
	s := &Series{
		base:   newBase(TypeSeries, name, layers[0].NumInputs(), layers[len(layers)-1].NumOutputs()),
		layers: layers,
	}
	return s, nil
}

func checkChain(layers []Layer) error {
	if len(layers) == 0 {
		return fmt.Errorf("%w: empty series", ErrInvalidConfig)
	}
	for i := 1; i < len(layers); i++ {
		if layers[i].NumInputs() != layers[i-1].NumOutputs() {
			return fmt.Errorf("%w: layer %d (%s) takes %d inputs, previous layer produces %d",
				ErrInvalidConfig, i, layers[i].Name(), layers[i].NumInputs(), layers[i-1].NumOutputs())
		}
	}
	return nil
}

func (s *Series) Layers() []Layer { return s.layers }

func (s *Series) Spec() string {
	var b strings.Builder
	b.WriteByte('[')
	for _, l := range s.layers {
		b.WriteString(l.Spec())
	}
	b.WriteByte(']')
	return b.String()
}

func (s *Series) DebugDescribe() string {
	return fmt.Sprintf("Series %q with %d layers: %s", s.name, len(s.layers), s.Spec())
}

// DebugWeights logs every child's description.
func (s *Series) DebugWeights() {
	for i, l := range s.layers {
		log.Info().Str("series", s.name).Int("index", i).Str("layer", l.Name()).Msg(l.DebugDescribe())
	}
}

// Forward threads in through every layer. Intermediates come from scratch
// when one is supplied and go back to it once the chain completes, so child
// passes must not keep references to their inputs.
func (s *Series) Forward(debug bool, in *IO, transposed *TransposedArray, scratch *Scratch, out *IO) (Pass, error) {
	if in == nil || out == nil {
		return nil, ErrNilTensor
	}
	pass := &SeriesPass{series: s, passes: make([]Pass, len(s.layers))}
	var borrowed []*IO
	defer func() {
		for _, b := range borrowed {
			scratch.Release(b)
		}
	}()

	cur := in
	for i, l := range s.layers {
		next := out
		if i < len(s.layers)-1 {
			if scratch != nil {
				next = scratch.Get(cur.Width(), l.NumOutputs())
				borrowed = append(borrowed, next)
			} else {
				next = &IO{}
			}
		}
		tr := transposed
		if i > 0 {
			tr = nil
		}
		p, err := l.Forward(debug, cur, tr, scratch, next)
		if err != nil {
			return nil, fmt.Errorf("series %q layer %d (%s) forward: %w", s.name, i, l.Name(), err)
		}
		pass.passes[i] = p
		cur = next
	}
	return pass, nil
}

// Backward walks the children in reverse, each consuming its own pass.
func (s *Series) Backward(debug bool, p Pass, gradIn *IO, scratch *Scratch, gradOut *IO) error {
	pass, ok := p.(*SeriesPass)
	if !ok || pass == nil || pass.series != s || len(pass.passes) != len(s.layers) {
		return ErrNoForwardPass
	}
	if gradIn == nil || gradOut == nil {
		return ErrNilTensor
	}
	var borrowed []*IO
	defer func() {
		for _, b := range borrowed {
			scratch.Release(b)
		}
	}()

	cur := gradIn
	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		next := gradOut
		if i > 0 {
			if scratch != nil {
				next = scratch.Get(cur.Width(), l.NumInputs())
				borrowed = append(borrowed, next)
			} else {
				next = &IO{}
			}
		}
		if err := l.Backward(debug, pass.passes[i], cur, scratch, next); err != nil {
			return fmt.Errorf("series %q layer %d (%s) backward: %w", s.name, i, l.Name(), err)
		}
		cur = next
	}
	return nil
}

// Serialize writes the series header, the layer count, then every child
// with its own header.
func (s *Series) Serialize(w io.Writer) error {
	if err := WriteHeader(w, s.header()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s.layers))); err != nil {
		return fmt.Errorf("write series size: %w", err)
	}
	for i, l := range s.layers {
		if err := l.Serialize(w); err != nil {
			return fmt.Errorf("write series layer %d: %w", i, err)
		}
	}
	return nil
}

func (s *Series) Deserialize(r io.Reader) error {
	h, err := ReadHeader(r)
	if err != nil {
		return err
	}
	return s.readBody(h, r)
}

func (s *Series) readBody(h Header, r io.Reader) error {
	if h.Type != TypeSeries {
		return fmt.Errorf("%w: expected %s header, got %s", ErrCorrupt, TypeSeries, h.Type)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read series size: %w", truncated(err))
	}
	if n == 0 || n > maxSeriesLayers {
		return fmt.Errorf("%w: series of %d layers", ErrCorrupt, n)
	}
	layers := make([]Layer, 0, n)
	for i := uint32(0); i < n; i++ {
		l, err := ReadLayer(r)
		if err != nil {
			return fmt.Errorf("read series layer %d: %w", i, err)
		}
		layers = append(layers, l)
	}
	if err := checkChain(layers); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int(h.NumInputs) != layers[0].NumInputs() || int(h.NumOutputs) != layers[len(layers)-1].NumOutputs() {
		return fmt.Errorf("%w: series header %d -> %d disagrees with its layers", ErrCorrupt, h.NumInputs, h.NumOutputs)
	}

	s.setHeader(h)
	s.layers = layers
	return nil
}

var _ Layer = (*Series)(nil)

// Package network implements the layer contract of a trainable sequence
// network and the layers that plug into it.
//
// Every layer variant satisfies Layer. Forward returns a Pass, the
// forward-pass context the same layer needs again in Backward, so nothing
// from one step is hidden in the layer between calls. Layers persist as a
// shared Header followed by variant specific fields.
package network

import (
	"io"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Type tags a layer variant. Its String form is what gets persisted.
type Type uint8

const (
	TypeNone Type = iota
	TypeSeries
	TypeDropout
)

var typeNames = map[Type]string{
	TypeNone:    "Invalid",
	TypeSeries:  "Series",
	TypeDropout: "Dropout",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return typeNames[TypeNone]
}

func parseType(s string) (Type, bool) {
	for t, name := range typeNames {
		if name == s && t != TypeNone {
			return t, true
		}
	}
	return TypeNone, false
}

// TrainingState mirrors the host's training flag stored in every header.
type TrainingState uint8

const (
	TrainingDisabled TrainingState = iota
	TrainingEnabled
	TrainingPerm
)

// Layer is the capability set every network layer implements.
type Layer interface {
	Type() Type
	Name() string
	NumInputs() int
	NumOutputs() int

	// Spec returns the layer's token in a topology string.
	Spec() string

	// DebugDescribe returns a human readable summary. It has no side effects.
	DebugDescribe() string

	// Forward computes out from in. transposed and scratch are host
	// resources a layer may ignore.
	Forward(debug bool, in *IO, transposed *TransposedArray, scratch *Scratch, out *IO) (Pass, error)

	// Backward computes gradOut from gradIn using the Pass returned by this
	// layer's Forward for the same step.
	Backward(debug bool, pass Pass, gradIn *IO, scratch *Scratch, gradOut *IO) error

	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// Pass is the context one Forward call hands to the matching Backward.
type Pass interface {
	// Layer returns the layer that produced the pass.
	Layer() Layer
}

// readable is implemented by registered variants so ReadLayer can finish a
// read once it has consumed the header.
type readable interface {
	Layer
	readBody(h Header, r io.Reader) error
}

// Factory builds an empty layer of one variant, ready to be read into.
type Factory func() readable

var registry = map[Type]Factory{}

func register(t Type, f Factory) {
	registry[t] = f
}

// base carries the header fields shared by all variants.
type base struct {
	typ      Type
	name     string
	ni       int
	no       int
	training TrainingState
	flags    uint32

	numWeights int32
}

func newBase(t Type, name string, ni, no int) base {
	return base{typ: t, name: cleanName(name), ni: ni, no: no, training: TrainingEnabled}
}

func (b *base) Type() Type      { return b.typ }
func (b *base) Name() string    { return b.name }
func (b *base) NumInputs() int  { return b.ni }
func (b *base) NumOutputs() int { return b.no }

// SetTraining updates the persisted training flag.
func (b *base) SetTraining(s TrainingState) { b.training = s }

func (b *base) Training() TrainingState { return b.training }

func (b *base) header() Header {
	return Header{
		Type:       b.typ,
		Training:   b.training,
		Flags:      b.flags,
		NumInputs:  int32(b.ni),
		NumOutputs: int32(b.no),
		NumWeights: b.numWeights,
		Name:       b.name,
	}
}

func (b *base) setHeader(h Header) {
	b.typ = h.Type
	b.training = h.Training
	b.flags = h.Flags
	b.ni = int(h.NumInputs)
	b.no = int(h.NumOutputs)
	b.numWeights = h.NumWeights
	b.name = h.Name
}

// cleanName NFC-normalizes a layer name and strips control characters so
// names survive the topology printer and the persisted header intact.
func cleanName(s string) string {
	t := transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

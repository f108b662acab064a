package network

import (
	"github.com/23skdu/longbow-dropout/internal/device"
)

// IO is a feature tensor flowing between layers: Width time steps, each a
// vector of NumFeatures values. Rows of the backing tensor are time steps.
type IO struct {
	backend device.Backend
	t       device.Tensor
}

// NewIO allocates a zeroed width x numFeatures feature tensor.
func NewIO(b device.Backend, width, numFeatures int) *IO {
	return &IO{backend: b, t: b.NewTensor(width, numFeatures, nil)}
}

// NewIOFromData wraps a copy of data (row-major, width*numFeatures values).
func NewIOFromData(b device.Backend, width, numFeatures int, data []float32) *IO {
	return &IO{backend: b, t: b.NewTensor(width, numFeatures, data)}
}

func (f *IO) Width() int {
	if f.t == nil {
		return 0
	}
	r, _ := f.t.Dims()
	return r
}

func (f *IO) NumFeatures() int {
	if f.t == nil {
		return 0
	}
	_, c := f.t.Dims()
	return c
}

func (f *IO) Tensor() device.Tensor { return f.t }

// Resize makes f a like.Width() x numFeatures tensor, reusing the current
// buffer when it already has that shape. An empty IO adopts like's backend.
func (f *IO) Resize(like *IO, numFeatures int) {
	if f.backend == nil {
		f.backend = like.backend
	}
	width := like.Width()
	if f.t != nil && f.Width() == width && f.NumFeatures() == numFeatures && f.t.Data() != nil {
		return
	}
	f.t = f.backend.NewTensor(width, numFeatures, nil)
}

// CopyAll copies src into f. Shapes must already match.
func (f *IO) CopyAll(src *IO) {
	f.t.Copy(src.t)
}

// SameShape reports whether f and o have identical dimensions.
func (f *IO) SameShape(o *IO) bool {
	return f.Width() == o.Width() && f.NumFeatures() == o.NumFeatures()
}

// ToHost waits for the backend to finish queued work and returns a
// row-major copy of the values.
func (f *IO) ToHost() []float32 {
	if f.t == nil {
		return nil
	}
	if f.backend != nil {
		f.backend.Synchronize()
	}
	return f.t.ToHost()
}

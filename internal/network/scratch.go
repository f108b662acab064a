package network

import (
	"github.com/23skdu/longbow-dropout/internal/device"
)

// Scratch is a host-provided arena of temporary feature tensors backed by
// the device pool. Layers that need intermediates borrow from it; dropout
// does not.
type Scratch struct {
	backend device.Backend
}

func NewScratch(b device.Backend) *Scratch {
	return &Scratch{backend: b}
}

// Get borrows a zeroed width x numFeatures tensor.
func (s *Scratch) Get(width, numFeatures int) *IO {
	return &IO{backend: s.backend, t: s.backend.GetTensor(width, numFeatures)}
}

// Release returns a borrowed tensor. f must not be used afterwards.
func (s *Scratch) Release(f *IO) {
	if f == nil || f.t == nil {
		return
	}
	s.backend.PutTensor(f.t)
	f.t = nil
}

// TransposedArray is an optional feature-major view of a layer input that
// some hosts precompute for weight-gradient layers.
type TransposedArray struct {
	t device.Tensor
}

// Transpose builds a view of in with features as rows. No data is copied.
func Transpose(in *IO) *TransposedArray {
	return &TransposedArray{t: in.Tensor().T()}
}

func (ta *TransposedArray) Dims() (int, int) { return ta.t.Dims() }

func (ta *TransposedArray) At(i, j int) float32 { return ta.t.At(i, j) }

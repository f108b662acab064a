package device

import (
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	if r < 0 || c < 0 {
		panic("NewTensor: negative dimensions")
	}
	if c != 0 && r > math.MaxInt/c {
		panic("NewTensor: dimensions overflow int")
	}
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		poolMisses.WithLabelValues(b.Name()).Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.WithLabelValues(b.Name()).Inc()
		ct.data = ct.data[:size]
		clear(ct.data)
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.trans {
		// Foreign tensors and transposed views share storage we don't own.
		return
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not yet supported directly")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		if len(t.data) == 0 {
			return
		}
		blas32.Copy(vec(ft.data), vec(t.data))
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, ft.At(i, j))
		}
	}
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

// Scale is layout independent, so transposed views scale the shared storage directly.
func (t *CPUTensor) Scale(val float32) {
	if len(t.data) == 0 {
		return
	}
	blas32.Scal(val, vec(t.data))
}

func (t *CPUTensor) ApplyMask(mask Tensor) {
	mt, ok := mask.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend ApplyMask not supported")
	}

	tr, tc := t.Dims()
	mr, mc := mt.Dims()
	if tr != mr || tc != mc {
		log.Panicf("ApplyMask: dimension mismatch. Target: %dx%d, Mask: %dx%d", tr, tc, mr, mc)
	}

	if !t.trans && !mt.trans {
		for i, m := range mt.data {
			if m == 0 {
				t.data[i] = 0
			} else {
				t.data[i] *= m
			}
		}
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			if m := mt.At(i, j); m == 0 {
				t.Set(i, j, 0)
			} else {
				t.Set(i, j, t.At(i, j)*m)
			}
		}
	}
}

func (t *CPUTensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

func (t *CPUTensor) CountZeros() int {
	n := 0
	for _, v := range t.data {
		if v == 0 {
			n++
		}
	}
	return n
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

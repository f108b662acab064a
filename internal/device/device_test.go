package device

import (
	"math"
	"testing"
)

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Copy", func(t *testing.T) {
		a := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
		b := backend.NewTensor(2, 3, nil)

		b.Copy(a)

		expected := []float32{1, 2, 3, 4, 5, 6}
		data := b.ToHost()
		for i, v := range expected {
			if data[i] != v {
				t.Errorf("Copy mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("CopyTransposed", func(t *testing.T) {
		a := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
		b := backend.NewTensor(3, 2, nil)

		b.Copy(a.T())

		// a^T = [[1,4],[2,5],[3,6]]
		expected := []float32{1, 4, 2, 5, 3, 6}
		data := b.ToHost()
		for i, v := range expected {
			if data[i] != v {
				t.Errorf("Copy(T) mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("Scale", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		a.Scale(2.0)

		expected := []float32{2, 4, 6, 8}
		data := a.ToHost()
		for i, v := range expected {
			if math.Abs(float64(data[i]-v)) > 1e-6 {
				t.Errorf("Scale mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
	})

	t.Run("ApplyMask", func(t *testing.T) {
		a := backend.NewTensor(2, 3, []float32{1, -2, 3, float32(math.NaN()), 5, 6})
		mask := backend.NewTensor(2, 3, []float32{1, 0, 1, 0, 1, 1})

		a.ApplyMask(mask)

		// Dropped positions are exact zeros even when the input is NaN.
		expected := []float32{1, 0, 3, 0, 5, 6}
		data := a.ToHost()
		for i, v := range expected {
			if data[i] != v {
				t.Errorf("ApplyMask mismatch at %d: got %f, want %f", i, data[i], v)
			}
		}
		if n := a.CountZeros(); n != 2 {
			t.Errorf("CountZeros = %d, want 2", n)
		}
	})

	t.Run("Fill", func(t *testing.T) {
		a := backend.NewTensor(3, 1, nil)
		a.Fill(7)
		for i, v := range a.ToHost() {
			if v != 7 {
				t.Errorf("Fill mismatch at %d: got %f", i, v)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		a := backend.NewTensor(0, 4, nil)
		b := backend.NewTensor(0, 4, nil)
		b.Copy(a)
		b.Scale(3)
		if r, c := b.Dims(); r != 0 || c != 4 {
			t.Errorf("Dims = %dx%d, want 0x4", r, c)
		}
	})

	t.Run("Pooling", func(t *testing.T) {
		t1 := backend.GetTensor(10, 10)
		t1.Set(0, 0, 123)
		backend.PutTensor(t1)

		t2 := backend.GetTensor(10, 10)
		// Should overwrite t1's memory, verify it is zeroed
		if val := t2.At(0, 0); val != 0 {
			t.Errorf("Pooled tensor not zeroed: got %f", val)
		}
	})
}

package device

// Tensor is a 2-D float32 buffer. Network layers treat rows as time steps
// and columns as features.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if it is contiguous in logical order (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice (float32).
	ToHost() []float32

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// T returns the transpose view.
	T() Tensor

	// Scale performs: t = t * val
	Scale(val float32)

	// ApplyMask zeroes every position where mask is 0 and multiplies the
	// rest by the mask value. Shapes must match.
	ApplyMask(mask Tensor)

	// Fill sets every element to v.
	Fill(v float32)

	// CountZeros returns the number of elements equal to 0.
	CountZeros() int
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

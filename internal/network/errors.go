package network

import "errors"

var (
	ErrInvalidConfig      = errors.New("invalid layer configuration")
	ErrNoForwardPass      = errors.New("backward called without a matching forward pass")
	ErrShapeMismatch      = errors.New("tensor shape mismatch")
	ErrNilTensor          = errors.New("nil tensor")
	ErrUnknownLayerType   = errors.New("unknown layer type")
	ErrInvalidSpec        = errors.New("invalid topology spec")
	ErrCorrupt            = errors.New("corrupt layer stream")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
)

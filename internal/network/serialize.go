package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const maxStringLen = 1 << 20

// Header is the base-layer state written ahead of every layer's own fields.
type Header struct {
	Type       Type
	Training   TrainingState
	Flags      uint32
	NumInputs  int32
	NumOutputs int32
	NumWeights int32
	Name       string
}

// WriteHeader writes h in the fixed order: type name, training state,
// flags, ni, no, weight count, layer name. Integers are little-endian.
func WriteHeader(w io.Writer, h Header) error {
	if err := writeString(w, h.Type.String(), 1); err != nil {
		return fmt.Errorf("write layer type: %w", err)
	}
	fixed := struct {
		Training   uint8
		Flags      uint32
		NumInputs  int32
		NumOutputs int32
		NumWeights int32
	}{uint8(h.Training), h.Flags, h.NumInputs, h.NumOutputs, h.NumWeights}
	if err := binary.Write(w, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("write layer header: %w", err)
	}
	if err := writeString(w, h.Name, 4); err != nil {
		return fmt.Errorf("write layer name: %w", err)
	}
	return nil
}

// ReadHeader reads a header written by WriteHeader.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	typeName, err := readString(r, 1)
	if err != nil {
		return h, fmt.Errorf("read layer type: %w", err)
	}
	t, ok := parseType(typeName)
	if !ok {
		return h, fmt.Errorf("%w: %q", ErrUnknownLayerType, typeName)
	}
	var fixed struct {
		Training   uint8
		Flags      uint32
		NumInputs  int32
		NumOutputs int32
		NumWeights int32
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return h, fmt.Errorf("read layer header: %w", truncated(err))
	}
	if fixed.NumInputs < 0 || fixed.NumOutputs < 0 || fixed.NumWeights < 0 {
		return h, fmt.Errorf("%w: negative dimensions in header", ErrCorrupt)
	}
	if TrainingState(fixed.Training) > TrainingPerm {
		return h, fmt.Errorf("%w: training state %d", ErrCorrupt, fixed.Training)
	}
	name, err := readString(r, 4)
	if err != nil {
		return h, fmt.Errorf("read layer name: %w", err)
	}
	h = Header{
		Type:       t,
		Training:   TrainingState(fixed.Training),
		Flags:      fixed.Flags,
		NumInputs:  fixed.NumInputs,
		NumOutputs: fixed.NumOutputs,
		NumWeights: fixed.NumWeights,
		Name:       name,
	}
	return h, nil
}

// ReadLayer reads one serialized layer of any registered variant.
func ReadLayer(r io.Reader) (Layer, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	factory, ok := registry[h.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayerType, h.Type)
	}
	l := factory()
	if err := l.readBody(h, r); err != nil {
		return nil, fmt.Errorf("read %s layer %q: %w", h.Type, h.Name, err)
	}
	return l, nil
}

func writeFloat32(w io.Writer, v float32) error {
	return binary.Write(w, binary.LittleEndian, math.Float32bits(v))
}

func readFloat32(r io.Reader) (float32, error) {
	var bits uint32
	if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
		return 0, truncated(err)
	}
	return math.Float32frombits(bits), nil
}

// writeString writes a length prefix of prefixLen bytes (1 or 4) then s.
func writeString(w io.Writer, s string, prefixLen int) error {
	switch prefixLen {
	case 1:
		if len(s) > math.MaxUint8 {
			return fmt.Errorf("string too long: %d bytes", len(s))
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(len(s))); err != nil {
			return err
		}
	default:
		if len(s) > maxStringLen {
			return fmt.Errorf("string too long: %d bytes", len(s))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader, prefixLen int) (string, error) {
	var n uint32
	switch prefixLen {
	case 1:
		var n8 uint8
		if err := binary.Read(r, binary.LittleEndian, &n8); err != nil {
			return "", truncated(err)
		}
		n = uint32(n8)
	default:
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return "", truncated(err)
		}
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string length %d", ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", truncated(err)
	}
	return string(buf), nil
}

// truncated maps a clean EOF in the middle of a record to ErrUnexpectedEOF.
func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

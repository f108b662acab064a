package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Model file constants.
const (
	MagicBytes    = "LBDR"
	FormatVersion = 1
)

// Encode writes the file preamble followed by l.
func Encode(w io.Writer, l Layer) error {
	if _, err := io.WriteString(w, MagicBytes); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(FormatVersion)); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	return l.Serialize(w)
}

// Decode reads a layer written by Encode.
func Decode(r io.Reader) (Layer, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", truncated(err))
	}
	if string(magic) != MagicBytes {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", truncated(err))
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return ReadLayer(r)
}

// Save writes l to path. On failure nothing is left at path.
func Save(path string, l Layer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	err = Encode(bw, l)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A partial model file must not be mistaken for a good one.
		_ = os.Remove(path)
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Load reads a layer saved with Save.
func Load(path string) (Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	l, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return l, nil
}

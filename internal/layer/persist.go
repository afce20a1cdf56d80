package layer

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Parameter files are raw little-endian float32 arrays, one file per tensor:
// <name>.oolon for weights, <name>.bias.oolon for biases.

func weightFile(dir, name string) string { return filepath.Join(dir, name+".oolon") }
func biasFile(dir, name string) string   { return filepath.Join(dir, name+".bias.oolon") }

// writeTensor writes vals to path as raw little-endian float32.
func writeTensor(path string, vals []float32) error {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write parameter file: %w", err)
	}
	return nil
}

// readTensor fills vals from the raw little-endian float32 file at path.
// The file must hold exactly len(vals) elements.
func readTensor(path string, vals []float32) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read parameter file: %w", err)
	}
	if len(buf) != 4*len(vals) {
		return fmt.Errorf("parameter file %s: %d bytes, want %d", path, len(buf), 4*len(vals))
	}
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return nil
}

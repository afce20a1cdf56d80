package network

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// rateFile holds the training counters inside a checkpoint directory:
// float32 last learning rate followed by int32 iteration count, both
// little-endian.
const rateFile = "learnrate.oolon"

// Save writes a named checkpoint: every layer's parameter tensors plus the
// learning-rate/iteration counters, under dir.
func (n *Network) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("network: checkpoint dir: %w", err)
	}
	for _, l := range n.layers {
		if err := l.SaveParams(dir); err != nil {
			return err
		}
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(n.lastRate))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(n.iteration)))
	if err := os.WriteFile(filepath.Join(dir, rateFile), buf, 0o644); err != nil {
		return fmt.Errorf("network: write counters: %w", err)
	}
	return nil
}

// Load restores a checkpoint written by Save. A missing file returns an
// error wrapping fs.ErrNotExist; the caller may treat that as recoverable
// and proceed with the randomly initialized parameters.
func (n *Network) Load(dir string) error {
	for _, l := range n.layers {
		if err := l.LoadParams(dir); err != nil {
			return err
		}
	}

	buf, err := os.ReadFile(filepath.Join(dir, rateFile))
	if err != nil {
		return fmt.Errorf("network: read counters: %w", err)
	}
	if len(buf) != 8 {
		return fmt.Errorf("network: %s: %d bytes, want 8", rateFile, len(buf))
	}
	n.lastRate = math.Float32frombits(binary.LittleEndian.Uint32(buf[0:]))
	n.iteration = int(int32(binary.LittleEndian.Uint32(buf[4:])))
	return nil
}

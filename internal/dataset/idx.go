// Package dataset decodes IDX-format image and label files (the MNIST
// on-disk layout): a big-endian header followed by flat unsigned pixel or
// label bytes.
package dataset

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// IDX magic numbers.
const (
	imageMagic = 2051
	labelMagic = 2049
)

// Set is one split of a dataset: per-sample row-major pixel bytes plus one
// label byte per sample. Width and height come from the image file header.
type Set struct {
	Images [][]byte
	Labels []byte
	Rows   int
	Cols   int
}

// Len returns the number of samples.
func (s *Set) Len() int { return len(s.Images) }

// Load reads an images/labels file pair and pairs them up. The two files
// must agree on the sample count.
func Load(imagesPath, labelsPath string) (*Set, error) {
	images, rows, cols, err := readImages(imagesPath)
	if err != nil {
		return nil, err
	}
	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, fmt.Errorf("dataset: %d images but %d labels", len(images), len(labels))
	}
	return &Set{Images: images, Labels: labels, Rows: rows, Cols: cols}, nil
}

// readImages decodes an IDX image file.
//
// Layout: four big-endian uint32 fields (magic 2051, image count, row
// count, column count) followed by count*rows*cols pixel bytes.
func readImages(path string) (images [][]byte, rows, cols int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("dataset: %w", err)
	}
	defer file.Close()

	var header struct {
		Magic, Count, Rows, Cols uint32
	}
	if err := binary.Read(file, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("dataset: %s: read header: %w", path, err)
	}
	if header.Magic != imageMagic {
		return nil, 0, 0, fmt.Errorf("dataset: %s: magic %d, want %d", path, header.Magic, imageMagic)
	}

	size := int(header.Rows * header.Cols)
	images = make([][]byte, header.Count)
	for i := range images {
		images[i] = make([]byte, size)
		if _, err := io.ReadFull(file, images[i]); err != nil {
			return nil, 0, 0, fmt.Errorf("dataset: %s: image %d: %w", path, i, err)
		}
	}
	return images, int(header.Rows), int(header.Cols), nil
}

// readLabels decodes an IDX label file.
//
// Layout: magic (2049) and label count, big-endian uint32, followed by one
// byte per label.
func readLabels(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer file.Close()

	var header struct {
		Magic, Count uint32
	}
	if err := binary.Read(file, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("dataset: %s: read header: %w", path, err)
	}
	if header.Magic != labelMagic {
		return nil, fmt.Errorf("dataset: %s: magic %d, want %d", path, header.Magic, labelMagic)
	}

	labels := make([]byte, header.Count)
	if _, err := io.ReadFull(file, labels); err != nil {
		return nil, fmt.Errorf("dataset: %s: labels: %w", path, err)
	}
	return labels, nil
}

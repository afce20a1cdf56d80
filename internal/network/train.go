package network

import (
	"fmt"
	"math"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/dataset"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/layer"
)

// loadBatch normalizes and uploads the batch starting at sample offset into
// the data source. Raw pixel bytes map to [0,1] by dividing by 255; labels
// upload as float-encoded class indices.
func (n *Network) loadBatch(set *dataset.Set, offset int) error {
	batch := n.cfg.BatchSize
	sample := n.source.Out().C * n.source.Out().H * n.source.Out().W

	images := make([]float32, batch*sample)
	labels := make([]float32, batch)
	for i := 0; i < batch; i++ {
		img := set.Images[offset+i]
		if len(img) != sample {
			return fmt.Errorf("network: sample %d has %d pixels, want %d", offset+i, len(img), sample)
		}
		for j, px := range img {
			images[i*sample+j] = float32(px) / 255
		}
		labels[i] = float32(set.Labels[offset+i])
	}
	return n.source.SetBatch(images, labels)
}

// Train runs iters training iterations over set: load the next batch
// (cyclic over floor(len/batch) batches), forward, backward, advance the
// decayed learning rate, update. The iteration counter and last rate
// persist across calls and across checkpoints.
func (n *Network) Train(set *dataset.Set, iters int) error {
	if !n.assembled {
		return fmt.Errorf("network: not assembled")
	}
	batches := set.Len() / n.cfg.BatchSize
	if batches == 0 {
		return fmt.Errorf("network: %d samples cannot fill a batch of %d", set.Len(), n.cfg.BatchSize)
	}

	for it := 0; it < iters; it++ {
		if err := n.loadBatch(set, (n.iteration%batches)*n.cfg.BatchSize); err != nil {
			return err
		}
		if err := n.Forward(); err != nil {
			return err
		}
		if err := n.Backward(); err != nil {
			return err
		}

		n.iteration++
		rate := float64(n.cfg.LearningRate) *
			math.Pow(1+n.cfg.Gamma*float64(n.iteration), -n.cfg.Power)
		n.lastRate = float32(rate)

		// Gradients carry the batch sum; fold the 1/batch convention into
		// the applied step.
		if err := n.Update(n.lastRate / float32(n.cfg.BatchSize)); err != nil {
			return err
		}
	}
	return n.backend.Synchronize()
}

// Predict runs a forward-only pass on a single raw image (row-major bytes)
// and returns the argmax class of the head's output.
func (n *Network) Predict(image []byte) (int, error) {
	if !n.assembled {
		return 0, fmt.Errorf("network: not assembled")
	}
	head, ok := n.Head().(*layer.Output)
	if !ok {
		return 0, fmt.Errorf("network: head is %T, want *layer.Output", n.Head())
	}
	sample := n.source.Out().C * n.source.Out().H * n.source.Out().W
	if len(image) != sample {
		return 0, fmt.Errorf("network: image has %d pixels, want %d", len(image), sample)
	}

	// Reuse batch slot 0 for the single sample.
	pixels := make([]float32, sample)
	for j, px := range image {
		pixels[j] = float32(px) / 255
	}
	if err := n.source.SetBatch(pixels, []float32{0}); err != nil {
		return 0, err
	}
	if err := n.Forward(); err != nil {
		return 0, err
	}

	probs := make([]float32, head.Classes())
	if err := n.backend.Download(probs, head.Output()); err != nil {
		return 0, fmt.Errorf("network: head download: %w", err)
	}
	best := 0
	for c, p := range probs {
		if p > probs[best] {
			best = c
		}
	}
	return best, nil
}

// Test classifies up to samples examples of set forward-only and returns
// the error rate over those classified.
func (n *Network) Test(set *dataset.Set, samples int) (float64, error) {
	if samples <= 0 || samples > set.Len() {
		samples = set.Len()
	}
	wrong := 0
	for i := 0; i < samples; i++ {
		class, err := n.Predict(set.Images[i])
		if err != nil {
			return 0, err
		}
		if class != int(set.Labels[i]) {
			wrong++
		}
	}
	return float64(wrong) / float64(samples), nil
}

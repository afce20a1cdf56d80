// Package network orchestrates layers into a trainable computation graph.
//
// The network owns the layer arena; topology is stored as handle lists, not
// pointers inside layers. Fan-in and fan-out joins are explicit,
// order-independent reductions performed by the network before the affected
// layer's forward or backward call.
package network

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/layer"
)

// Config carries the construction-time training parameters. Batch size is
// fixed for the life of the network; a different batch size needs a second
// instance sharing parameters through a checkpoint.
type Config struct {
	BatchSize int

	// Inverse-decay learning-rate schedule:
	// rate = LearningRate * (1 + Gamma*iteration)^(-Power).
	LearningRate float32
	Gamma        float64
	Power        float64

	// Seed for parameter initialization.
	Seed int64
}

// Network owns an ordered arena of layers forming a DAG, the shared ones
// vector and workspace, and the persistent training counters.
type Network struct {
	backend device.Backend
	cfg     Config

	layers []layer.Layer
	ups    [][]int // upstream handles per layer
	downs  [][]int // downstream handles per layer

	source    *layer.DataSource
	sourceIdx int

	// Join buffers for the explicit fan-in/fan-out reductions, keyed by
	// layer handle. Allocated at assembly only where the degree exceeds one.
	joinIn   map[int]device.Buffer
	joinGrad map[int]device.Buffer

	ones      device.Buffer
	workspace device.Buffer
	assembled bool

	iteration int
	lastRate  float32
}

// New creates an empty network over the given backend.
func New(backend device.Backend, cfg Config) (*Network, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("network: invalid batch size %d", cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("network: invalid learning rate %g", cfg.LearningRate)
	}
	return &Network{
		backend:   backend,
		cfg:       cfg,
		sourceIdx: -1,
		joinIn:    make(map[int]device.Buffer),
		joinGrad:  make(map[int]device.Buffer),
		lastRate:  cfg.LearningRate,
	}, nil
}

// Backend returns the backend the network runs on.
func (n *Network) Backend() device.Backend { return n.backend }

// Iteration returns the cumulative iteration counter.
func (n *Network) Iteration() int { return n.iteration }

// LastRate returns the most recently applied learning rate.
func (n *Network) LastRate() float32 { return n.lastRate }

// Add appends l to the arena, linked to the given upstream handles, and
// returns the new layer's handle. Shape compatibility with every upstream is
// validated eagerly: the layer's per-sample input count must equal each
// upstream's per-sample output count.
func (n *Network) Add(l layer.Layer, upstreams ...int) (int, error) {
	if n.assembled {
		return 0, fmt.Errorf("network: cannot add layer %s after assembly", l.Name())
	}
	in := l.In()
	for _, u := range upstreams {
		if u < 0 || u >= len(n.layers) {
			return 0, fmt.Errorf("network: layer %s: invalid upstream handle %d", l.Name(), u)
		}
		up := n.layers[u]
		if got, want := up.Out().Count(), in.Count(); got != want {
			return 0, fmt.Errorf("network: layer %s expects %d inputs but upstream %s produces %d",
				l.Name(), want, up.Name(), got)
		}
	}
	if src, ok := l.(*layer.DataSource); ok {
		if n.source != nil {
			return 0, fmt.Errorf("network: second data source %s", l.Name())
		}
		if len(upstreams) != 0 {
			return 0, fmt.Errorf("network: data source %s cannot have upstreams", l.Name())
		}
		n.source = src
		n.sourceIdx = len(n.layers)
	} else if len(upstreams) == 0 {
		return 0, fmt.Errorf("network: layer %s has no upstreams", l.Name())
	}

	handle := len(n.layers)
	n.layers = append(n.layers, l)
	n.ups = append(n.ups, upstreams)
	n.downs = append(n.downs, nil)
	for _, u := range upstreams {
		n.downs[u] = append(n.downs[u], handle)
	}
	return handle, nil
}

// Source returns the network's data source layer.
func (n *Network) Source() *layer.DataSource { return n.source }

// Head returns the last layer added, the network's output.
func (n *Network) Head() layer.Layer {
	if len(n.layers) == 0 {
		return nil
	}
	return n.layers[len(n.layers)-1]
}

// Assemble allocates the shared resources once all layers are linked: the
// batch-length ones vector, the workspace sized to the maximum requirement
// reported by any layer, and the fan-in/fan-out join buffers.
func (n *Network) Assemble() error {
	if n.assembled {
		return fmt.Errorf("network: already assembled")
	}
	if n.source == nil {
		return fmt.Errorf("network: no data source layer")
	}

	var err error
	if n.ones, err = n.backend.Alloc(n.cfg.BatchSize); err != nil {
		return fmt.Errorf("network: ones vector: %w", err)
	}
	if err := n.backend.Fill(n.ones, n.cfg.BatchSize, 1); err != nil {
		return fmt.Errorf("network: ones fill: %w", err)
	}

	wsBytes := 0
	for _, l := range n.layers {
		wsBytes = max(wsBytes, l.WorkspaceBytes())
	}
	if wsBytes > 0 {
		if n.workspace, err = n.backend.Alloc((wsBytes + 3) / 4); err != nil {
			return fmt.Errorf("network: workspace: %w", err)
		}
	}

	for i, l := range n.layers {
		if len(n.ups[i]) > 1 {
			if n.joinIn[i], err = n.backend.Alloc(l.In().Count()); err != nil {
				return fmt.Errorf("network: fan-in buffer for %s: %w", l.Name(), err)
			}
		}
		if len(n.downs[i]) > 1 {
			if n.joinGrad[i], err = n.backend.Alloc(l.Out().Count()); err != nil {
				return fmt.Errorf("network: fan-out buffer for %s: %w", l.Name(), err)
			}
		}
		l.Attach(layer.Shared{Ones: n.ones, Workspace: n.workspace})
	}
	n.assembled = true
	return nil
}

// input resolves the forward input buffer for the layer at handle i,
// summing upstream outputs into the fan-in join buffer when needed.
func (n *Network) input(i int) (device.Buffer, error) {
	ups := n.ups[i]
	switch len(ups) {
	case 0:
		return nil, nil
	case 1:
		return n.layers[ups[0]].Output(), nil
	}
	join := n.joinIn[i]
	count := n.layers[i].In().Count()
	if err := n.backend.Copy(join, n.layers[ups[0]].Output(), count); err != nil {
		return nil, fmt.Errorf("network: fan-in copy for %s: %w", n.layers[i].Name(), err)
	}
	for _, u := range ups[1:] {
		if err := n.backend.Axpy(count, 1, n.layers[u].Output(), join); err != nil {
			return nil, fmt.Errorf("network: fan-in sum for %s: %w", n.layers[i].Name(), err)
		}
	}
	return join, nil
}

// outputGrad resolves the gradient with respect to layer i's output,
// summing every consumer's input gradient into the fan-out join buffer when
// the layer has more than one consumer. The reduction reads only buffers
// written by consumers' completed backward calls, so it is independent of
// sibling ordering.
func (n *Network) outputGrad(i int) (device.Buffer, error) {
	downs := n.downs[i]
	switch len(downs) {
	case 0:
		return nil, nil
	case 1:
		return n.layers[downs[0]].InputGrad(), nil
	}
	join := n.joinGrad[i]
	count := n.layers[i].Out().Count()
	if err := n.backend.Copy(join, n.layers[downs[0]].InputGrad(), count); err != nil {
		return nil, fmt.Errorf("network: fan-out copy for %s: %w", n.layers[i].Name(), err)
	}
	for _, d := range downs[1:] {
		if err := n.backend.Axpy(count, 1, n.layers[d].InputGrad(), join); err != nil {
			return nil, fmt.Errorf("network: fan-out sum for %s: %w", n.layers[i].Name(), err)
		}
	}
	return join, nil
}

// Forward runs a full forward pass in layer order.
func (n *Network) Forward() error {
	if !n.assembled {
		return fmt.Errorf("network: not assembled")
	}
	for i, l := range n.layers {
		x, err := n.input(i)
		if err != nil {
			return err
		}
		if err := l.Forward(x); err != nil {
			return err
		}
	}
	return nil
}

// Backward runs a full backward pass in reverse layer order, resolving each
// layer's output gradient before its backward call.
func (n *Network) Backward() error {
	if !n.assembled {
		return fmt.Errorf("network: not assembled")
	}
	for i := len(n.layers) - 1; i >= 0; i-- {
		if i == n.sourceIdx {
			continue
		}
		x, err := n.input(i)
		if err != nil {
			return err
		}
		dy, err := n.outputGrad(i)
		if err != nil {
			return err
		}
		if err := n.layers[i].Backward(x, dy); err != nil {
			return err
		}
	}
	return nil
}

// Update applies the given learning rate to every layer's parameters.
func (n *Network) Update(lr float32) error {
	for _, l := range n.layers {
		if err := l.Update(lr); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every layer and the shared resources. The network cannot
// be used afterwards.
func (n *Network) Close() error {
	var first error
	for _, l := range n.layers {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, buf := range n.joinIn {
		buf.Release()
	}
	for _, buf := range n.joinGrad {
		buf.Release()
	}
	if n.ones != nil {
		n.ones.Release()
		n.ones = nil
	}
	if n.workspace != nil {
		n.workspace.Release()
		n.workspace = nil
	}
	n.layers = nil
	n.assembled = false
	return first
}

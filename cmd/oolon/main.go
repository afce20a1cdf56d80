// Command oolon trains and evaluates a LeNet-style convolutional network on
// an IDX-encoded dataset, running all numerical work on the WebGPU backend.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/dataset"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device/webgpu"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/layer"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/network"
)

// Process exit codes.
const (
	exitUsage      = 1
	exitNoDevice   = 2
	exitDataset    = 3
	exitCheckpoint = 4
	exitBackend    = 5
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  oolon train [flags]    train the network")
	fmt.Fprintln(os.Stderr, "  oolon test  [flags]    evaluate a checkpoint")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'oolon <command> -h' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}
	switch os.Args[1] {
	case "train":
		runTrain(os.Args[2:])
	case "test":
		runTest(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "oolon: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}
}

func runTrain(args []string) {
	fset := flag.NewFlagSet("train", flag.ExitOnError)
	dataDir := fset.String("data", "./data", "directory containing the IDX dataset files")
	iters := fset.Int("iterations", 1000, "training iterations to run")
	batch := fset.Int("batch", 64, "batch size")
	lr := fset.Float64("lr", 0.01, "base learning rate")
	gamma := fset.Float64("gamma", 0.0001, "learning-rate decay gamma")
	power := fset.Float64("power", 0.75, "learning-rate decay power")
	seed := fset.Int64("seed", 1, "parameter initialization seed")
	checkpoint := fset.String("checkpoint", "./checkpoint", "checkpoint directory")
	resume := fset.Bool("resume", false, "resume from an existing checkpoint")
	fset.Parse(args)

	set, err := dataset.Load(
		filepath.Join(*dataDir, "train-images-idx3-ubyte"),
		filepath.Join(*dataDir, "train-labels-idx1-ubyte"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oolon: load training set: %v\n", err)
		os.Exit(exitDataset)
	}
	fmt.Printf("loaded %d training samples (%dx%d)\n", set.Len(), set.Rows, set.Cols)

	backend, net := buildNetwork(network.Config{
		BatchSize:    *batch,
		LearningRate: float32(*lr),
		Gamma:        *gamma,
		Power:        *power,
		Seed:         *seed,
	}, set.Rows, set.Cols)
	defer backend.Close()
	defer net.Close()

	if *resume {
		switch err := net.Load(*checkpoint); {
		case err == nil:
			fmt.Printf("resumed at iteration %d (rate %g)\n", net.Iteration(), net.LastRate())
		case errors.Is(err, fs.ErrNotExist):
			fmt.Printf("no checkpoint in %s, starting fresh\n", *checkpoint)
		default:
			fmt.Fprintf(os.Stderr, "oolon: load checkpoint: %v\n", err)
			os.Exit(exitCheckpoint)
		}
	}

	fmt.Printf("training %d iterations, batch %d, backend %s\n", *iters, *batch, backend.Name())
	if err := net.Train(set, *iters); err != nil {
		fmt.Fprintf(os.Stderr, "oolon: training: %v\n", err)
		os.Exit(exitBackend)
	}
	fmt.Printf("done: iteration %d, rate %g\n", net.Iteration(), net.LastRate())

	if err := net.Save(*checkpoint); err != nil {
		fmt.Fprintf(os.Stderr, "oolon: save checkpoint: %v\n", err)
		os.Exit(exitCheckpoint)
	}
	fmt.Printf("checkpoint written to %s\n", *checkpoint)
}

func runTest(args []string) {
	fset := flag.NewFlagSet("test", flag.ExitOnError)
	dataDir := fset.String("data", "./data", "directory containing the IDX dataset files")
	checkpoint := fset.String("checkpoint", "./checkpoint", "checkpoint directory")
	samples := fset.Int("samples", 0, "samples to classify (0 = all)")
	fset.Parse(args)

	set, err := dataset.Load(
		filepath.Join(*dataDir, "t10k-images-idx3-ubyte"),
		filepath.Join(*dataDir, "t10k-labels-idx1-ubyte"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oolon: load test set: %v\n", err)
		os.Exit(exitDataset)
	}
	fmt.Printf("loaded %d test samples (%dx%d)\n", set.Len(), set.Rows, set.Cols)

	backend, net := buildNetwork(network.Config{
		BatchSize:    1,
		LearningRate: 0.01,
		Gamma:        0.0001,
		Power:        0.75,
	}, set.Rows, set.Cols)
	defer backend.Close()
	defer net.Close()

	if err := net.Load(*checkpoint); err != nil {
		fmt.Fprintf(os.Stderr, "oolon: load checkpoint: %v\n", err)
		os.Exit(exitCheckpoint)
	}

	rate, err := net.Test(set, *samples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oolon: test: %v\n", err)
		os.Exit(exitBackend)
	}
	fmt.Printf("error rate: %.2f%%\n", rate*100)
}

// buildNetwork assembles the LeNet-style reference stack on the WebGPU
// backend: conv 5x5/20 -> pool 2x2 -> conv 5x5/50 -> pool 2x2 ->
// fc 500 + relu -> fc 10 -> softmax head.
func buildNetwork(cfg network.Config, rows, cols int) (device.Backend, *network.Network) {
	backend, err := webgpu.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "oolon: %v\n", err)
		os.Exit(exitNoDevice)
	}

	net, err := network.New(backend, cfg)
	if err != nil {
		fatal(backend, err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	src, err := layer.NewDataSource(backend, "data", device.TensorDesc{N: cfg.BatchSize, C: 1, H: rows, W: cols})
	if err != nil {
		fatal(backend, err)
	}
	h, err := net.Add(src)
	if err != nil {
		fatal(backend, err)
	}

	conv1, err := layer.NewConvolution(backend, "conv1", src.Out(), 20, 5, 0, 1, true, rng)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(conv1, h); err != nil {
		fatal(backend, err)
	}

	pool1, err := layer.NewMaxPool(backend, "pool1", conv1.Out(), 2, 2, false)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(pool1, h); err != nil {
		fatal(backend, err)
	}

	conv2, err := layer.NewConvolution(backend, "conv2", pool1.Out(), 50, 5, 0, 1, false, rng)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(conv2, h); err != nil {
		fatal(backend, err)
	}

	pool2, err := layer.NewMaxPool(backend, "pool2", conv2.Out(), 2, 2, false)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(pool2, h); err != nil {
		fatal(backend, err)
	}

	fc1, err := layer.NewFullyConnected(backend, "fc1", pool2.Out(), 500, false, rng)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(fc1, h); err != nil {
		fatal(backend, err)
	}

	relu, err := layer.NewActivation(backend, "relu1", fc1.Out(), device.ActivationReLU, false)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(relu, h); err != nil {
		fatal(backend, err)
	}

	fc2, err := layer.NewFullyConnected(backend, "fc2", relu.Out(), 10, false, rng)
	if err != nil {
		fatal(backend, err)
	}
	if h, err = net.Add(fc2, h); err != nil {
		fatal(backend, err)
	}

	out, err := layer.NewOutput(backend, "softmax", fc2.Out(), src.Labels())
	if err != nil {
		fatal(backend, err)
	}
	if _, err = net.Add(out, h); err != nil {
		fatal(backend, err)
	}

	if err := net.Assemble(); err != nil {
		fatal(backend, err)
	}
	return backend, net
}

func fatal(backend device.Backend, err error) {
	backend.Close()
	fmt.Fprintf(os.Stderr, "oolon: %v\n", err)
	os.Exit(exitBackend)
}

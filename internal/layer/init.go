package layer

import (
	"math"
	"math/rand"
)

// uniformInit fills vals with samples from the uniform distribution over
// [-scale, scale].
func uniformInit(rng *rand.Rand, vals []float32, scale float64) {
	for i := range vals {
		vals[i] = float32((rng.Float64()*2 - 1) * scale)
	}
}

// fcInitScale is the fully-connected weight range: sqrt(3 / (fanIn * fanOut)).
func fcInitScale(fanIn, fanOut int) float64 {
	return math.Sqrt(3 / (float64(fanIn) * float64(fanOut)))
}

// convInitScale is the convolution weight range: sqrt(3 / (k*k*inChannels)).
func convInitScale(kernel, inChannels int) float64 {
	return math.Sqrt(3 / (float64(kernel) * float64(kernel) * float64(inChannels)))
}

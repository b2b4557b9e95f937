package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Head is global average pooling followed by a dense projection to the
// class scores. No activation is applied: the outputs are logits.
type Head struct {
	features int
	classes  int
	kernel   *mat.Dense
	bias     []float64
}

// newHead initialises the kernel Glorot-uniform and the bias to zero.
func newHead(features, classes int, rng *rand.Rand) *Head {
	limit := math.Sqrt(6 / float64(features+classes))
	data := make([]float64, features*classes)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return &Head{
		features: features,
		classes:  classes,
		kernel:   mat.NewDense(features, classes, data),
		bias:     make([]float64, classes),
	}
}

// pool averages a channels-last feature map over its spatial positions.
func pool(fmap []float32, channels int) []float64 {
	out := make([]float64, channels)
	for i, v := range fmap {
		out[i%channels] += float64(v)
	}
	floats.Scale(1/float64(len(fmap)/channels), out)
	return out
}

func (h *Head) forward(x *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	logits := mat.NewDense(r, h.classes, nil)
	logits.Mul(x, h.kernel)
	for i := 0; i < r; i++ {
		floats.Add(logits.RawRowView(i), h.bias)
	}
	return logits
}

// gradients returns the kernel and bias gradients for the given gradient
// at the logits.
func (h *Head) gradients(x, dLogits *mat.Dense) (kernel, bias []float64) {
	dk := mat.NewDense(h.features, h.classes, nil)
	dk.Mul(x.T(), dLogits)
	bias = make([]float64, h.classes)
	r, _ := dLogits.Dims()
	for i := 0; i < r; i++ {
		floats.Add(bias, dLogits.RawRowView(i))
	}
	return dk.RawMatrix().Data, bias
}

func (h *Head) params() [][]float64 {
	return [][]float64{h.kernel.RawMatrix().Data, h.bias}
}

func (h *Head) weights() Weights {
	return Weights{
		Features: h.features,
		Classes:  h.classes,
		Kernel:   append([]float64(nil), h.kernel.RawMatrix().Data...),
		Bias:     append([]float64(nil), h.bias...),
	}
}

func (h *Head) set(w Weights) {
	copy(h.kernel.RawMatrix().Data, w.Kernel)
	copy(h.bias, w.Bias)
}

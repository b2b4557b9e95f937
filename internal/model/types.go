package model

import "fmt"

// Metrics is the mean loss and accuracy over one pass of a split.
type Metrics struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

func (m Metrics) String() string {
	return fmt.Sprintf("loss %.4f, acc %.4f", m.Loss, m.Accuracy)
}

// Prediction pairs a source file with the raw class scores it produced.
type Prediction struct {
	Path   string
	Scores []float64
}

// Weights are the trainable head parameters. Kernel is Features x Classes,
// row major.
type Weights struct {
	Features int
	Classes  int
	Kernel   []float64
	Bias     []float64
}

// Clone returns a deep copy.
func (w Weights) Clone() Weights {
	return Weights{
		Features: w.Features,
		Classes:  w.Classes,
		Kernel:   append([]float64(nil), w.Kernel...),
		Bias:     append([]float64(nil), w.Bias...),
	}
}

func (w Weights) valid() bool {
	return w.Features > 0 && w.Classes > 0 &&
		len(w.Kernel) == w.Features*w.Classes && len(w.Bias) == w.Classes
}

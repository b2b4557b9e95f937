package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax converts raw scores to a probability distribution.
func Softmax(scores []float64) []float64 {
	lse := floats.LogSumExp(scores)
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = math.Exp(s - lse)
	}
	return out
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(v []float64) int {
	return floats.MaxIdx(v)
}

// crossEntropy computes categorical cross-entropy from logits against
// one-hot targets. It returns the summed loss, the number of rows whose
// argmax matches the target and the gradient of the mean loss.
func crossEntropy(logits, targets *mat.Dense) (loss float64, correct int, grad *mat.Dense) {
	r, c := logits.Dims()
	grad = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		z, y := logits.RawRowView(i), targets.RawRowView(i)
		lse := floats.LogSumExp(z)
		g := grad.RawRowView(i)
		for j := range z {
			if y[j] != 0 {
				loss -= y[j] * (z[j] - lse)
			}
			g[j] = (math.Exp(z[j]-lse) - y[j]) / float64(r)
		}
		if Argmax(z) == Argmax(y) {
			correct++
		}
	}
	return loss, correct, grad
}

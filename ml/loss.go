package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// bceWithLogits returns the mean binary cross-entropy of sigmoid(logits)
// against labels and the per-row gradient (not yet divided by n).
func bceWithLogits(logits []float64, labels []float64) (float64, []float64) {
	grad := make([]float64, len(logits))
	loss := 0.0
	for i, z := range logits {
		y := labels[i]
		loss += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		grad[i] = Sigmoid(z) - y
	}
	return loss / float64(len(logits)), grad
}

// softmaxCrossEntropy returns the mean categorical cross-entropy and the
// per-row gradient softmax - onehot (not yet divided by n).
func softmaxCrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)
	loss := 0.0
	for i := 0; i < rows; i++ {
		row := logits.RawRowView(i)
		lse := floats.LogSumExp(row)
		g := grad.RawRowView(i)
		for j, v := range row {
			g[j] = math.Exp(v - lse)
		}
		loss += lse - row[labels[i]]
		g[labels[i]] -= 1
	}
	return loss / float64(rows), grad
}

func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	return floats.MaxIdx(values)
}

package ml

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var ErrSingleClass = errors.New("only one class present")

// AUC is the area under the ROC curve of scores against binary labels.
func AUC(scores []float64, labels []int) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("%w: %d scores, %d labels", ErrDimensionMismatch, len(scores), len(labels))
	}
	if len(scores) == 0 {
		return 0, ErrEmptyDataset
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	y := make([]float64, len(scores))
	classes := make([]bool, len(scores))
	positives := 0
	for i, idx := range order {
		y[i] = scores[idx]
		classes[i] = labels[idx] == 1
		if classes[i] {
			positives++
		}
	}
	if positives == 0 || positives == len(labels) {
		return 0, ErrSingleClass
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}

func Accuracy(predicted, truth []int) (float64, error) {
	if len(predicted) != len(truth) {
		return 0, fmt.Errorf("%w: %d predictions, %d labels", ErrDimensionMismatch, len(predicted), len(truth))
	}
	if len(truth) == 0 {
		return 0, ErrEmptyDataset
	}
	correct := 0
	for i := range truth {
		if predicted[i] == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(truth)), nil
}

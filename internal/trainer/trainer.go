// Package trainer holds the training collaborators a client drives each sub-round.
package trainer

import (
	"context"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
)

// Trainer turns a received artifact into a locally trained one and scores artifacts on local data.
type Trainer interface {
	Train(ctx context.Context, in string, out string) error
	Evaluate(ctx context.Context, path string) (model.QualityReport, error)
}

// Score computes F1 for the positive class and accuracy from binary labels and predictions.
func Score(labels []float64, predictions []float64) model.QualityReport {
	var tp, fp, fn, correct float64
	for i := range labels {
		positive := predictions[i] >= 0.5
		actual := labels[i] >= 0.5
		switch {
		case positive && actual:
			tp++
		case positive && !actual:
			fp++
		case !positive && actual:
			fn++
		}
		if positive == actual {
			correct++
		}
	}

	report := model.QualityReport{}
	if denominator := 2*tp + fp + fn; denominator > 0 {
		report.F1 = 2 * tp / denominator
	}
	if len(labels) > 0 {
		report.Accuracy = correct / float64(len(labels))
	}

	return report
}

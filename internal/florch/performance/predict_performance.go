package performance

import (
	"math"
)

// PerformancePrediction projects the F1 and accuracy curves of a round over its sub-rounds.
type PerformancePrediction struct {
	regressionF1       Regression
	regressionAccuracy Regression
}

func NewPerformancePrediction(f1s []float64, accuracies []float64, offset int) (*PerformancePrediction, error) {
	f1Xs, f1Ys := prepareXAndY(f1s, offset)
	accXs, accYs := prepareXAndY(accuracies, offset)

	regressionF1, err := NewLogarithmicRegression(f1Xs, f1Ys)
	if err != nil {
		return nil, err
	}
	regressionAccuracy, err := NewLogarithmicRegression(accXs, accYs)
	if err != nil {
		return nil, err
	}

	return &PerformancePrediction{
		regressionF1:       regressionF1,
		regressionAccuracy: regressionAccuracy,
	}, nil
}

func (pp *PerformancePrediction) PredictF1(subRound int) float64 {
	return pp.regressionF1.PredictY(float64(subRound))
}

// PredictSubRoundForF1 returns the first sub-round expected to reach f1, or -1 if the curve never does.
func (pp *PerformancePrediction) PredictSubRoundForF1(f1 float64) int {
	x := pp.regressionF1.PredictX(f1)
	if math.IsNaN(x) || math.IsInf(x, 0) || x > math.MaxInt32 {
		return -1
	}

	return int(math.Ceil(x))
}

func (pp *PerformancePrediction) PredictAccuracy(subRound int) float64 {
	return pp.regressionAccuracy.PredictY(float64(subRound))
}

func (pp *PerformancePrediction) PrintPrediction() string {
	return "F1 " + pp.regressionF1.PrintFunction() + ", accuracy " + pp.regressionAccuracy.PrintFunction()
}

func prepareXAndY(values []float64, offset int) ([]float64, []float64) {
	xs := make([]float64, len(values))
	ys := make([]float64, len(values))

	for i, v := range values {
		xs[i] = float64(i + 1 + offset)
		ys[i] = v
	}

	return xs, ys
}

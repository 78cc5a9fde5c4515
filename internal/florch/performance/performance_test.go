package performance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogarithmicRegressionRecoversCurve(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 0.5 + 0.1*math.Log(x+1)
	}

	lr, err := NewLogarithmicRegression(xs, ys)
	require.NoError(t, err)
	assert.InDelta(t, 0.5+0.1*math.Log(11), lr.PredictY(10), 1e-9)
	assert.InDelta(t, 7.0, lr.PredictX(0.5+0.1*math.Log(8)), 1e-6)
}

func TestLogarithmicRegressionNeedsTwoPoints(t *testing.T) {
	_, err := NewLogarithmicRegression([]float64{1}, []float64{0.3})
	assert.Error(t, err)
}

func TestPerformancePrediction(t *testing.T) {
	pp, err := NewPerformancePrediction([]float64{0.6, 0.68, 0.71}, []float64{0.7, 0.75, 0.77}, 0)
	require.NoError(t, err)

	assert.Greater(t, pp.PredictF1(6), 0.71)
	assert.Greater(t, pp.PredictAccuracy(6), 0.77)
	assert.Greater(t, pp.PredictSubRoundForF1(0.8), 3)
	assert.Contains(t, pp.PrintPrediction(), "ln(x+1)")
}

package performance

// Regression is a fitted curve of a quality metric against the sub-round index.
type Regression interface {
	PredictY(x float64) float64
	PredictX(y float64) float64
	PrintFunction() string
}

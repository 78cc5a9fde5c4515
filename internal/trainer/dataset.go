package trainer

import (
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Dataset is a standardized train/test split of a local CSV file.
type Dataset struct {
	TrainX *mat.Dense
	TrainY []float64
	TestX  *mat.Dense
	TestY  []float64
}

func (d *Dataset) Features() int {
	_, c := d.TrainX.Dims()
	return c
}

// LoadDataset reads a CSV with a header row. The target column holds 0/1 labels; every
// other column is a numeric feature. An empty target selects the last column.
func LoadDataset(path string, target string, testSplit float64, seed int64) (*Dataset, error) {
	records, err := common.ReadCsvFile(path)
	if err != nil {
		return nil, err
	}
	if len(records) < 3 {
		return nil, errors.Errorf("dataset %s needs a header and at least two rows", path)
	}

	header := records[0]
	targetIdx := len(header) - 1
	if target != "" {
		targetIdx = -1
		for i, name := range header {
			if strings.TrimSpace(name) == target {
				targetIdx = i
			}
		}
		if targetIdx < 0 {
			return nil, errors.Errorf("dataset %s has no column %q", path, target)
		}
	}

	features := len(header) - 1
	xs := make([][]float64, 0, len(records)-1)
	ys := make([]float64, 0, len(records)-1)
	for line, record := range records[1:] {
		if len(record) != len(header) {
			return nil, errors.Errorf("dataset %s: line %d has %d fields", path, line+2, len(record))
		}

		row := make([]float64, 0, features)
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "dataset %s: line %d", path, line+2)
			}
			if i == targetIdx {
				ys = append(ys, v)
			} else {
				row = append(row, v)
			}
		}
		xs = append(xs, row)
	}

	order := rand.New(rand.NewSource(seed)).Perm(len(xs))
	nTest := int(math.Round(float64(len(xs)) * testSplit))
	if nTest < 1 {
		nTest = 1
	}
	if nTest >= len(xs) {
		nTest = len(xs) - 1
	}
	nTrain := len(xs) - nTest

	d := &Dataset{
		TrainX: mat.NewDense(nTrain, features, nil),
		TrainY: make([]float64, nTrain),
		TestX:  mat.NewDense(nTest, features, nil),
		TestY:  make([]float64, nTest),
	}
	for i, idx := range order {
		if i < nTrain {
			d.TrainX.SetRow(i, xs[idx])
			d.TrainY[i] = ys[idx]
		} else {
			d.TestX.SetRow(i-nTrain, xs[idx])
			d.TestY[i-nTrain] = ys[idx]
		}
	}

	d.standardize()

	return d, nil
}

// standardize scales every feature by the training mean and deviation.
func (d *Dataset) standardize() {
	rows, cols := d.TrainX.Dims()
	column := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(column, j, d.TrainX)
		mean, std := stat.MeanStdDev(column, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}

		scale := func(_, c int, v float64) float64 {
			if c != j {
				return v
			}
			return (v - mean) / std
		}
		d.TrainX.Apply(scale, d.TrainX)
		d.TestX.Apply(scale, d.TestX)
	}
}

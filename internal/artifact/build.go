package artifact

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// LayerDims returns the unit count of every layer, input first and the single output last.
func (arch Architecture) LayerDims() []int {
	dims := []int{arch.InputDim}
	for _, l := range arch.Hidden {
		dims = append(dims, l.Units)
	}
	return append(dims, 1)
}

// Build initializes a fresh artifact with Glorot uniform kernels and zero biases.
func Build(arch Architecture) (*Artifact, error) {
	if arch.InputDim < 1 {
		return nil, errors.Errorf("input dimension must be positive, got %d", arch.InputDim)
	}
	for i, l := range arch.Hidden {
		if l.Units < 1 {
			return nil, errors.Errorf("hidden layer %d has %d units", i, l.Units)
		}
		if l.Dropout < 0 || l.Dropout >= 1 {
			return nil, errors.Errorf("hidden layer %d has dropout %f", i, l.Dropout)
		}
	}
	switch arch.Activation {
	case "relu", "tanh", "sigmoid":
	default:
		return nil, errors.Errorf("unsupported activation %q", arch.Activation)
	}

	rng := rand.New(rand.NewSource(arch.Seed))
	dims := arch.LayerDims()

	a := &Artifact{Architecture: arch}
	for i := 0; i < len(dims)-1; i++ {
		in, out := dims[i], dims[i+1]
		limit := math.Sqrt(6 / float64(in+out))

		kernel := make([]float64, in*out)
		for j := range kernel {
			kernel[j] = (rng.Float64()*2 - 1) * limit
		}

		a.Tensors = append(a.Tensors,
			Tensor{Name: KernelName(i), Shape: []int{in, out}, Data: kernel},
			Tensor{Name: BiasName(i), Shape: []int{out}, Data: make([]float64, out)},
		)
	}

	return a, nil
}

func KernelName(layer int) string {
	return fmt.Sprintf("dense_%d/kernel", layer)
}

func BiasName(layer int) string {
	return fmt.Sprintf("dense_%d/bias", layer)
}

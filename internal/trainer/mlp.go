package trainer

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type MLPOptions struct {
	DataPath     string
	TargetColumn string
	Epochs       int
	BatchSize    int
	LearningRate float64
	TestSplit    float64
	Seed         int64
}

// MLPTrainer trains the dense classifier described by the artifact with mini-batch
// gradient descent on binary cross-entropy.
type MLPTrainer struct {
	opts   MLPOptions
	logger hclog.Logger

	once    sync.Once
	dataset *Dataset
	loadErr error
	calls   int64
}

func NewMLPTrainer(opts MLPOptions, logger hclog.Logger) *MLPTrainer {
	if opts.Epochs < 1 {
		opts.Epochs = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 32
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.01
	}
	if opts.TestSplit <= 0 || opts.TestSplit >= 1 {
		opts.TestSplit = 0.3
	}

	return &MLPTrainer{opts: opts, logger: logger}
}

func (t *MLPTrainer) data() (*Dataset, error) {
	t.once.Do(func() {
		t.dataset, t.loadErr = LoadDataset(t.opts.DataPath, t.opts.TargetColumn, t.opts.TestSplit, t.opts.Seed)
		if t.loadErr == nil {
			rows, _ := t.dataset.TrainX.Dims()
			t.logger.Info("Local dataset loaded", "path", t.opts.DataPath, "train", rows, "test", len(t.dataset.TestY))
		}
	})

	return t.dataset, t.loadErr
}

func (t *MLPTrainer) Train(ctx context.Context, in string, out string) error {
	d, err := t.data()
	if err != nil {
		return err
	}

	a, err := artifact.Load(in)
	if err != nil {
		return err
	}
	net, err := newNetwork(a)
	if err != nil {
		return err
	}
	if net.inputDim() != d.Features() {
		return errors.Errorf("model expects %d features but the data has %d", net.inputDim(), d.Features())
	}

	t.calls++
	rng := rand.New(rand.NewSource(t.opts.Seed + t.calls))
	rows, cols := d.TrainX.Dims()

	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		order := rng.Perm(rows)
		loss := 0.0
		for start := 0; start < rows; start += t.opts.BatchSize {
			end := start + t.opts.BatchSize
			if end > rows {
				end = rows
			}

			x := mat.NewDense(end-start, cols, nil)
			y := make([]float64, end-start)
			for i, idx := range order[start:end] {
				x.SetRow(i, d.TrainX.RawRowView(idx))
				y[i] = d.TrainY[idx]
			}
			loss += net.step(x, y, t.opts.LearningRate, rng) * float64(end-start)
		}
		t.logger.Debug("Epoch finished", "epoch", epoch+1, "loss", loss/float64(rows))
	}

	return artifact.Save(out, net.toArtifact())
}

func (t *MLPTrainer) Evaluate(ctx context.Context, path string) (model.QualityReport, error) {
	d, err := t.data()
	if err != nil {
		return model.QualityReport{}, err
	}

	a, err := artifact.Load(path)
	if err != nil {
		return model.QualityReport{}, err
	}
	net, err := newNetwork(a)
	if err != nil {
		return model.QualityReport{}, err
	}
	if net.inputDim() != d.Features() {
		return model.QualityReport{}, errors.Errorf("model expects %d features but the data has %d", net.inputDim(), d.Features())
	}

	return Score(d.TestY, net.predict(d.TestX)), nil
}

type network struct {
	arch    artifact.Architecture
	weights []*mat.Dense
	biases  [][]float64
}

func newNetwork(a *artifact.Artifact) (*network, error) {
	dims := a.Architecture.LayerDims()
	if len(a.Tensors) != 2*(len(dims)-1) {
		return nil, errors.Wrapf(artifact.ErrStructureMismatch, "%d tensors for %d layers", len(a.Tensors), len(dims)-1)
	}

	n := &network{arch: a.Architecture}
	for l := 0; l < len(dims)-1; l++ {
		kernel, bias := a.Tensors[2*l], a.Tensors[2*l+1]
		if len(kernel.Data) != dims[l]*dims[l+1] || len(bias.Data) != dims[l+1] {
			return nil, errors.Wrapf(artifact.ErrStructureMismatch, "layer %d does not match %v", l, dims)
		}
		n.weights = append(n.weights, mat.NewDense(dims[l], dims[l+1], append([]float64(nil), kernel.Data...)))
		n.biases = append(n.biases, append([]float64(nil), bias.Data...))
	}

	return n, nil
}

func (n *network) inputDim() int {
	r, _ := n.weights[0].Dims()
	return r
}

func (n *network) toArtifact() *artifact.Artifact {
	a := &artifact.Artifact{Architecture: n.arch}
	for l, w := range n.weights {
		r, c := w.Dims()
		a.Tensors = append(a.Tensors,
			artifact.Tensor{Name: artifact.KernelName(l), Shape: []int{r, c}, Data: append([]float64(nil), w.RawMatrix().Data...)},
			artifact.Tensor{Name: artifact.BiasName(l), Shape: []int{c}, Data: append([]float64(nil), n.biases[l]...)},
		)
	}

	return a
}

func (n *network) activate(v float64) float64 {
	switch n.arch.Activation {
	case "tanh":
		return math.Tanh(v)
	case "sigmoid":
		return sigmoid(v)
	default:
		return math.Max(0, v)
	}
}

// derivative is expressed in terms of the activation's output.
func (n *network) derivative(out float64) float64 {
	switch n.arch.Activation {
	case "tanh":
		return 1 - out*out
	case "sigmoid":
		return out * (1 - out)
	default:
		if out > 0 {
			return 1
		}
		return 0
	}
}

// forward returns, per layer, the input to every layer plus the final output, the
// hidden outputs before dropout and the dropout masks. A nil rng disables dropout.
func (n *network) forward(x *mat.Dense, rng *rand.Rand) ([]*mat.Dense, []*mat.Dense, []*mat.Dense) {
	layers := len(n.weights)
	acts := []*mat.Dense{x}
	outs := make([]*mat.Dense, layers)
	masks := make([]*mat.Dense, layers)

	for l, w := range n.weights {
		bias := n.biases[l]
		output := l == layers-1

		z := &mat.Dense{}
		z.Mul(acts[l], w)
		z.Apply(func(_, j int, v float64) float64 {
			v += bias[j]
			if output {
				return sigmoid(v)
			}
			return n.activate(v)
		}, z)
		outs[l] = z

		if !output && rng != nil && l < len(n.arch.Hidden) && n.arch.Hidden[l].Dropout > 0 {
			p := n.arch.Hidden[l].Dropout
			r, c := z.Dims()
			mask := mat.NewDense(r, c, nil)
			mask.Apply(func(_, _ int, _ float64) float64 {
				if rng.Float64() < p {
					return 0
				}
				return 1 / (1 - p)
			}, mask)
			masks[l] = mask

			dropped := &mat.Dense{}
			dropped.MulElem(z, mask)
			acts = append(acts, dropped)
			continue
		}
		acts = append(acts, z)
	}

	return acts, outs, masks
}

// step runs one gradient descent update on the batch and returns its mean loss.
func (n *network) step(x *mat.Dense, y []float64, lr float64, rng *rand.Rand) float64 {
	acts, outs, masks := n.forward(x, rng)
	layers := len(n.weights)
	rows, _ := x.Dims()
	prediction := acts[layers]

	loss := 0.0
	delta := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		p := math.Min(math.Max(prediction.At(i, 0), 1e-12), 1-1e-12)
		loss -= y[i]*math.Log(p) + (1-y[i])*math.Log(1-p)
		delta.Set(i, 0, (prediction.At(i, 0)-y[i])/float64(rows))
	}

	for l := layers - 1; l >= 0; l-- {
		gradW := &mat.Dense{}
		gradW.Mul(acts[l].T(), delta)

		_, cols := delta.Dims()
		gradB := make([]float64, cols)
		column := make([]float64, rows)
		for j := 0; j < cols; j++ {
			gradB[j] = floats.Sum(mat.Col(column, j, delta))
		}

		if l > 0 {
			prev := &mat.Dense{}
			prev.Mul(delta, n.weights[l].T())
			out, mask := outs[l-1], masks[l-1]
			prev.Apply(func(i, j int, v float64) float64 {
				if mask != nil {
					v *= mask.At(i, j)
				}
				return v * n.derivative(out.At(i, j))
			}, prev)
			delta = prev
		}

		gradW.Scale(lr, gradW)
		n.weights[l].Sub(n.weights[l], gradW)
		floats.AddScaled(n.biases[l], -lr, gradB)
	}

	return loss / float64(rows)
}

func (n *network) predict(x *mat.Dense) []float64 {
	acts, _, _ := n.forward(x, nil)
	out := acts[len(acts)-1]
	rows, _ := out.Dims()

	predictions := make([]float64, rows)
	for i := range predictions {
		predictions[i] = out.At(i, 0)
	}
	return predictions
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

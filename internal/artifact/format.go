// Package artifact holds the model parameters exchanged between nodes, their on-disk
// form, the averaging used by the aggregation server and the lineage of global artifacts.
package artifact

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

var ErrNoArtifacts = errors.New("no artifacts to aggregate")

var ErrStructureMismatch = errors.New("artifact structure mismatch")

type Layer struct {
	Units   int     `json:"units"`
	Dropout float64 `json:"dropout"`
}

// Architecture describes a dense binary classifier: InputDim features, the hidden
// layers in order and a single sigmoid output.
type Architecture struct {
	InputDim   int     `json:"inputDim"`
	Hidden     []Layer `json:"hidden"`
	Activation string  `json:"activation"`
	Seed       int64   `json:"seed"`
}

type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

func (t Tensor) size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type Artifact struct {
	Architecture Architecture
	Tensors      []Tensor
}

func (a *Artifact) Clone() *Artifact {
	clone := &Artifact{
		Architecture: a.Architecture,
		Tensors:      make([]Tensor, len(a.Tensors)),
	}
	clone.Architecture.Hidden = append([]Layer(nil), a.Architecture.Hidden...)

	for i, t := range a.Tensors {
		clone.Tensors[i] = Tensor{
			Name:  t.Name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}

	return clone
}

// CheckStructure reports ErrStructureMismatch unless b has the same tensors, in the same order and shape, as a.
func (a *Artifact) CheckStructure(b *Artifact) error {
	if len(a.Tensors) != len(b.Tensors) {
		return errors.Wrapf(ErrStructureMismatch, "%d tensors against %d", len(a.Tensors), len(b.Tensors))
	}

	for i := range a.Tensors {
		ta, tb := a.Tensors[i], b.Tensors[i]
		if ta.Name != tb.Name {
			return errors.Wrapf(ErrStructureMismatch, "tensor %d is %q against %q", i, ta.Name, tb.Name)
		}
		if fmt.Sprint(ta.Shape) != fmt.Sprint(tb.Shape) || len(ta.Data) != len(tb.Data) {
			return errors.Wrapf(ErrStructureMismatch, "tensor %q has shape %v against %v", ta.Name, ta.Shape, tb.Shape)
		}
	}

	return nil
}

// Validate checks that every tensor's data matches its shape.
func (a *Artifact) Validate() error {
	if len(a.Tensors) == 0 {
		return errors.New("artifact has no tensors")
	}
	for _, t := range a.Tensors {
		if t.size() != len(t.Data) {
			return errors.Errorf("tensor %q has %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
	}

	return nil
}

func Save(path string, a *Artifact) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create artifact %s", path)
	}

	if err := gob.NewEncoder(f).Encode(a); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to encode artifact %s", path)
	}

	return errors.Wrapf(f.Close(), "unable to write artifact %s", path)
}

func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open artifact %s", path)
	}
	defer f.Close()

	a := &Artifact{}
	if err := gob.NewDecoder(f).Decode(a); err != nil {
		return nil, errors.Wrapf(err, "unable to decode artifact %s", path)
	}
	if err := a.Validate(); err != nil {
		return nil, errors.Wrapf(err, "artifact %s", path)
	}

	return a, nil
}

package artifact

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Average returns the element-wise mean of the artifacts, cloned from the first one's structure.
func Average(artifacts []*Artifact) (*Artifact, error) {
	if len(artifacts) == 0 {
		return nil, ErrNoArtifacts
	}

	base := artifacts[0]
	for i, a := range artifacts[1:] {
		if err := base.CheckStructure(a); err != nil {
			return nil, errors.Wrapf(err, "artifact %d", i+1)
		}
	}

	avg := base.Clone()
	for _, a := range artifacts[1:] {
		for i := range avg.Tensors {
			floats.Add(avg.Tensors[i].Data, a.Tensors[i].Data)
		}
	}

	scale := 1 / float64(len(artifacts))
	for i := range avg.Tensors {
		floats.Scale(scale, avg.Tensors[i].Data)
	}

	return avg, nil
}

// AverageFiles loads every path, averages them and saves the result to out.
func AverageFiles(paths []string, out string) error {
	if len(paths) == 0 {
		return ErrNoArtifacts
	}

	artifacts := make([]*Artifact, 0, len(paths))
	for _, path := range paths {
		a, err := Load(path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}

	avg, err := Average(artifacts)
	if err != nil {
		return err
	}

	return Save(out, avg)
}

package convergence

import (
	"testing"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestConvergedWithinThreshold(t *testing.T) {
	w := NewWindow()
	w.Append(map[model.NodeIdentity]float64{"a": 0.70, "b": 0.72})
	assert.False(t, w.Converged(1, 0.01), "one entry is not enough history")

	w.Append(map[model.NodeIdentity]float64{"a": 0.705, "b": 0.715})
	assert.True(t, w.Converged(1, 0.01))
}

func TestNotConvergedWhenAnyNodeMoves(t *testing.T) {
	w := NewWindow()
	w.Append(map[model.NodeIdentity]float64{"a": 0.70, "b": 0.72})
	w.Append(map[model.NodeIdentity]float64{"a": 0.70, "b": 0.75})

	assert.False(t, w.Converged(1, 0.01))
}

func TestConvergedUsesPatienceDistance(t *testing.T) {
	w := NewWindow()
	w.Append(map[model.NodeIdentity]float64{"a": 0.50})
	w.Append(map[model.NodeIdentity]float64{"a": 0.80})
	w.Append(map[model.NodeIdentity]float64{"a": 0.505})

	assert.False(t, w.Converged(1, 0.01))
	assert.True(t, w.Converged(2, 0.01))
	assert.False(t, w.Converged(3, 0.01))
}

func TestConvergedIgnoresNodesMissingFromEitherEntry(t *testing.T) {
	w := NewWindow()
	w.Append(map[model.NodeIdentity]float64{"a": 0.70, "b": 0.20})
	w.Append(map[model.NodeIdentity]float64{"a": 0.70, "c": 0.90})

	assert.True(t, w.Converged(1, 0.01))
}

func TestAppendCopies(t *testing.T) {
	w := NewWindow()
	scores := map[model.NodeIdentity]float64{"a": 0.1}
	w.Append(scores)
	scores["a"] = 0.9
	w.Append(map[model.NodeIdentity]float64{"a": 0.1})

	assert.True(t, w.Converged(1, 0))
	assert.Equal(t, 2, w.Len())
}

package convergence

import (
	"math"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
)

// Window is the ordered history of per-node F1 scores, one entry per sub-round.
type Window struct {
	entries []map[model.NodeIdentity]float64
}

func NewWindow() *Window {
	return &Window{}
}

// Append records a sub-round. The map is copied.
func (w *Window) Append(scores map[model.NodeIdentity]float64) {
	entry := make(map[model.NodeIdentity]float64, len(scores))
	for id, v := range scores {
		entry[id] = v
	}
	w.entries = append(w.entries, entry)
}

func (w *Window) Len() int {
	return len(w.entries)
}

// Converged compares the latest entry with the one patience positions before it.
// It is true when there is enough history and every node present in both moved
// by at most threshold.
func (w *Window) Converged(patience int, threshold float64) bool {
	if patience < 1 || len(w.entries) <= patience {
		return false
	}

	latest := w.entries[len(w.entries)-1]
	old := w.entries[len(w.entries)-1-patience]

	for id, newValue := range latest {
		oldValue, ok := old[id]
		if !ok {
			continue
		}
		if math.Abs(newValue-oldValue) > threshold {
			return false
		}
	}

	return true
}

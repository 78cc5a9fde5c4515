package election

import (
	"math/rand"
	"sort"
)

// Score weighs a node's advertised resources for the leader draw.
func Score(row Row) float64 {
	s := row.Snapshot
	gpu := 0.0
	if s.GpuActive {
		gpu = 1
	}
	rankTerm := 0.0
	if row.Rank > 0 {
		rankTerm = 1 / float64(row.Rank)
	}

	return 0.5*(0.5*s.DownloadMbps+0.5*s.UploadMbps) +
		0.3*s.RamMB +
		0.35*s.CpuMHz +
		0.2*gpu +
		0.1*rankTerm
}

// Canonical orders rows by rank and keeps the first row per identity, so every
// node draws over the same sequence regardless of arrival order.
func Canonical(rows []Row) []Row {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].Snapshot.Identity < sorted[j].Snapshot.Identity
	})

	seen := map[string]bool{}
	out := []Row{}
	for _, row := range sorted {
		key := string(row.Snapshot.Identity)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}

	return out
}

// SelectLeader returns the rank of the node drawn for round, weighted by Score.
// An empty table, or one whose weights sum to zero, selects rank 1.
func SelectLeader(rows []Row, round int) int {
	rows = Canonical(rows)
	if len(rows) == 0 {
		return 1
	}

	weights := make([]float64, len(rows))
	total := 0.0
	for i, row := range rows {
		w := Score(row)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return 1
	}

	rng := rand.New(rand.NewSource(int64(round)))
	target := rng.Float64() * total

	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return rows[i].Rank
		}
	}

	return rows[len(rows)-1].Rank
}

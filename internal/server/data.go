package server

import (
	"encoding/json"
	"io"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/florch"
)

func toJSON(i interface{}, w io.Writer) error {
	e := json.NewEncoder(w)
	return e.Encode(i)
}

type StatusResponse struct {
	RunID          string    `json:"runId"`
	Node           int       `json:"node"`
	Identity       string    `json:"identity"`
	Round          int       `json:"round"`
	Phase          string    `json:"phase"`
	Leader         int       `json:"leader"`
	Role           string    `json:"role"`
	Converged      bool      `json:"converged"`
	MeanF1         []float64 `json:"meanF1"`
	Prediction     string    `json:"prediction,omitempty"`
	TargetF1       float64   `json:"targetF1,omitempty"`
	TargetSubRound int       `json:"targetSubRound,omitempty"`
	RoundsFinished int       `json:"roundsFinished"`
}

type LineageEntry struct {
	Round    int    `json:"round"`
	SubRound int    `json:"subRound"`
	Path     string `json:"path"`
}

type ReportResponse struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

func toStatusResponse(runID string, progress florch.FlProgress, node int, identity string) StatusResponse {
	return StatusResponse{
		RunID:          runID,
		Node:           node,
		Identity:       identity,
		Round:          progress.Round,
		Phase:          progress.Phase,
		Leader:         progress.Leader.Rank,
		Role:           string(progress.Role),
		Converged:      progress.Converged,
		MeanF1:         progress.MeanF1,
		Prediction:     progress.Prediction,
		TargetF1:       progress.TargetF1,
		TargetSubRound: progress.TargetSubRound,
		RoundsFinished: progress.RoundsFinished,
	}
}

func toLineageEntries(entries []artifact.LineageEntry) []LineageEntry {
	out := make([]LineageEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LineageEntry{Round: e.Round, SubRound: e.SubRound, Path: e.Path})
	}
	return out
}

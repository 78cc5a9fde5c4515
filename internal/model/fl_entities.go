package model

import "time"

type QualityReport struct {
	F1       float64 `json:"f1"`
	Accuracy float64 `json:"accuracy"`
}

// ModelRecord is one locally produced artifact and its quality on the client side.
type ModelRecord struct {
	SubRound int
	Date     time.Time
	Report   QualityReport
	Path     string
	Trained  bool
}

type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type SchedulingMode int

const (
	ModeCentralized SchedulingMode = iota
	ModeSemiDecentralized
)

func (m SchedulingMode) String() string {
	switch m {
	case ModeCentralized:
		return "centralized"
	case ModeSemiDecentralized:
		return "semi-decentralized"
	default:
		return "unknown"
	}
}

// SubRoundMetrics holds what the aggregation server observed in one sub-round, keyed by client identity.
type SubRoundMetrics struct {
	F1          map[NodeIdentity]float64
	Accuracy    map[NodeIdentity]float64
	CollectTime map[NodeIdentity]float64 // seconds
	SendTime    map[NodeIdentity]float64 // seconds
}

func NewSubRoundMetrics() *SubRoundMetrics {
	return &SubRoundMetrics{
		F1:          map[NodeIdentity]float64{},
		Accuracy:    map[NodeIdentity]float64{},
		CollectTime: map[NodeIdentity]float64{},
		SendTime:    map[NodeIdentity]float64{},
	}
}

package florch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/agent"
	"github.com/fundestsantamaria-ux/fedcoord/internal/aggregator"
	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/events"
	"github.com/fundestsantamaria-ux/fedcoord/internal/florch/performance"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/fundestsantamaria-ux/fedcoord/internal/trainer"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Elector agrees with the other members on the aggregation server of a round.
type Elector interface {
	Run(ctx context.Context, round int) (model.Member, error)
}

type Config struct {
	Self          model.Member
	Members       []model.Member
	Mode          model.SchedulingMode
	Rounds        int
	SubRounds     int
	Patience      int
	Threshold     float64
	Architecture  artifact.Architecture
	NodeDir       string
	ResultsDir    string
	DataPath      string
	PhaseDelay    time.Duration
	ClientTimeout time.Duration
}

type FlOrchestrator struct {
	cfg      Config
	elector  Elector
	trainer  trainer.Trainer
	store    *artifact.Store
	lineage  *artifact.Lineage
	eventBus *events.EventBus
	logger   hclog.Logger

	resultsFileName string

	mu       sync.RWMutex
	progress *FlProgress
}

// FlProgress is a snapshot of what this node has done so far.
type FlProgress struct {
	Round          int
	Phase          string
	Leader         model.Member
	Role           model.Role
	Converged      bool
	MeanF1         []float64
	Prediction     string
	TargetF1       float64
	TargetSubRound int
	RoundsFinished int
}

// RoundSummary is one line of the per-node results file.
type RoundSummary struct {
	Round     int
	Leader    int
	Role      model.Role
	SubRounds int
	Converged bool
	MeanF1    []float64
}

const (
	PhaseIdle     = "idle"
	PhaseElecting = "electing"
	PhaseServing  = "serving"
	PhaseTraining = "training"
	PhaseFinished = "finished"
)

func NewFlOrchestrator(cfg Config, elector Elector, tr trainer.Trainer, lineage *artifact.Lineage,
	eventBus *events.EventBus, logger hclog.Logger) (*FlOrchestrator, error) {
	if cfg.Rounds < 1 {
		return nil, fmt.Errorf("invalid number of rounds: %d", cfg.Rounds)
	}
	if cfg.Mode == model.ModeCentralized && cfg.Rounds != 1 {
		return nil, fmt.Errorf("centralized mode supports a single round, got %d", cfg.Rounds)
	}
	if cfg.Mode == model.ModeSemiDecentralized && elector == nil {
		return nil, errors.New("semi-decentralized mode needs an elector")
	}
	if _, ok := common.GetMemberByRank(cfg.Members, 1); !ok {
		return nil, errors.New("membership has no rank 1 node")
	}

	return &FlOrchestrator{
		cfg:             cfg,
		elector:         elector,
		trainer:         tr,
		store:           artifact.NewStore(cfg.NodeDir),
		lineage:         lineage,
		eventBus:        eventBus,
		logger:          logger,
		resultsFileName: getResultsFileName(cfg.ResultsDir, cfg.Self.Rank),
		progress:        &FlProgress{Phase: PhaseIdle, MeanF1: []float64{}},
	}, nil
}

// Start runs every configured round and returns after the last one.
func (orch *FlOrchestrator) Start(ctx context.Context) error {
	subRoundChan := make(chan events.Event, 16)
	orch.eventBus.Subscribe(common.SUB_ROUND_FINISHED_EVENT_TYPE, subRoundChan)
	done := make(chan struct{})
	defer close(done)
	go orch.subRoundFinishedHandler(subRoundChan, done)

	for round := 0; round < orch.cfg.Rounds; round++ {
		if err := orch.runRound(ctx, round); err != nil {
			return err
		}
	}

	orch.setPhase(PhaseFinished)
	orch.logger.Info("All rounds finished", "rounds", orch.cfg.Rounds)

	return nil
}

// Progress returns a copy of the current progress.
func (orch *FlOrchestrator) Progress() FlProgress {
	orch.mu.RLock()
	defer orch.mu.RUnlock()

	progress := *orch.progress
	progress.MeanF1 = append([]float64{}, orch.progress.MeanF1...)

	return progress
}

func (orch *FlOrchestrator) runRound(ctx context.Context, round int) error {
	orch.mu.Lock()
	orch.progress.Round = round
	orch.progress.Phase = PhaseElecting
	orch.progress.Converged = false
	orch.progress.MeanF1 = []float64{}
	orch.progress.Prediction = ""
	orch.progress.TargetF1 = 0
	orch.progress.TargetSubRound = 0
	orch.mu.Unlock()

	orch.logger.Info("Round started", "round", round, "mode", orch.cfg.Mode.String())
	orch.eventBus.Publish(common.ROUND_STARTED_EVENT_TYPE, events.RoundStartedEvent{Round: round, Mode: orch.cfg.Mode})

	leader, err := orch.selectLeader(ctx, round)
	if err != nil {
		return err
	}

	role := model.RoleClient
	if leader.Address == orch.cfg.Self.Address {
		role = model.RoleServer
	}

	orch.mu.Lock()
	orch.progress.Leader = leader
	orch.progress.Role = role
	orch.mu.Unlock()

	orch.logger.Info("Leader selected", "round", round, "leader", leader.String(), "role", role)
	orch.eventBus.Publish(common.LEADER_ELECTED_EVENT_TYPE, events.LeaderElectedEvent{Round: round, Leader: leader, Role: role})

	if err := sleepCtx(ctx, orch.cfg.PhaseDelay); err != nil {
		return err
	}

	summary := RoundSummary{Round: round, Leader: leader.Rank, Role: role}
	exitMessage := ""
	if role == model.RoleServer {
		exitMessage, err = orch.serve(ctx, round, &summary)
	} else {
		exitMessage, err = orch.train(ctx, round, leader, &summary)
	}
	if err != nil {
		return err
	}

	if err := writeResultsToFile(orch.resultsFileName, summary); err != nil {
		orch.logger.Error("Unable to write round summary", "error", err)
	}
	if reconciled, err := Reconcile(orch.cfg.ResultsDir, orch.cfg.Self.Rank, orch.cfg.Members, orch.lineage); err != nil {
		orch.logger.Error("Unable to reconcile metrics", "error", err)
	} else {
		orch.logger.Info("Metrics reconciled", "file", reconciled)
	}

	orch.mu.Lock()
	orch.progress.RoundsFinished++
	orch.mu.Unlock()

	orch.logger.Info("Round finished", "round", round, "role", role, "message", exitMessage)
	orch.eventBus.Publish(common.ROUND_FINISHED_EVENT_TYPE, events.RoundFinishedEvent{Round: round, Role: role, ExitMessage: exitMessage})

	return nil
}

func (orch *FlOrchestrator) selectLeader(ctx context.Context, round int) (model.Member, error) {
	if orch.cfg.Mode == model.ModeCentralized {
		leader, _ := common.GetMemberByRank(orch.cfg.Members, 1)
		return leader, nil
	}

	leader, err := orch.elector.Run(ctx, round)
	if err != nil {
		return model.Member{}, errors.Wrapf(err, "election failed in round %d", round)
	}

	return leader, nil
}

func (orch *FlOrchestrator) serve(ctx context.Context, round int, summary *RoundSummary) (string, error) {
	orch.setPhase(PhaseServing)

	server := aggregator.NewServer(aggregator.Config{
		Round:        round,
		Address:      listenAddress(orch.cfg.Self.Address),
		NumClients:   len(orch.cfg.Members) - 1,
		SubRounds:    orch.cfg.SubRounds,
		Patience:     orch.cfg.Patience,
		Threshold:    orch.cfg.Threshold,
		Architecture: orch.cfg.Architecture,
		IOTimeout:    orch.cfg.ClientTimeout,
	}, orch.store, orch.lineage, orch.eventBus, orch.logger.Named("aggregator"))

	result, err := server.Run(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "aggregation server failed in round %d", round)
	}

	if err := writeMetricLogs(orch.cfg.ResultsDir, orch.cfg.Self.Rank, result.SubRounds); err != nil {
		orch.logger.Error("Unable to write metric logs", "error", err)
	}

	meanF1 := []float64{}
	meanAccuracy := []float64{}
	for _, metrics := range result.SubRounds {
		if len(metrics.F1) == 0 {
			continue
		}
		meanF1 = append(meanF1, common.CalculateAverageFloat64(mapValues(metrics.F1)))
		meanAccuracy = append(meanAccuracy, common.CalculateAverageFloat64(mapValues(metrics.Accuracy)))
	}

	summary.SubRounds = len(result.SubRounds)
	summary.Converged = result.Converged
	summary.MeanF1 = meanF1

	orch.mu.Lock()
	orch.progress.Converged = result.Converged
	orch.progress.MeanF1 = meanF1
	orch.mu.Unlock()

	orch.predictPerformance(meanF1, meanAccuracy)

	if result.Converged {
		return fmt.Sprintf("converged at sub-round %d with %d clients", result.ConvergedAt, len(result.Clients)), nil
	}

	return fmt.Sprintf("finished %d sub-rounds with %d clients", len(result.SubRounds), len(result.Clients)), nil
}

func (orch *FlOrchestrator) train(ctx context.Context, round int, leader model.Member, summary *RoundSummary) (string, error) {
	orch.setPhase(PhaseTraining)

	client := agent.NewAgent(agent.Config{
		Round:         round,
		Identity:      orch.cfg.Self.Identity,
		ServerAddress: leader.Address,
		SubRounds:     orch.cfg.SubRounds,
		DataPath:      orch.cfg.DataPath,
		HistoryDir:    orch.cfg.NodeDir,
		IOTimeout:     orch.cfg.ClientTimeout,
	}, orch.trainer, orch.store, orch.logger.Named("agent"))

	result, err := client.Run(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "client agent failed in round %d", round)
	}

	f1s := []float64{}
	for _, record := range result.Records {
		if record.Trained {
			f1s = append(f1s, record.Report.F1)
		}
	}
	summary.SubRounds = len(f1s)
	summary.Converged = result.Converged
	summary.MeanF1 = f1s

	orch.mu.Lock()
	orch.progress.Converged = result.Converged
	orch.progress.MeanF1 = f1s
	orch.mu.Unlock()

	if result.Final != nil {
		return fmt.Sprintf("final global model f1=%.4f accuracy=%.4f", result.Final.F1, result.Final.Accuracy), nil
	}

	return fmt.Sprintf("trained %d sub-rounds", len(f1s)), nil
}

func (orch *FlOrchestrator) predictPerformance(meanF1 []float64, meanAccuracy []float64) {
	if len(meanF1) < 2 {
		return
	}

	prediction, err := performance.NewPerformancePrediction(meanF1, meanAccuracy, 0)
	if err != nil {
		orch.logger.Warn("Unable to fit performance trend", "error", err)
		return
	}

	// One more threshold step over the best mean so far; -1 means the curve never gets there.
	target := floats.Max(meanF1) + orch.cfg.Threshold
	targetSubRound := prediction.PredictSubRoundForF1(target)

	next := len(meanF1)
	orch.logger.Info("Performance trend", "function", prediction.PrintPrediction(),
		"next_sub_round", next, "predicted_f1", prediction.PredictF1(next),
		"predicted_accuracy", prediction.PredictAccuracy(next),
		"target_f1", target, "sub_round_for_target_f1", targetSubRound)

	orch.mu.Lock()
	orch.progress.Prediction = prediction.PrintPrediction()
	orch.progress.TargetF1 = target
	orch.progress.TargetSubRound = targetSubRound
	orch.mu.Unlock()
}

func (orch *FlOrchestrator) subRoundFinishedHandler(subRoundChan <-chan events.Event, done <-chan struct{}) {
	for {
		select {
		case event := <-subRoundChan:
			data, ok := event.Data.(events.SubRoundFinishedEvent)
			if !ok || data.Metrics == nil || len(data.Metrics.F1) == 0 {
				continue
			}

			mean := common.CalculateAverageFloat64(mapValues(data.Metrics.F1))
			orch.mu.Lock()
			if data.Round == orch.progress.Round && data.SubRound == len(orch.progress.MeanF1) {
				orch.progress.MeanF1 = append(orch.progress.MeanF1, mean)
			}
			orch.mu.Unlock()
		case <-done:
			return
		}
	}
}

func (orch *FlOrchestrator) setPhase(phase string) {
	orch.mu.Lock()
	defer orch.mu.Unlock()

	orch.progress.Phase = phase
}

// listenAddress binds the FL listener on every interface at the member's port.
func listenAddress(address string) string {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}

	return net.JoinHostPort("", port)
}

func mapValues(m map[model.NodeIdentity]float64) []float64 {
	values := make([]float64, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}

	return values
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

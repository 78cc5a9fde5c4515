package florch

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/events"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testArch = artifact.Architecture{
	InputDim:   4,
	Hidden:     []artifact.Layer{{Units: 3}},
	Activation: "tanh",
	Seed:       5,
}

// steadyTrainer nudges the artifact and always reports the same quality.
type steadyTrainer struct {
	report model.QualityReport
}

func (s *steadyTrainer) Train(ctx context.Context, in string, out string) error {
	a, err := artifact.Load(in)
	if err != nil {
		return err
	}
	for i := range a.Tensors {
		for j := range a.Tensors[i].Data {
			a.Tensors[i].Data[j] += 0.5
		}
	}
	return artifact.Save(out, a)
}

func (s *steadyTrainer) Evaluate(ctx context.Context, path string) (model.QualityReport, error) {
	return s.report, nil
}

type fixedElector struct {
	mu     sync.Mutex
	leader model.Member
	rounds []int
}

func (f *fixedElector) Run(ctx context.Context, round int) (model.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rounds = append(f.rounds, round)
	return f.leader, nil
}

func freeAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func testMembers(t *testing.T) []model.Member {
	first := freeAddress(t)
	second := freeAddress(t)
	return []model.Member{
		{Rank: 1, Identity: common.DeriveIdentity(first), Address: first},
		{Rank: 2, Identity: common.DeriveIdentity(second), Address: second},
	}
}

func newTestOrchestrator(t *testing.T, self model.Member, members []model.Member, mode model.SchedulingMode,
	rounds int, elector Elector, resultsDir string) *FlOrchestrator {
	cfg := Config{
		Self:          self,
		Members:       members,
		Mode:          mode,
		Rounds:        rounds,
		SubRounds:     3,
		Patience:      1,
		Threshold:     0.01,
		Architecture:  testArch,
		NodeDir:       common.GetNodeDir(t.TempDir(), self.Rank),
		ResultsDir:    resultsDir,
		ClientTimeout: 10 * time.Second,
	}
	lineage := artifact.NewLineage(filepath.Join(resultsDir, "lineage.csv"))
	tr := &steadyTrainer{report: model.QualityReport{F1: 0.8, Accuracy: 0.9}}

	orch, err := NewFlOrchestrator(cfg, elector, tr, lineage, events.NewEventBus(), hclog.NewNullLogger())
	require.NoError(t, err)
	return orch
}

func runAll(t *testing.T, orchs ...*FlOrchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(orchs))
	for i, orch := range orchs {
		wg.Add(1)
		go func(i int, orch *FlOrchestrator) {
			defer wg.Done()
			errs[i] = orch.Start(ctx)
		}(i, orch)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestCentralizedRoundUsesRankOne(t *testing.T) {
	members := testMembers(t)
	resultsDir := t.TempDir()

	server := newTestOrchestrator(t, members[0], members, model.ModeCentralized, 1, nil, resultsDir)
	client := newTestOrchestrator(t, members[1], members, model.ModeCentralized, 1, nil, resultsDir)
	runAll(t, server, client)

	serverProgress := server.Progress()
	assert.Equal(t, model.RoleServer, serverProgress.Role)
	assert.Equal(t, PhaseFinished, serverProgress.Phase)
	assert.Equal(t, 1, serverProgress.RoundsFinished)
	assert.True(t, serverProgress.Converged)
	assert.Equal(t, []float64{0.8, 0.8}, serverProgress.MeanF1)

	clientProgress := client.Progress()
	assert.Equal(t, model.RoleClient, clientProgress.Role)
	assert.Equal(t, 1, clientProgress.Leader.Rank)
	assert.True(t, clientProgress.Converged)

	records, err := common.ReadCsvFile(filepath.Join(resultsDir, common.GetMetricLogName(common.METRIC_F1_LOG, 1)))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{string(members[1].Identity), "0.8"}, records[0])

	history := filepath.Join(client.cfg.NodeDir, common.GetModelsInfoName(members[1].Identity))
	assert.FileExists(t, history)

	reconciled, err := common.ReadCsvFile(filepath.Join(resultsDir, common.GetReconciledMetricsName(1)))
	require.NoError(t, err)
	require.Len(t, reconciled, 3)
	assert.Equal(t, "f1_node_"+string(members[1].Identity), reconciled[0][3])
}

func TestSemiDecentralizedFollowsElector(t *testing.T) {
	members := testMembers(t)
	resultsDir := t.TempDir()

	serverElector := &fixedElector{leader: members[1]}
	clientElector := &fixedElector{leader: members[1]}
	client := newTestOrchestrator(t, members[0], members, model.ModeSemiDecentralized, 2, clientElector, resultsDir)
	server := newTestOrchestrator(t, members[1], members, model.ModeSemiDecentralized, 2, serverElector, resultsDir)
	runAll(t, server, client)

	assert.Equal(t, []int{0, 1}, serverElector.rounds)
	assert.Equal(t, []int{0, 1}, clientElector.rounds)
	assert.Equal(t, model.RoleServer, server.Progress().Role)
	assert.Equal(t, model.RoleClient, client.Progress().Role)
	assert.Equal(t, 2, client.Progress().RoundsFinished)

	// the second round resumes from the aggregate of the first
	entries, err := artifact.NewLineage(filepath.Join(resultsDir, "lineage.csv")).Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 0, entries[0].Round)
	assert.Equal(t, artifact.LineageEntry{Round: 1, SubRound: 0, Path: entries[1].Path}, entries[1])
	assert.Equal(t, 1, entries[2].Round)
}

func TestNewFlOrchestratorRejectsInvalidConfig(t *testing.T) {
	members := testMembers(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))

	_, err := NewFlOrchestrator(Config{Self: members[0], Members: members, Mode: model.ModeCentralized, Rounds: 2},
		nil, &steadyTrainer{}, lineage, events.NewEventBus(), hclog.NewNullLogger())
	assert.Error(t, err)

	_, err = NewFlOrchestrator(Config{Self: members[0], Members: members, Mode: model.ModeSemiDecentralized, Rounds: 1},
		nil, &steadyTrainer{}, lineage, events.NewEventBus(), hclog.NewNullLogger())
	assert.Error(t, err)

	_, err = NewFlOrchestrator(Config{Self: members[0], Members: members[1:], Mode: model.ModeCentralized, Rounds: 1},
		nil, &steadyTrainer{}, lineage, events.NewEventBus(), hclog.NewNullLogger())
	assert.Error(t, err)
}

func TestReconcileAlignsColumnsByIndex(t *testing.T) {
	dir := t.TempDir()
	members := []model.Member{{Rank: 1, Identity: "a"}, {Rank: 2, Identity: "b"}, {Rank: 3, Identity: "c"}}

	lineage := artifact.NewLineage(filepath.Join(dir, "lineage.csv"))
	require.NoError(t, lineage.Append(artifact.LineageEntry{Round: 0, SubRound: 0, Path: "/m/avg_0_0.gob"}))

	first := model.NewSubRoundMetrics()
	first.F1["b"] = 0.5
	first.F1["c"] = 0.6
	second := model.NewSubRoundMetrics()
	second.F1["b"] = 0.55
	require.NoError(t, writeMetricLogs(dir, 1, []*model.SubRoundMetrics{first, second}))

	// an empty log from another node is skipped
	require.NoError(t, os.WriteFile(filepath.Join(dir, common.GetMetricLogName(common.METRIC_F1_LOG, 2)), nil, 0644))

	out, err := Reconcile(dir, 3, members, lineage)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, common.GetReconciledMetricsName(3)), out)

	records, err := common.ReadCsvFile(out)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"round", "sub_round", "artifact_path", "f1_node_b", "f1_node_c"}, records[0])
	assert.Equal(t, []string{"0", "0", "/m/avg_0_0.gob", "0.5", "0.6"}, records[1])
	assert.Equal(t, []string{"", "", "", "0.55", ""}, records[2])
}

func TestListenAddress(t *testing.T) {
	assert.Equal(t, ":7000", listenAddress("10.0.0.4:7000"))
	assert.Equal(t, "garbage", listenAddress("garbage"))
}

func TestPredictPerformanceProjectsTargetSubRound(t *testing.T) {
	members := testMembers(t)
	orch := newTestOrchestrator(t, members[0], members, model.ModeCentralized, 1, nil, t.TempDir())

	orch.predictPerformance([]float64{0.5}, []float64{0.6})
	assert.Equal(t, 0, orch.Progress().TargetSubRound, "one point is not a trend")

	orch.predictPerformance([]float64{0.5, 0.6, 0.65, 0.68}, []float64{0.6, 0.7, 0.75, 0.78})
	progress := orch.Progress()
	assert.InDelta(t, 0.69, progress.TargetF1, 1e-9)
	assert.Equal(t, 5, progress.TargetSubRound)
	assert.NotEmpty(t, progress.Prediction)
}

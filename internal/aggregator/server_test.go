package aggregator

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/agent"
	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/events"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/fundestsantamaria-ux/fedcoord/internal/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testArch = artifact.Architecture{
	InputDim:   3,
	Hidden:     []artifact.Layer{{Units: 2}},
	Activation: "relu",
	Seed:       11,
}

// scriptedTrainer shifts every parameter by offset and reports scripted F1 values.
type scriptedTrainer struct {
	mu     sync.Mutex
	offset float64
	f1s    []float64
	calls  int
	delay  time.Duration
}

func (s *scriptedTrainer) Train(ctx context.Context, in string, out string) error {
	time.Sleep(s.delay)
	a, err := artifact.Load(in)
	if err != nil {
		return err
	}
	for i := range a.Tensors {
		for j := range a.Tensors[i].Data {
			a.Tensors[i].Data[j] += s.offset
		}
	}
	return artifact.Save(out, a)
}

func (s *scriptedTrainer) Evaluate(ctx context.Context, path string) (model.QualityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	if i >= len(s.f1s) {
		i = len(s.f1s) - 1
	}
	s.calls++
	return model.QualityReport{F1: s.f1s[i], Accuracy: s.f1s[i] + 0.1}, nil
}

func freeAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func newTestServer(t *testing.T, cfg Config, lineage *artifact.Lineage) *Server {
	return NewServer(cfg, artifact.NewStore(t.TempDir()), lineage, events.NewEventBus(), hclog.NewNullLogger())
}

func newTestAgent(t *testing.T, identity model.NodeIdentity, address string, subRounds int, tr *scriptedTrainer) *agent.Agent {
	return agent.NewAgent(agent.Config{
		Identity:      identity,
		ServerAddress: address,
		SubRounds:     subRounds,
		HistoryDir:    t.TempDir(),
		IOTimeout:     10 * time.Second,
	}, tr, artifact.NewStore(t.TempDir()), hclog.NewNullLogger())
}

func shifted(t *testing.T, by float64) *artifact.Artifact {
	a, err := artifact.Build(testArch)
	require.NoError(t, err)
	for i := range a.Tensors {
		for j := range a.Tensors[i].Data {
			a.Tensors[i].Data[j] += by
		}
	}
	return a
}

func assertArtifactsClose(t *testing.T, expected *artifact.Artifact, path string) {
	actual, err := artifact.Load(path)
	require.NoError(t, err)
	require.NoError(t, expected.CheckStructure(actual))
	for i := range expected.Tensors {
		assert.InDeltaSlice(t, expected.Tensors[i].Data, actual.Tensors[i].Data, 1e-9)
	}
}

func TestConvergenceStopsBeforeThirdAggregation(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   2,
		SubRounds:    2,
		Patience:     1,
		Threshold:    0.01,
		Architecture: testArch,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trainers := []*scriptedTrainer{
		{offset: 1, f1s: []float64{0.70, 0.705}},
		{offset: 3, f1s: []float64{0.72, 0.725}},
	}
	agentResults := make([]*agent.Result, 2)
	agentErrs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []model.NodeIdentity{"node-b", "node-c"} {
		wg.Add(1)
		go func(i int, id model.NodeIdentity) {
			defer wg.Done()
			agentResults[i], agentErrs[i] = newTestAgent(t, id, address, 2, trainers[i]).Run(ctx)
		}(i, id)
	}

	result, err := server.Run(ctx)
	wg.Wait()
	require.NoError(t, err)

	assert.True(t, result.Converged)
	assert.Equal(t, 1, result.ConvergedAt)
	require.Len(t, result.SubRounds, 2)
	assert.Equal(t, map[model.NodeIdentity]float64{"node-b": 0.705, "node-c": 0.725}, result.SubRounds[1].F1)
	require.Len(t, result.Global, 1, "only the first sub-round is aggregated")

	entries, err := lineage.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assertArtifactsClose(t, shifted(t, 2), result.Global[0].Path)

	for i := range agentResults {
		require.NoError(t, agentErrs[i])
		assert.True(t, agentResults[i].Converged)
		assert.Len(t, agentResults[i].Records, 2)
		assert.Nil(t, agentResults[i].Final)
	}
}

func TestRunsAllSubRoundsWithoutConvergence(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   1,
		SubRounds:    2,
		Patience:     1,
		Threshold:    0.01,
		Architecture: testArch,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var agentResult *agent.Result
	var agentErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		agentResult, agentErr = newTestAgent(t, "node-b", address, 2, &scriptedTrainer{offset: 1, f1s: []float64{0.5, 0.6, 0.65}}).Run(ctx)
	}()

	result, err := server.Run(ctx)
	<-done
	require.NoError(t, err)
	require.NoError(t, agentErr)

	assert.False(t, result.Converged)
	assert.Len(t, result.Global, 2)
	assertArtifactsClose(t, shifted(t, 2), result.Global[1].Path)

	require.NotNil(t, agentResult.Final)
	assert.Equal(t, 0.65, agentResult.Final.F1)
	assert.Len(t, agentResult.Records, 3)
}

func TestDisconnectMidCollectDropsClient(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   2,
		SubRounds:    1,
		Patience:     1,
		Threshold:    0.01,
		Architecture: testArch,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var agentResult *agent.Result
	var agentErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		agentResult, agentErr = newTestAgent(t, "node-b", address, 1, &scriptedTrainer{offset: 1, f1s: []float64{0.7}}).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		var conn net.Conn
		var err error
		for i := 0; i < 50; i++ {
			if conn, err = net.Dial("tcp", address); err == nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if !assert.NoError(t, err) {
			return
		}
		session := wire.NewSession(conn)
		session.SendIdentity("node-c")
		session.RecvArtifact(filepath.Join(t.TempDir(), "global.gob"))
		session.SendReport(model.QualityReport{F1: 0.99, Accuracy: 0.99})
		wire.WriteUint64(conn, 4096)
		wire.SendExact(conn, make([]byte, 100))
		conn.Close()
	}()

	result, err := server.Run(ctx)
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, agentErr)

	require.Len(t, result.SubRounds, 1)
	assert.Equal(t, map[model.NodeIdentity]float64{"node-b": 0.7}, result.SubRounds[0].F1)
	require.Len(t, result.Global, 1)
	assertArtifactsClose(t, shifted(t, 1), result.Global[0].Path)
	assert.NotNil(t, agentResult.Final)
}

func TestResumesFromLineage(t *testing.T) {
	dir := t.TempDir()
	lineage := artifact.NewLineage(filepath.Join(dir, "lineage.csv"))
	previous := filepath.Join(dir, "previous.gob")
	require.NoError(t, artifact.Save(previous, shifted(t, 5)))
	require.NoError(t, lineage.Append(artifact.LineageEntry{Round: 0, SubRound: 2, Path: previous}))

	server := newTestServer(t, Config{Round: 1, Address: freeAddress(t), NumClients: 0, SubRounds: 1, Patience: 1}, lineage)
	result, err := server.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Global, 1)
	assert.Equal(t, 1, result.Global[0].Round)
	assert.Equal(t, 0, result.Global[0].SubRound)
	assertArtifactsClose(t, shifted(t, 5), result.Global[0].Path)

	latest, ok, err := lineage.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result.Global[0].Path, latest.Path)
}

func TestBuildFailureSurfacesBeforeListening(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   1,
		SubRounds:    1,
		Patience:     1,
		Architecture: artifact.Architecture{InputDim: 0},
	}, lineage)

	_, err := server.Run(context.Background())
	require.Error(t, err)

	l, err := net.Listen("tcp", address)
	require.NoError(t, err, "the port was never bound")
	l.Close()
}

func TestContextCancelsAccept(t *testing.T) {
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      freeAddress(t),
		NumClients:   2,
		SubRounds:    1,
		Patience:     1,
		Architecture: testArch,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := server.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdentityWithSlashIsStoredSafely(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   1,
		SubRounds:    1,
		Patience:     1,
		Threshold:    0.01,
		Architecture: testArch,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	historyDir := t.TempDir()
	var agentErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, agentErr = agent.NewAgent(agent.Config{
			Identity:      "site/a",
			ServerAddress: address,
			SubRounds:     1,
			HistoryDir:    historyDir,
			IOTimeout:     10 * time.Second,
		}, &scriptedTrainer{offset: 1, f1s: []float64{0.7}}, artifact.NewStore(t.TempDir()), hclog.NewNullLogger()).Run(ctx)
	}()

	result, err := server.Run(ctx)
	<-done
	require.NoError(t, err)
	require.NoError(t, agentErr)

	assert.Equal(t, map[model.NodeIdentity]float64{"site/a": 0.7}, result.SubRounds[0].F1)
	require.Len(t, result.Global, 1)
	assertArtifactsClose(t, shifted(t, 1), result.Global[0].Path)
	assert.FileExists(t, filepath.Join(historyDir, "models_info_site%2Fa.csv"))
}

func TestTransferTimeoutDoesNotCoverTraining(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   2,
		SubRounds:    2,
		Patience:     2,
		Threshold:    0.01,
		Architecture: testArch,
		IOTimeout:    200 * time.Millisecond,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trainers := []*scriptedTrainer{
		{offset: 1, f1s: []float64{0.6}, delay: 600 * time.Millisecond},
		{offset: 3, f1s: []float64{0.8}, delay: 50 * time.Millisecond},
	}
	agentErrs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []model.NodeIdentity{"node-b", "node-c"} {
		wg.Add(1)
		go func(i int, id model.NodeIdentity) {
			defer wg.Done()
			_, agentErrs[i] = agent.NewAgent(agent.Config{
				Identity:      id,
				ServerAddress: address,
				SubRounds:     2,
				HistoryDir:    t.TempDir(),
				IOTimeout:     200 * time.Millisecond,
			}, trainers[i], artifact.NewStore(t.TempDir()), hclog.NewNullLogger()).Run(ctx)
		}(i, id)
	}

	result, err := server.Run(ctx)
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, agentErrs[0])
	require.NoError(t, agentErrs[1])

	require.Len(t, result.SubRounds, 2)
	for _, metrics := range result.SubRounds {
		assert.Equal(t, map[model.NodeIdentity]float64{"node-b": 0.6, "node-c": 0.8}, metrics.F1)
	}
	assert.Len(t, result.Global, 2)
}

// joinAndLeave handshakes, takes the first global artifact and disconnects.
func joinAndLeave(address string, identity model.NodeIdentity, dir string) error {
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		if conn, err = net.Dial("tcp", address); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return err
	}

	session := wire.NewSession(conn)
	defer session.Close()
	if err := session.SendIdentity(identity); err != nil {
		return err
	}
	_, err = session.RecvArtifact(filepath.Join(dir, "global.gob"))
	return err
}

func TestAllClientsLostAbortsRound(t *testing.T) {
	address := freeAddress(t)
	lineage := artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv"))
	server := newTestServer(t, Config{
		Address:      address,
		NumClients:   2,
		SubRounds:    2,
		Patience:     1,
		Threshold:    0.01,
		Architecture: testArch,
	}, lineage)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientErrs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []model.NodeIdentity{"node-b", "node-c"} {
		wg.Add(1)
		go func(i int, id model.NodeIdentity, dir string) {
			defer wg.Done()
			clientErrs[i] = joinAndLeave(address, id, dir)
		}(i, id, t.TempDir())
	}

	result, err := server.Run(ctx)
	wg.Wait()
	require.NoError(t, clientErrs[0])
	require.NoError(t, clientErrs[1])
	require.ErrorIs(t, err, artifact.ErrNoArtifacts)
	require.NotNil(t, result)
	require.Len(t, result.SubRounds, 1)
	assert.Empty(t, result.SubRounds[0].F1)

	entries, err := lineage.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDistributeFailureDropsOnlyThatClient(t *testing.T) {
	server := newTestServer(t, Config{Architecture: testArch}, artifact.NewLineage(filepath.Join(t.TempDir(), "lineage.csv")))

	global := filepath.Join(t.TempDir(), "global.gob")
	require.NoError(t, artifact.Save(global, shifted(t, 2)))

	goodServer, goodClient := net.Pipe()
	badServer, badClient := net.Pipe()
	defer goodServer.Close()
	defer badServer.Close()
	require.NoError(t, badClient.Close())

	sessions := []*wire.Session{wire.NewSession(goodServer), wire.NewSession(badServer)}
	sessions[0].Identity = "node-b"
	sessions[1].Identity = "node-c"

	received := filepath.Join(t.TempDir(), "received.gob")
	done := make(chan error, 1)
	go func() {
		_, err := wire.NewSession(goodClient).RecvArtifact(received)
		done <- err
	}()

	sendTimes := server.distribute(sessions, global)
	require.NoError(t, <-done)

	assert.Contains(t, sendTimes, model.NodeIdentity("node-b"))
	assert.NotContains(t, sendTimes, model.NodeIdentity("node-c"))
	assert.True(t, sessions[0].Alive())
	assert.False(t, sessions[1].Alive())
	assertArtifactsClose(t, shifted(t, 2), received)
}

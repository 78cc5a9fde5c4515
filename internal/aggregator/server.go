// Package aggregator runs the aggregation server role for one round: it hands the
// global artifact to every client, collects their trained artifacts, checks for
// convergence and averages the contributions into the next global artifact.
package aggregator

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/events"
	"github.com/fundestsantamaria-ux/fedcoord/internal/florch/convergence"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/fundestsantamaria-ux/fedcoord/internal/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type Config struct {
	Round        int
	Address      string
	NumClients   int
	SubRounds    int
	Patience     int
	Threshold    float64
	Architecture artifact.Architecture
	IOTimeout    time.Duration // per transfer, zero waits forever
}

type Result struct {
	Clients         []model.NodeIdentity
	InitialSendTime map[model.NodeIdentity]float64
	SubRounds       []*model.SubRoundMetrics
	Converged       bool
	ConvergedAt     int
	Global          []artifact.LineageEntry
}

type Server struct {
	cfg      Config
	store    *artifact.Store
	lineage  *artifact.Lineage
	eventBus *events.EventBus
	logger   hclog.Logger
}

func NewServer(cfg Config, store *artifact.Store, lineage *artifact.Lineage, eventBus *events.EventBus, logger hclog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		lineage:  lineage,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Run drives INIT, then COLLECT, CONVERGE_CHECK, AGGREGATE and DISTRIBUTE for up to
// SubRounds iterations. Transport faults drop the affected client; aggregation faults
// are returned.
func (s *Server) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		InitialSendTime: map[model.NodeIdentity]float64{},
		SubRounds:       []*model.SubRoundMetrics{},
		ConvergedAt:     -1,
	}

	startPath, resumed, err := s.prepareStart()
	if err != nil {
		return nil, err
	}
	if resumed {
		entry := artifact.LineageEntry{Round: s.cfg.Round, SubRound: 0, Path: startPath}
		if err := s.lineage.Append(entry); err != nil {
			return nil, err
		}
		result.Global = append(result.Global, entry)
	}

	if s.cfg.NumClients == 0 {
		s.logger.Info("No clients expected, nothing to aggregate", "round", s.cfg.Round)
		return result, nil
	}

	closers := &closerSet{}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closers.CloseAll()
		case <-stop:
		}
	}()

	sessions, err := s.accept(ctx, closers)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, session := range sessions {
			session.Close()
		}
	}()
	for _, session := range sessions {
		result.Clients = append(result.Clients, session.Identity)
	}

	result.InitialSendTime = s.distribute(sessions, startPath)

	window := convergence.NewWindow()
	for subRound := 0; subRound < s.cfg.SubRounds; subRound++ {
		metrics := model.NewSubRoundMetrics()
		result.SubRounds = append(result.SubRounds, metrics)

		s.logger.Info("Collecting client artifacts", "round", s.cfg.Round, "sub_round", subRound, "clients", liveCount(sessions))
		collected := s.collect(sessions, subRound)
		if err := ctx.Err(); err != nil {
			return result, err
		}

		scores := map[model.NodeIdentity]float64{}
		paths := []string{}
		for _, c := range collected {
			if c.err != nil {
				s.logger.Warn("Partial failure, client dropped", "round", s.cfg.Round, "sub_round", subRound,
					"identity", c.identity, "error", c.err)
				continue
			}
			scores[c.identity] = c.report.F1
			metrics.F1[c.identity] = c.report.F1
			metrics.Accuracy[c.identity] = c.report.Accuracy
			metrics.CollectTime[c.identity] = c.elapsed.Seconds()
			paths = append(paths, c.path)
		}

		window.Append(scores)
		converged := window.Converged(s.cfg.Patience, s.cfg.Threshold)
		signal := wire.SignalContinue
		if converged {
			signal = wire.SignalConverged
		}
		s.broadcastSignal(sessions, signal)

		s.eventBus.Publish(common.SUB_ROUND_FINISHED_EVENT_TYPE, events.SubRoundFinishedEvent{
			Round:    s.cfg.Round,
			SubRound: subRound,
			Metrics:  metrics,
		})

		if converged {
			s.logger.Info("Convergence reached", "round", s.cfg.Round, "sub_round", subRound)
			s.eventBus.Publish(common.CONVERGED_EVENT_TYPE, events.ConvergedEvent{Round: s.cfg.Round, SubRound: subRound})
			result.Converged = true
			result.ConvergedAt = subRound
			artifact.Remove(paths)
			return result, nil
		}

		entry, err := s.aggregate(subRound, paths)
		if err != nil {
			return result, err
		}
		result.Global = append(result.Global, entry)

		metrics.SendTime = s.distribute(sessions, entry.Path)
	}

	return result, nil
}

// prepareStart resolves the starting artifact, resuming from the lineage when possible,
// and stores it in a freshly cleared global directory.
func (s *Server) prepareStart() (string, bool, error) {
	var start *artifact.Artifact

	latest, ok, err := s.lineage.Latest()
	if err != nil {
		s.logger.Warn("Lineage unreadable, building a fresh artifact", "path", s.lineage.Path(), "error", err)
	}
	if ok {
		start, err = artifact.Load(latest.Path)
		if err != nil {
			s.logger.Warn("Latest global artifact unusable, building a fresh one", "path", latest.Path, "error", err)
			start, ok = nil, false
		} else {
			s.logger.Info("Resuming from global artifact", "round", latest.Round, "sub_round", latest.SubRound, "path", latest.Path)
		}
	}
	if !ok {
		start, err = artifact.Build(s.cfg.Architecture)
		if err != nil {
			return "", false, errors.Wrap(err, "unable to build the initial artifact")
		}
		s.logger.Info("Built initial artifact", "tensors", len(start.Tensors))
	}

	if err := s.store.ResetServer(); err != nil {
		return "", false, err
	}

	path := s.store.GlobalPath(s.cfg.Round, 0)
	if err := artifact.Save(path, start); err != nil {
		return "", false, err
	}

	return path, ok, nil
}

func (s *Server) accept(ctx context.Context, closers *closerSet) ([]*wire.Session, error) {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen on %s", s.cfg.Address)
	}
	closers.Add(listener)
	defer listener.Close()

	s.logger.Info("Aggregation server listening", "round", s.cfg.Round, "address", s.cfg.Address, "clients", s.cfg.NumClients)

	sessions := make([]*wire.Session, 0, s.cfg.NumClients)
	seen := map[model.NodeIdentity]bool{}
	for i := 0; i < s.cfg.NumClients; i++ {
		conn, err := listener.Accept()
		if err != nil {
			for _, session := range sessions {
				session.Close()
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.Wrap(err, "accept failed")
		}
		closers.Add(conn)

		session := wire.NewSession(conn)
		session.SetTimeout(s.cfg.IOTimeout)
		identity, err := session.RecvIdentity()
		if err != nil {
			identity = model.NodeIdentity(fmt.Sprintf("unknown_%d", i))
			s.logger.Warn("Identity handshake failed", "remote", session.RemoteAddr(), "placeholder", identity, "error", err)
		}
		if seen[identity] {
			identity = model.NodeIdentity(fmt.Sprintf("%s_%d", identity, i))
			s.logger.Warn("Duplicate client identity", "remote", session.RemoteAddr(), "renamed", identity)
		}
		seen[identity] = true
		session.Identity = identity

		s.logger.Info("Client connected", "identity", identity, "remote", session.RemoteAddr(), "connected", i+1)
		sessions = append(sessions, session)
	}

	return sessions, nil
}

type collectResult struct {
	index    int
	identity model.NodeIdentity
	report   model.QualityReport
	path     string
	elapsed  time.Duration
	err      error
}

// collect receives one report and artifact from every live session. Each worker
// returns its own result slot; failed sessions are marked dead.
func (s *Server) collect(sessions []*wire.Session, subRound int) []collectResult {
	results := make(chan collectResult, len(sessions))
	workers := 0
	for i, session := range sessions {
		if !session.Alive() {
			continue
		}
		workers++

		go func(i int, session *wire.Session) {
			start := time.Now()
			r := collectResult{index: i, identity: session.Identity}
			r.report, r.err = session.RecvReport()
			if r.err == nil {
				r.path = s.store.ReceivedPath(session.Identity, subRound)
				_, r.err = session.RecvArtifact(r.path)
			}
			r.elapsed = time.Since(start)
			results <- r
		}(i, session)
	}

	collected := make([]collectResult, 0, workers)
	for j := 0; j < workers; j++ {
		r := <-results
		if r.err != nil {
			sessions[r.index].MarkDead()
		}
		collected = append(collected, r)
	}
	sort.Slice(collected, func(a, b int) bool {
		return collected[a].index < collected[b].index
	})

	return collected
}

// distribute sends the artifact at path to every live session concurrently and
// returns the per-client send time in seconds.
func (s *Server) distribute(sessions []*wire.Session, path string) map[model.NodeIdentity]float64 {
	type sendResult struct {
		index   int
		elapsed time.Duration
		err     error
	}

	results := make(chan sendResult, len(sessions))
	workers := 0
	for i, session := range sessions {
		if !session.Alive() {
			continue
		}
		workers++

		go func(i int, session *wire.Session) {
			start := time.Now()
			err := session.SendArtifact(path)
			results <- sendResult{index: i, elapsed: time.Since(start), err: err}
		}(i, session)
	}

	sendTimes := map[model.NodeIdentity]float64{}
	for j := 0; j < workers; j++ {
		r := <-results
		session := sessions[r.index]
		if r.err != nil {
			s.logger.Warn("Artifact send failed, client dropped", "identity", session.Identity, "error", r.err)
			session.MarkDead()
			continue
		}
		sendTimes[session.Identity] = r.elapsed.Seconds()
	}

	s.logger.Debug("Global artifact distributed", "path", path, "clients", len(sendTimes))

	return sendTimes
}

func (s *Server) broadcastSignal(sessions []*wire.Session, signal byte) {
	for _, session := range sessions {
		if !session.Alive() {
			continue
		}
		if err := session.SendSignal(signal); err != nil {
			s.logger.Warn("Signal send failed, client dropped", "identity", session.Identity, "error", err)
			session.MarkDead()
		}
	}
}

// aggregate averages the sub-round's artifacts into a new global artifact, appends
// it to the lineage and removes the raw client artifacts.
func (s *Server) aggregate(subRound int, paths []string) (artifact.LineageEntry, error) {
	if len(paths) == 0 {
		return artifact.LineageEntry{}, errors.Wrapf(artifact.ErrNoArtifacts, "round %d sub-round %d", s.cfg.Round, subRound)
	}

	entry := artifact.LineageEntry{
		Round:    s.cfg.Round,
		SubRound: subRound + 1,
		Path:     s.store.GlobalPath(s.cfg.Round, subRound+1),
	}
	if err := artifact.AverageFiles(paths, entry.Path); err != nil {
		return artifact.LineageEntry{}, errors.Wrapf(err, "aggregation failed in round %d sub-round %d", s.cfg.Round, subRound)
	}
	if err := s.lineage.Append(entry); err != nil {
		return artifact.LineageEntry{}, err
	}
	if err := artifact.Remove(paths); err != nil {
		s.logger.Warn("Unable to remove client artifacts", "error", err)
	}

	s.logger.Info("Global artifact aggregated", "round", s.cfg.Round, "sub_round", subRound, "contributors", len(paths), "path", entry.Path)

	return entry, nil
}

func liveCount(sessions []*wire.Session) int {
	n := 0
	for _, session := range sessions {
		if session.Alive() {
			n++
		}
	}
	return n
}

// closerSet closes everything registered with it once CloseAll is called.
type closerSet struct {
	mu      sync.Mutex
	closers []interface{ Close() error }
	closed  bool
}

func (c *closerSet) Add(closer interface{ Close() error }) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		closer.Close()
		return
	}
	c.closers = append(c.closers, closer)
}

func (c *closerSet) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, closer := range c.closers {
		closer.Close()
	}
}

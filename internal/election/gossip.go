// Package election exchanges resource snapshots between members once per round
// and draws the round's aggregation server from the resulting table.
package election

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/fundestsantamaria-ux/fedcoord/internal/probe"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Message is what a node pushes to each peer's gossip listener.
type Message struct {
	Identity model.NodeIdentity     `json:"identity"`
	Rank     int                    `json:"rank"`
	Snapshot model.ResourceSnapshot `json:"snapshot"`
}

type Gossiper struct {
	self      model.Member
	members   []model.Member
	prober    probe.Prober
	logger    hclog.Logger
	nodeDir   string
	ceiling   time.Duration
	sendDelay time.Duration
}

func NewGossiper(self model.Member, members []model.Member, prober probe.Prober, nodeDir string,
	ceiling time.Duration, sendDelay time.Duration, logger hclog.Logger) *Gossiper {
	if ceiling <= 0 {
		ceiling = common.GOSSIP_CEILING
	}

	return &Gossiper{
		self:      self,
		members:   members,
		prober:    prober,
		logger:    logger,
		nodeDir:   nodeDir,
		ceiling:   ceiling,
		sendDelay: sendDelay,
	}
}

// gossipRound is the state of a single Run invocation.
type gossipRound struct {
	number   int
	table    *Table
	received map[model.NodeIdentity]bool
	sent     int
}

// Run performs the round's gossip exchange and returns the elected member.
func (g *Gossiper) Run(ctx context.Context, round int) (model.Member, error) {
	state := &gossipRound{
		number:   round,
		table:    NewTable(),
		received: map[model.NodeIdentity]bool{},
	}
	peers := common.GetPeers(g.members, g.self)

	listener, err := net.Listen("tcp", g.self.GossipAddress)
	if err != nil {
		return model.Member{}, errors.Wrapf(err, "unable to listen for gossip on %s", g.self.GossipAddress)
	}

	msgChan := make(chan Message, len(peers)+1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.listen(listener.(*net.TCPListener), msgChan, stop)
	}()
	defer func() {
		close(stop)
		listener.Close()
		wg.Wait()
	}()

	g.logger.Info("Gossip listener started", "round", round, "address", g.self.GossipAddress, "peers", len(peers))

	if err := sleepCtx(ctx, time.Duration(g.self.Rank)*g.sendDelay); err != nil {
		return model.Member{}, err
	}

	snapshot, err := g.prober.Probe(ctx)
	if err != nil {
		return model.Member{}, errors.Wrap(err, "unable to probe local resources")
	}
	snapshot.Identity = g.self.Identity
	if snapshot.IP == "" {
		snapshot.IP = "LOCALHOST"
	}
	state.table.Add(Row{Rank: g.self.Rank, Snapshot: snapshot})

	msg := Message{Identity: g.self.Identity, Rank: g.self.Rank, Snapshot: snapshot}
	for _, peer := range peers {
		if err := g.send(ctx, peer, msg); err != nil {
			g.logger.Warn("Gossip send failed", "round", round, "peer", peer.Rank, "error", err)
			continue
		}
		state.sent++
	}

	g.collect(ctx, state, peers, msgChan)
	if err := ctx.Err(); err != nil {
		return model.Member{}, err
	}

	tablePath := filepath.Join(g.nodeDir, common.METRICS_TABLE_FILE)
	if err := state.table.WriteCSV(tablePath); err != nil {
		g.logger.Error("Unable to persist metrics table", "error", err)
	}

	rank, err := ElectFromFile(tablePath, round)
	if err != nil {
		g.logger.Warn("Metrics table unreadable, defaulting to node 1", "error", err)
		rank = 1
	}

	leader, ok := common.GetMemberByRank(g.members, rank)
	if !ok {
		g.logger.Warn("Elected rank is not a member, defaulting to node 1", "rank", rank)
		leader, ok = common.GetMemberByRank(g.members, 1)
		if !ok {
			return model.Member{}, errors.Errorf("membership has no node with rank 1")
		}
	}

	g.logger.Info("Leader elected", "round", round, "leader", leader.Rank, "identity", leader.Identity,
		"sent", state.sent, "received", len(state.received))

	return leader, nil
}

// collect blocks until every peer has been heard from, the ceiling elapses, or ctx ends.
func (g *Gossiper) collect(ctx context.Context, state *gossipRound, peers []model.Member, msgChan <-chan Message) {
	ceiling := time.NewTimer(g.ceiling)
	defer ceiling.Stop()

	for len(state.received) < len(peers) {
		select {
		case msg := <-msgChan:
			if msg.Identity == g.self.Identity {
				continue
			}
			member, ok := common.GetMemberByIdentity(g.members, msg.Identity)
			if !ok {
				g.logger.Warn("Ignoring gossip from a non-member", "round", state.number, "identity", msg.Identity,
					"ip", msg.Snapshot.IP)
				continue
			}
			msg.Rank = member.Rank
			state.table.Add(Row{Rank: msg.Rank, Snapshot: msg.Snapshot})
			state.received[msg.Identity] = true
			g.logger.Debug("Gossip received", "round", state.number, "from", msg.Rank, "ip", msg.Snapshot.IP,
				"received", len(state.received))
		case <-ceiling.C:
			g.logger.Warn("Gossip ceiling reached", "round", state.number, "received", len(state.received), "expected", len(peers))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gossiper) listen(listener *net.TCPListener, msgChan chan<- Message, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		listener.SetDeadline(time.Now().Add(common.GOSSIP_POLL_INTERVAL))
		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		msg, err := readMessage(conn)
		conn.Close()
		if err != nil {
			g.logger.Warn("Dropping gossip message", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}

		select {
		case msgChan <- msg:
		case <-stop:
			return
		}
	}
}

func readMessage(conn net.Conn) (Message, error) {
	conn.SetReadDeadline(time.Now().Add(common.GOSSIP_READ_TIMEOUT))
	data, err := io.ReadAll(io.LimitReader(conn, common.GOSSIP_MAX_MESSAGE_BYTES))
	if err != nil {
		return Message{}, errors.Wrap(err, "read failed")
	}

	msg := Message{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errors.Wrap(err, "malformed message")
	}
	if msg.Identity == "" {
		return Message{}, errors.New("message has no identity")
	}
	msg.Snapshot.Identity = msg.Identity

	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		msg.Snapshot.IP = host
	}

	return msg, nil
}

func (g *Gossiper) send(ctx context.Context, peer model.Member, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "unable to encode gossip message")
	}

	operation := func() error {
		conn, err := net.DialTimeout("tcp", peer.GossipAddress, common.DIAL_TIMEOUT)
		if err != nil {
			return err
		}
		defer conn.Close()

		conn.SetWriteDeadline(time.Now().Add(common.DIAL_TIMEOUT))
		_, err = conn.Write(payload)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = g.ceiling / 2

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Package agent runs the client role for one round against the elected aggregation server.
package agent

import (
	"context"
	"encoding/csv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/fundestsantamaria-ux/fedcoord/internal/trainer"
	"github.com/fundestsantamaria-ux/fedcoord/internal/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

// ErrDataMissing reports that the local training data is not on disk.
var ErrDataMissing = errors.New("local data missing")

type Config struct {
	Round          int
	Identity       model.NodeIdentity
	ServerAddress  string
	SubRounds      int
	DataPath       string // checked before connecting when set
	HistoryDir     string
	ConnectRetries uint64
	ConnectBackoff time.Duration
	IOTimeout      time.Duration
}

type Result struct {
	Records   []model.ModelRecord
	Converged bool
	Final     *model.QualityReport // evaluation of the last global artifact, if it was received
}

type Agent struct {
	cfg     Config
	trainer trainer.Trainer
	store   *artifact.Store
	logger  hclog.Logger
}

func NewAgent(cfg Config, tr trainer.Trainer, store *artifact.Store, logger hclog.Logger) *Agent {
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 8
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 250 * time.Millisecond
	}

	return &Agent{
		cfg:     cfg,
		trainer: tr,
		store:   store,
		logger:  logger,
	}
}

// Run performs SubRounds train-and-submit exchanges followed by one evaluate-only
// receive, stopping early when the server signals convergence.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	if a.cfg.DataPath != "" && !common.FileExists(a.cfg.DataPath) {
		return nil, errors.Wrapf(ErrDataMissing, "%s", a.cfg.DataPath)
	}
	if err := a.store.ResetClient(); err != nil {
		return nil, err
	}

	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	session := wire.NewSession(conn)
	session.SetTimeout(a.cfg.IOTimeout)
	defer session.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-stop:
		}
	}()

	if err := session.SendIdentity(a.cfg.Identity); err != nil {
		return nil, err
	}
	a.logger.Info("Connected to aggregation server", "round", a.cfg.Round, "server", a.cfg.ServerAddress, "identity", a.cfg.Identity)

	result := &Result{}
	defer func() {
		if err := a.writeHistory(result.Records); err != nil {
			a.logger.Error("Unable to write model history", "error", err)
		}
	}()

	best := -1
	for subRound := 0; subRound <= a.cfg.SubRounds; subRound++ {
		incoming := a.store.IncomingPath(subRound)
		if _, err := session.RecvArtifact(incoming); err != nil {
			return result, errors.Wrapf(err, "receiving global artifact for sub-round %d", subRound)
		}

		if subRound == a.cfg.SubRounds {
			report, err := a.trainer.Evaluate(ctx, incoming)
			if err != nil {
				return result, errors.Wrap(err, "evaluating final global artifact")
			}
			result.Records = append(result.Records, model.ModelRecord{
				SubRound: subRound, Date: time.Now(), Report: report, Path: incoming,
			})
			result.Final = &report
			a.logger.Info("Final global artifact evaluated", "round", a.cfg.Round, "f1", report.F1, "accuracy", report.Accuracy)
			break
		}

		trained := a.store.TrainedPath(subRound)
		if err := a.trainer.Train(ctx, incoming, trained); err != nil {
			return result, errors.Wrapf(err, "training in sub-round %d", subRound)
		}
		report, err := a.trainer.Evaluate(ctx, trained)
		if err != nil {
			return result, errors.Wrapf(err, "evaluating in sub-round %d", subRound)
		}
		result.Records = append(result.Records, model.ModelRecord{
			SubRound: subRound, Date: time.Now(), Report: report, Path: trained, Trained: true,
		})
		if best < 0 || report.F1 > result.Records[best].Report.F1 {
			best = len(result.Records) - 1
		}
		submitted := result.Records[best]

		a.logger.Info("Submitting model", "round", a.cfg.Round, "sub_round", subRound, "f1", submitted.Report.F1,
			"accuracy", submitted.Report.Accuracy, "from_sub_round", submitted.SubRound)
		if err := session.SendReport(submitted.Report); err != nil {
			return result, err
		}
		if err := session.SendArtifact(submitted.Path); err != nil {
			return result, err
		}

		signal, err := session.RecvSignal()
		if err != nil {
			return result, errors.Wrapf(err, "awaiting signal in sub-round %d", subRound)
		}
		if signal == wire.SignalConverged {
			a.logger.Info("Server declared convergence", "round", a.cfg.Round, "sub_round", subRound)
			result.Converged = true
			break
		}
	}

	return result, nil
}

func (a *Agent) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	dialer := &net.Dialer{Timeout: common.DIAL_TIMEOUT}
	backoff := retry.WithMaxRetries(a.cfg.ConnectRetries, retry.NewFibonacci(a.cfg.ConnectBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := dialer.DialContext(ctx, "tcp", a.cfg.ServerAddress)
		if err != nil {
			a.logger.Debug("Server not reachable yet", "server", a.cfg.ServerAddress, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to %s", a.cfg.ServerAddress)
	}

	return conn, nil
}

var historyHeader = []string{"round", "sub_round", "date", "f1_score", "accuracy", "name"}

// writeHistory appends this round's records to models_info_<identity>.csv.
func (a *Agent) writeHistory(records []model.ModelRecord) error {
	if len(records) == 0 || a.cfg.HistoryDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.cfg.HistoryDir, 0755); err != nil {
		return err
	}

	path := filepath.Join(a.cfg.HistoryDir, common.GetModelsInfoName(a.cfg.Identity))
	writeHeader := !common.FileExists(path)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if writeHeader {
		writer.Write(historyHeader)
	}
	for _, r := range records {
		writer.Write([]string{
			strconv.Itoa(a.cfg.Round),
			strconv.Itoa(r.SubRound),
			r.Date.Format(time.RFC3339),
			strconv.FormatFloat(r.Report.F1, 'f', -1, 64),
			strconv.FormatFloat(r.Report.Accuracy, 'f', -1, 64),
			filepath.Base(r.Path),
		})
	}
	writer.Flush()

	return writer.Error()
}

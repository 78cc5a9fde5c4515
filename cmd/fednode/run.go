package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/config"
	"github.com/fundestsantamaria-ux/fedcoord/internal/election"
	"github.com/fundestsantamaria-ux/fedcoord/internal/events"
	"github.com/fundestsantamaria-ux/fedcoord/internal/florch"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/fundestsantamaria-ux/fedcoord/internal/probe"
	"github.com/fundestsantamaria-ux/fedcoord/internal/server"
	"github.com/fundestsantamaria-ux/fedcoord/internal/trainer"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type runFlags struct {
	configPath    string
	nodeID        int
	logLevel      string
	membersFile   string
	statusAddress string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the federation and run every configured round",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("node") {
				settings.NodeID = flags.nodeID
			}
			if cmd.Flags().Changed("log-level") {
				settings.LogLevel = flags.logLevel
			}
			if cmd.Flags().Changed("members") {
				settings.MembersFile = flags.membersFile
			}
			if cmd.Flags().Changed("status") {
				settings.StatusAddress = flags.statusAddress
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			return runNode(settings)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Settings file (JSON)")
	cmd.Flags().IntVarP(&flags.nodeID, "node", "n", 1, "Rank of this node in the membership file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "INFO", "Log level")
	cmd.Flags().StringVarP(&flags.membersFile, "members", "m", "members.csv", "Membership file")
	cmd.Flags().StringVar(&flags.statusAddress, "status", "", "Address of the HTTP status server, disabled when empty")

	return cmd
}

func runNode(settings *config.Settings) error {
	nodeDir := settings.NodeDir()
	logDir := filepath.Join(nodeDir, common.LOG_DIR)
	if err := os.MkdirAll(logDir, 0777); err != nil {
		return errors.Wrapf(err, "unable to create %s", logDir)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, common.LOG_FILE), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrap(err, "unable to open log file")
	}
	defer logFile.Close()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "fednode",
		Level:  hclog.LevelFromString(settings.LogLevel),
		Output: io.MultiWriter(os.Stdout, logFile),
	})

	members, err := common.GetMembersFromFile(settings.MembersFile)
	if err != nil {
		logger.Error("Unable to read membership", "file", settings.MembersFile, "error", err)
		return err
	}
	self, ok := common.GetMemberByRank(members, settings.NodeID)
	if !ok {
		err := errors.Errorf("node %d is not in %s", settings.NodeID, settings.MembersFile)
		logger.Error("Unknown node", "error", err)
		return err
	}

	runID := uuid.New().String()
	logger = logger.With("node", self.Rank)
	logger.Info("Node starting", "run_id", runID, "identity", self.Identity, "address", self.Address,
		"members", len(members), "mode", settings.Mode.String(), "rounds", settings.Rounds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()
	lineage := artifact.NewLineage(settings.LineagePath)

	var elector florch.Elector
	if settings.Mode == model.ModeSemiDecentralized {
		elector = election.NewGossiper(self, members, newProber(settings, self, logger), nodeDir,
			settings.GossipCeiling(), settings.GossipDelay(), logger.Named("election"))
	}

	dataPath := ""
	if settings.Trainer.Kind == "mlp" {
		dataPath = settings.Trainer.DataPath
	}

	orch, err := florch.NewFlOrchestrator(florch.Config{
		Self:          self,
		Members:       members,
		Mode:          settings.Mode,
		Rounds:        settings.Rounds,
		SubRounds:     settings.SubRounds,
		Patience:      settings.Patience,
		Threshold:     settings.Threshold,
		Architecture:  settings.Architecture,
		NodeDir:       nodeDir,
		ResultsDir:    settings.ResultsDir,
		DataPath:      dataPath,
		PhaseDelay:    settings.PhaseDelay(),
		ClientTimeout: settings.ClientTimeout(),
	}, elector, newTrainer(settings, logger), lineage, eventBus, logger.Named("florch"))
	if err != nil {
		logger.Error("Invalid scheduler configuration", "error", err)
		return err
	}

	if settings.StatusAddress != "" {
		reportPath := filepath.Join(settings.ResultsDir, common.GetReconciledMetricsName(self.Rank))
		handler := server.NewHandler(logger.Named("status"), runID, self, orch, lineage, reportPath)
		if err := handler.StartReportRefresher(); err != nil {
			return err
		}
		defer handler.StopReportRefresher()

		go func() {
			if err := server.StartHttpServer(ctx, logger.Named("status"), settings.StatusAddress, server.NewRouter(handler)); err != nil {
				logger.Error("Status server stopped", "error", err)
			}
		}()
	}

	err = orch.Start(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Info("Interrupted, shutting down", "progress_round", orch.Progress().Round)
		return nil
	}
	if err != nil {
		logger.Error("Node failed", "error", err)
		return err
	}

	logger.Info("Node finished", "run_id", runID)

	return nil
}

func newProber(settings *config.Settings, self model.Member, logger hclog.Logger) probe.Prober {
	if settings.Probe.Kind == "static" {
		return &probe.StaticProber{Snapshot: settings.Probe.Static}
	}

	return probe.NewScriptProber(settings.Probe.Script, settings.Probe.OutputPath, self.Identity, logger.Named("probe"))
}

func newTrainer(settings *config.Settings, logger hclog.Logger) trainer.Trainer {
	if settings.Trainer.Kind == "exec" {
		return trainer.NewExecTrainer(settings.Trainer.Command, settings.Trainer.DataPath, logger.Named("trainer"))
	}

	return trainer.NewMLPTrainer(trainer.MLPOptions{
		DataPath:     settings.Trainer.DataPath,
		TargetColumn: settings.Trainer.TargetColumn,
		Epochs:       settings.Trainer.Epochs,
		BatchSize:    settings.Trainer.BatchSize,
		LearningRate: settings.Trainer.LearningRate,
		TestSplit:    settings.Trainer.TestSplit,
		Seed:         settings.Architecture.Seed + int64(settings.NodeID),
	}, logger.Named("trainer"))
}

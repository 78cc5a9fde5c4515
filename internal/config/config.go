package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/pkg/errors"
)

// ErrInvalid marks a configuration that cannot be run.
var ErrInvalid = errors.New("invalid configuration")

type TrainerSettings struct {
	Kind         string   `json:"kind"` // "mlp" or "exec"
	DataPath     string   `json:"dataPath"`
	TargetColumn string   `json:"targetColumn"` // empty selects the last column
	Command      []string `json:"command"`
	Epochs       int      `json:"epochs"`
	BatchSize    int      `json:"batchSize"`
	LearningRate float64  `json:"learningRate"`
	TestSplit    float64  `json:"testSplit"`
}

type ProbeSettings struct {
	Kind       string                 `json:"kind"` // "script" or "static"
	Script     []string               `json:"script"`
	OutputPath string                 `json:"outputPath"`
	Static     model.ResourceSnapshot `json:"static"`
}

type Settings struct {
	NodeID      int                  `json:"nodeId"`
	MembersFile string               `json:"membersFile"`
	Mode        model.SchedulingMode `json:"mode"`
	Rounds      int                  `json:"rounds"`
	SubRounds   int                  `json:"subRounds"`
	Patience    int                  `json:"patience"`
	Threshold   float64              `json:"threshold"`

	BaseDir     string `json:"baseDir"`
	ResultsDir  string `json:"resultsDir"`
	LineagePath string `json:"lineagePath"`
	LogLevel    string `json:"logLevel"`

	PhaseDelaySeconds    float64 `json:"phaseDelaySeconds"`
	GossipDelaySeconds   float64 `json:"gossipDelaySeconds"`
	GossipCeilingSeconds float64 `json:"gossipCeilingSeconds"`
	ClientTimeoutSeconds float64 `json:"clientTimeoutSeconds"`
	StatusAddress        string  `json:"statusAddress"`

	Architecture artifact.Architecture `json:"architecture"`
	Trainer      TrainerSettings       `json:"trainer"`
	Probe        ProbeSettings         `json:"probe"`
}

// Default mirrors the original deployment: three rounds of three sub-rounds over a small tabular model.
func Default() *Settings {
	return &Settings{
		NodeID:               1,
		MembersFile:          "members.csv",
		Mode:                 model.ModeSemiDecentralized,
		Rounds:               common.DEFAULT_ROUNDS,
		SubRounds:            common.DEFAULT_SUB_ROUNDS,
		Patience:             common.DEFAULT_PATIENCE,
		Threshold:            common.DEFAULT_THRESHOLD,
		BaseDir:              ".",
		ResultsDir:           "results",
		LineagePath:          "results/lineage.csv",
		LogLevel:             "INFO",
		PhaseDelaySeconds:    5,
		GossipDelaySeconds:   1,
		GossipCeilingSeconds: common.GOSSIP_CEILING.Seconds(),
		Architecture: artifact.Architecture{
			InputDim:   21,
			Hidden:     []artifact.Layer{{Units: 32, Dropout: 0.4}, {Units: 16, Dropout: 0.3}},
			Activation: "relu",
			Seed:       42,
		},
		Trainer: TrainerSettings{
			Kind:         "mlp",
			DataPath:     "data/local.csv",
			Epochs:       5,
			BatchSize:    32,
			LearningRate: 0.01,
			TestSplit:    0.2,
		},
		Probe: ProbeSettings{
			Kind:       "script",
			Script:     []string{"python3", "metrics.py"},
			OutputPath: "metrics.json",
		},
	}
}

// LoadConfig reads the settings file at path over the defaults, then applies environment overrides.
// An empty path skips the file.
func LoadConfig(path string) (*Settings, error) {
	settings := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open config file %s", path)
		}
		defer file.Close()

		decoder := json.NewDecoder(file)
		if err := decoder.Decode(settings); err != nil {
			return nil, errors.Wrapf(err, "failed to decode config file %s", path)
		}
	}

	if err := settings.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	return settings, nil
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	ints := map[string]*int{
		"NODE_ID":    &s.NodeID,
		"ROUNDS":     &s.Rounds,
		"SUB_ROUNDS": &s.SubRounds,
		"PATIENCE":   &s.Patience,
	}
	for key, target := range ints {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(ErrInvalid, "%s=%q is not an integer", key, v)
			}
			*target = parsed
		}
	}

	if v := strings.TrimSpace(getenv("MODE")); v != "" {
		mode, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "MODE=%q is not an integer", v)
		}
		s.Mode = model.SchedulingMode(mode)
	}

	if v := strings.TrimSpace(getenv("THRESHOLD")); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "THRESHOLD=%q is not a number", v)
		}
		s.Threshold = parsed
	}

	strs := map[string]*string{
		"MEMBERS_FILE":   &s.MembersFile,
		"BASE_DIR":       &s.BaseDir,
		"RESULTS_DIR":    &s.ResultsDir,
		"LINEAGE_PATH":   &s.LineagePath,
		"LOG_LEVEL":      &s.LogLevel,
		"DATA_PATH":      &s.Trainer.DataPath,
		"STATUS_ADDRESS": &s.StatusAddress,
	}
	for key, target := range strs {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*target = v
		}
	}

	return nil
}

func (s *Settings) Validate() error {
	if s.NodeID < 1 {
		return errors.Wrapf(ErrInvalid, "node id must be at least 1, got %d", s.NodeID)
	}
	if s.Mode != model.ModeCentralized && s.Mode != model.ModeSemiDecentralized {
		return errors.Wrapf(ErrInvalid, "unknown mode %d", s.Mode)
	}
	if s.Rounds < 1 || s.SubRounds < 1 {
		return errors.Wrapf(ErrInvalid, "rounds (%d) and sub-rounds (%d) must be positive", s.Rounds, s.SubRounds)
	}
	if s.Mode == model.ModeCentralized && s.Rounds != 1 {
		return errors.Wrapf(ErrInvalid, "centralized mode runs exactly one round, got %d", s.Rounds)
	}
	if s.Patience < 1 {
		return errors.Wrapf(ErrInvalid, "patience must be positive, got %d", s.Patience)
	}
	if s.Threshold < 0 {
		return errors.Wrapf(ErrInvalid, "threshold must not be negative, got %f", s.Threshold)
	}
	if s.MembersFile == "" || s.LineagePath == "" {
		return errors.Wrap(ErrInvalid, "members file and lineage path are required")
	}
	switch s.Trainer.Kind {
	case "mlp":
		if s.Architecture.InputDim < 1 {
			return errors.Wrapf(ErrInvalid, "input dimension must be positive, got %d", s.Architecture.InputDim)
		}
	case "exec":
		if len(s.Trainer.Command) == 0 {
			return errors.Wrap(ErrInvalid, "exec trainer needs a command")
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown trainer kind %q", s.Trainer.Kind)
	}
	switch s.Probe.Kind {
	case "script":
		if len(s.Probe.Script) == 0 || s.Probe.OutputPath == "" {
			return errors.Wrap(ErrInvalid, "script probe needs a command and an output path")
		}
	case "static":
	default:
		return errors.Wrapf(ErrInvalid, "unknown probe kind %q", s.Probe.Kind)
	}

	return nil
}

func (s *Settings) NodeDir() string {
	return common.GetNodeDir(s.BaseDir, s.NodeID)
}

func (s *Settings) PhaseDelay() time.Duration {
	return seconds(s.PhaseDelaySeconds)
}

func (s *Settings) GossipDelay() time.Duration {
	return seconds(s.GossipDelaySeconds)
}

func (s *Settings) GossipCeiling() time.Duration {
	return seconds(s.GossipCeilingSeconds)
}

func (s *Settings) ClientTimeout() time.Duration {
	return seconds(s.ClientTimeoutSeconds)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

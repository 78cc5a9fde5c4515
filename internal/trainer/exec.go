package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// ExecTrainer delegates to an external program:
//
//	<command...> train <in> <out>
//	<command...> evaluate <path>
//
// The local data path is passed in FEDNODE_DATA. Evaluate expects {"f1": .., "accuracy": ..} on stdout.
type ExecTrainer struct {
	command  []string
	dataPath string
	logger   hclog.Logger
}

func NewExecTrainer(command []string, dataPath string, logger hclog.Logger) *ExecTrainer {
	return &ExecTrainer{command: command, dataPath: dataPath, logger: logger}
}

func (t *ExecTrainer) run(ctx context.Context, args ...string) ([]byte, error) {
	if len(t.command) == 0 {
		return nil, errors.New("trainer command is empty")
	}

	argv := append(append([]string{}, t.command[1:]...), args...)
	cmd := exec.CommandContext(ctx, t.command[0], argv...)
	cmd.Env = append(os.Environ(), "FEDNODE_DATA="+t.dataPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.logger.Debug("trainer stderr", "output", stderr.String())
		return nil, errors.Wrapf(err, "trainer %s %s failed", t.command[0], args[0])
	}

	return stdout.Bytes(), nil
}

func (t *ExecTrainer) Train(ctx context.Context, in string, out string) error {
	if _, err := t.run(ctx, "train", in, out); err != nil {
		return err
	}
	if _, err := os.Stat(out); err != nil {
		return errors.Wrapf(err, "trainer produced no artifact at %s", out)
	}

	return nil
}

func (t *ExecTrainer) Evaluate(ctx context.Context, path string) (model.QualityReport, error) {
	output, err := t.run(ctx, "evaluate", path)
	if err != nil {
		return model.QualityReport{}, err
	}

	report := model.QualityReport{}
	if err := json.Unmarshal(bytes.TrimSpace(output), &report); err != nil {
		return model.QualityReport{}, errors.Wrap(err, "unable to decode trainer report")
	}

	return report, nil
}

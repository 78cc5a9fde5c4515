// Package probe measures the local resources a node advertises during leader election.
package probe

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type Prober interface {
	Probe(ctx context.Context) (model.ResourceSnapshot, error)
}

// ScriptProber runs an external measurement script which leaves a JSON snapshot at OutputPath.
type ScriptProber struct {
	Command    []string
	OutputPath string
	Identity   model.NodeIdentity
	logger     hclog.Logger
}

func NewScriptProber(command []string, outputPath string, identity model.NodeIdentity, logger hclog.Logger) *ScriptProber {
	return &ScriptProber{
		Command:    command,
		OutputPath: outputPath,
		Identity:   identity,
		logger:     logger,
	}
}

func (p *ScriptProber) Probe(ctx context.Context) (model.ResourceSnapshot, error) {
	if len(p.Command) == 0 {
		return model.ResourceSnapshot{}, errors.New("probe command is empty")
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		p.logger.Debug("probe script output", "output", string(output))
		return model.ResourceSnapshot{}, errors.Wrapf(err, "probe script %s failed", p.Command[0])
	}

	data, err := os.ReadFile(p.OutputPath)
	if err != nil {
		return model.ResourceSnapshot{}, errors.Wrapf(err, "unable to read probe output %s", p.OutputPath)
	}

	snapshot := model.ResourceSnapshot{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.ResourceSnapshot{}, errors.Wrapf(err, "unable to decode probe output %s", p.OutputPath)
	}
	snapshot.Identity = p.Identity

	p.logger.Debug("probed resources", "ram_mb", snapshot.RamMB, "cpu_mhz", snapshot.CpuMHz, "gpu", snapshot.GpuActive)

	return snapshot, nil
}

// StaticProber always reports the same snapshot.
type StaticProber struct {
	Snapshot model.ResourceSnapshot
}

func (p *StaticProber) Probe(ctx context.Context) (model.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.ResourceSnapshot{}, err
	}

	return p.Snapshot, nil
}

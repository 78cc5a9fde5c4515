package main

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/election"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityCmd(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := newIdentityCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"10.0.0.1:5000"})

	require.NoError(t, cmd.Execute())
	identity := strings.TrimSpace(out.String())
	assert.Len(t, identity, model.IdentityWidth)
	assert.Equal(t, string(common.DeriveIdentity("10.0.0.1:5000")), identity)
}

func TestElectCmdMatchesElectFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), common.METRICS_TABLE_FILE)
	table := election.NewTable()
	table.Add(election.Row{Rank: 1, Snapshot: model.ResourceSnapshot{Identity: "a", RamMB: 2048, CpuMHz: 1500}})
	table.Add(election.Row{Rank: 2, Snapshot: model.ResourceSnapshot{Identity: "b", RamMB: 8192, CpuMHz: 3000, GpuActive: true}})
	require.NoError(t, table.WriteCSV(path))

	expected, err := election.ElectFromFile(path, 4)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	cmd := newElectCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--table", path, "--round", "4"})

	require.NoError(t, cmd.Execute())
	rank, err := strconv.Atoi(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, expected, rank)
}

func TestElectCmdMissingTable(t *testing.T) {
	cmd := newElectCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--table", filepath.Join(t.TempDir(), "missing.csv")})

	assert.Error(t, cmd.Execute())
}

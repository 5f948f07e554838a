package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/moe-sys/checkpoint"
	"github.com/unixpickle/moe-sys/config"
	"github.com/unixpickle/moe-sys/params"
	"github.com/unixpickle/moe-sys/topology"
)

func execute(t *testing.T, args ...string) (string, error) {
	topology.Reset()
	t.Cleanup(topology.Reset)
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTopologyCmd(t *testing.T) {
	out, err := execute(t, "topology", "--num-experts", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "EXPERT PEERS")
	assert.Contains(t, out, "[6 7]")
	if assert.NotNil(t, topology.Current()) {
		assert.Equal(t, 4, topology.Current().ExpertParallelSize)
	}

	_, err = execute(t, "topology", "--num-experts", "3")
	require.Error(t, err)
	assert.True(t, config.IsError(err))
}

func TestTrainCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("world_size: 4\nmodel_parallel_size: 1\n"+
		"num_experts: 4\nsteps: 2\nreducer: naive\n"), 0644))
	saveDir := filepath.Join(dir, "ckpt")

	out, err := execute(t, "train", "--config", cfgPath, "--quiet", "--save", saveDir)
	require.NoError(t, err)
	assert.Contains(t, out, "saved 4 checkpoints")
	if assert.NotNil(t, topology.Current()) {
		assert.Equal(t, 4, topology.Current().WorldSize)
	}

	c, err := checkpoint.LoadFile(filepath.Join(saveDir, "rank3.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Rank)
	assert.Equal(t, 2, c.Step)
	assert.Contains(t, c.State, params.ID("layers.0.mlp.experts.3.fc1.weight"))
}

func TestBenchGrid(t *testing.T) {
	runs := []RunInfo{{NumNodes: 2, Latency: 0.1, Rate: 1e6}, {NumNodes: 5, Latency: 1e-3, Rate: 1e9}}
	names := []string{"naive", "tree"}
	grid, err := benchGrid(runs, []int{1, 100}, names, 2)
	require.NoError(t, err)
	require.Len(t, grid, 2)
	for _, row := range grid {
		require.Len(t, row, 2)
		for _, times := range row {
			require.Len(t, times, len(names))
			for _, x := range times {
				assert.Greater(t, x, 0.0)
			}
		}
	}

	// Two nodes pay at least one latency period.
	assert.GreaterOrEqual(t, grid[0][0][0], 0.1)
}

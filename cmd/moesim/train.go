package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/unixpickle/moe-sys/checkpoint"
	"github.com/unixpickle/moe-sys/topology"
	"github.com/unixpickle/moe-sys/trainer"
)

func NewTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a simulated training job",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}
	cmd.Flags().String("save", "", "directory for per-rank checkpoints")
	cmd.Flags().Bool("quiet", false, "hide the progress bar")
	return cmd
}

func trainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	saveDir, _ := cmd.Flags().GetString("save")
	quiet, _ := cmd.Flags().GetBool("quiet")

	topo, err := topology.Setup(cfg.WorldSize, cfg.ModelParallelSize, cfg.DistributedExperts)
	if err != nil {
		return err
	}
	job := &trainer.Job{Config: cfg, Topology: topo}
	if !quiet {
		bar := progressbar.NewOptions(cfg.Steps,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("training"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		job.OnStep = func(step int) {
			bar.Add(1)
		}
	}

	res, err := job.Run()
	if err != nil {
		return err
	}

	var data [][]string
	for rank, w := range res.Workers {
		data = append(data, []string{
			strconv.Itoa(rank),
			fmt.Sprint(w.Experts),
			strconv.Itoa(len(w.State)),
			humanize.Bytes(uint64(w.BytesSent)),
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s: %s in %.6fs virtual time, %s sent\n", res.ID, res.Topology,
		res.Time, humanize.Bytes(uint64(res.BytesSent())))
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"RANK", "EXPERTS", "PARAMS", "SENT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	if saveDir == "" {
		return nil
	}
	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return errors.Wrap(err, "save checkpoints")
	}
	for rank, w := range res.Workers {
		path := filepath.Join(saveDir, fmt.Sprintf("rank%d.ckpt", rank))
		err := checkpoint.SaveFile(path, &checkpoint.Checkpoint{
			RunID: res.ID,
			Rank:  rank,
			Step:  cfg.Steps,
			State: w.State,
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "saved %d checkpoints to %s\n", len(res.Workers), saveDir)
	return nil
}

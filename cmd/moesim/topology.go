package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/unixpickle/moe-sys/placement"
	"github.com/unixpickle/moe-sys/topology"
)

func NewTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Show the coordinates and experts of every rank",
		Args:  cobra.NoArgs,
		RunE:  topologyHandler,
	}
}

func topologyHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	topo, err := topology.Setup(cfg.WorldSize, cfg.ModelParallelSize, cfg.DistributedExperts)
	if err != nil {
		return err
	}
	assignment, err := placement.Assign(cfg.NumExperts, topo)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), topo)

	var data [][]string
	for rank := 0; rank < topo.WorldSize; rank++ {
		c := topo.Coords(rank)
		data = append(data, []string{
			strconv.Itoa(rank),
			strconv.Itoa(c.ModelParallelRank),
			strconv.Itoa(c.DataParallelRank),
			strconv.Itoa(c.ExpertParallelRank),
			strconv.Itoa(c.ReplicaIndex),
			fmt.Sprint(assignment[rank]),
			fmt.Sprint(topo.GroupOf(topology.ExpertDataParallel, rank)),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"RANK", "MP", "DP", "EP", "REPLICA", "EXPERTS", "EXPERT PEERS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

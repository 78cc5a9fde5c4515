package main

import (
	"fmt"
	"os"

	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/election"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fednode",
		Short:         "Federated learning node with per-round leader election",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newIdentityCmd())
	rootCmd.AddCommand(newElectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fednode:", err)
		os.Exit(1)
	}
}

func newIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity <address>",
		Short: "Print the identity derived for a node address",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), common.DeriveIdentity(args[0]))
		},
	}
}

func newElectCmd() *cobra.Command {
	var tablePath string
	var round int

	cmd := &cobra.Command{
		Use:   "elect",
		Short: "Run the leader draw over a persisted metrics table",
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := election.ElectFromFile(tablePath, round)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rank)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tablePath, "table", "t", common.METRICS_TABLE_FILE, "Metrics table written by the gossip phase")
	cmd.Flags().IntVarP(&round, "round", "r", 0, "Round number seeding the draw")

	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepLoop bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail statements stuck in processing",
	Long: `Sweep marks statements that have been processing for longer than
processing.stale_after as failed with detail "timeout", for instance after a
crash interrupted their parse. With --loop it keeps sweeping every
processing.sweep_interval until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepLoop, "loop", false, "keep sweeping until interrupted")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withApp(ctx, func(a *app) error {
		if sweepLoop {
			verbosef("Sweeping every %s\n", a.config.Processing.SweepInterval)
			return a.svc.RunSweeper(ctx)
		}

		swept, err := a.svc.SweepTimeouts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d statements\n", swept)
		return nil
	})
}

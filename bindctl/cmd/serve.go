package cmd

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sarchlab/bindctl/sim/timing"
	"github.com/sarchlab/bindctl/simulation"
)

func newServeCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run on the wall clock with the monitor until interrupted.",
		Long: `serve runs the controllers on the wall clock and serves the ` +
			`monitor. Modes are kept in BINDCTL_PREFS_PATH. With --handles, ` +
			`a random workload keeps the controllers busy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cmd, s)
		},
	}

	cmd.Flags().Int("port", -1, "monitor port, overrides BINDCTL_MONITOR_PORT")
	cmd.Flags().Int("handles", 0, "number of synthetic handles to drive")
	cmd.Flags().Int64("seed", 1, "seed of the workload")
	cmd.Flags().Float64("mean-gap", 5,
		"mean seconds between two actions of a handle")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, s *settings) error {
	flags := cmd.Flags()
	port, _ := flags.GetInt("port")
	handles, _ := flags.GetInt("handles")
	seed, _ := flags.GetInt64("seed")
	meanGap, _ := flags.GetFloat64("mean-gap")

	if port < 0 {
		port = s.cfg.MonitorPort
	}

	sim, err := simulation.MakeBuilder().
		FromConfig(s.cfg).
		WithLogger(s.log).
		WithRealTimeEngine().
		WithMonitoring(port).
		Build()
	if err != nil {
		return err
	}
	defer sim.Terminate()

	if handles > 0 {
		simulation.NewWorkload(sim, seed, handles, "handle").
			WithMeanGap(timing.VTimeInSec(meanGap)).
			Start(math.Inf(1))
	}

	s.log.Info("serving", "monitor", sim.GetMonitor().Addr())

	if err := sim.Serve(ctx); err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), sim.Summarize())

	return sim.Terminate()
}

package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sarchlab/bindctl/sim/timing"
	"github.com/sarchlab/bindctl/simulation"
)

func newSimulateCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a random workload in virtual time and print a summary.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, s)
		},
	}

	cmd.Flags().Int("handles", 10, "number of synthetic handles")
	cmd.Flags().Float64("duration", 600, "virtual seconds to simulate")
	cmd.Flags().Int64("seed", 1, "seed of the workload")
	cmd.Flags().Float64("mean-gap", 20,
		"mean virtual seconds between two actions of a handle")
	cmd.Flags().Int("max-bound", 0,
		"cap on bound handles, overrides BINDCTL_MAX_BOUND")
	cmd.Flags().String("prefs", "",
		"SQLite file to keep modes in, in memory if empty")
	cmd.Flags().Bool("record", false, "record transitions into SQLite")
	cmd.Flags().String("record-path", "",
		"recording file name without extension")
	cmd.Flags().String("clickhouse", "",
		"record into the ClickHouse database at this DSN, "+
			"overrides BINDCTL_CLICKHOUSE_DSN")
	cmd.Flags().Bool("monitor", false, "serve the monitor while running")

	return cmd
}

func runSimulate(cmd *cobra.Command, s *settings) error {
	flags := cmd.Flags()
	handles, _ := flags.GetInt("handles")
	duration, _ := flags.GetFloat64("duration")
	seed, _ := flags.GetInt64("seed")
	meanGap, _ := flags.GetFloat64("mean-gap")
	maxBound, _ := flags.GetInt("max-bound")
	prefsPath, _ := flags.GetString("prefs")
	record, _ := flags.GetBool("record")
	recordPath, _ := flags.GetString("record-path")
	clickHouseDSN, _ := flags.GetString("clickhouse")
	monitor, _ := flags.GetBool("monitor")

	if handles < 0 || duration < 0 || meanGap <= 0 {
		return errors.New("handles, duration and mean-gap must be positive")
	}

	b := simulation.MakeBuilder().
		FromConfig(s.cfg).
		WithLogger(s.log).
		WithPreferencesPath(prefsPath).
		WithBrowser(monitor && s.cfg.OpenBrowser)

	if maxBound > 0 {
		b = b.WithMaxBound(maxBound)
	}

	if record || s.cfg.Record {
		if recordPath == "" {
			recordPath = s.cfg.RecordPath
		}

		b = b.WithRecording(recordPath)
	}

	if clickHouseDSN != "" {
		b = b.WithClickHouseRecording(clickHouseDSN)
	}

	if monitor {
		b = b.WithMonitoring(s.cfg.MonitorPort)
	}

	sim, err := b.Build()
	if err != nil {
		return err
	}
	defer sim.Terminate()

	w := simulation.NewWorkload(sim, seed, handles, "handle").
		WithMeanGap(timing.VTimeInSec(meanGap))
	w.Start(timing.VTimeInSec(duration))

	if err := sim.RunUntil(timing.VTimeInSec(duration)); err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), sim.Summarize())

	return sim.Terminate()
}

func printSummary(out io.Writer, sum simulation.Summary) {
	fmt.Fprintf(out, "time:         %.3f\n", sum.Time)
	fmt.Fprintf(out, "handles:      %d\n", sum.Handles)
	fmt.Fprintf(out, "bound:        %d / %d\n", sum.Bound, sum.Cap)
	fmt.Fprintf(out, "binds:        %d\n", sum.Binds)
	fmt.Fprintf(out, "unbinds:      %d\n", sum.Unbinds)
	fmt.Fprintf(out, "failed binds: %d\n", sum.FailedBinds)
	fmt.Fprintf(out, "peak bound:   %d\n", sum.PeakBound)
	fmt.Fprintf(out, "passes:       %d\n", sum.Passes)

	names := make([]string, 0, len(sum.Hooks))
	for name := range sum.Hooks {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(out, "hook %-12s %d\n", name+":", sum.Hooks[name])
	}
}

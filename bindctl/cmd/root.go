// Package cmd provides the command-line interface of bindctl.
package cmd

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/bindctl/config"
	"github.com/sarchlab/bindctl/logging"
)

// settings is what every subcommand starts from.
type settings struct {
	cfg      config.Config
	log      logr.Logger
	flushLog func()
}

// NewRootCmd creates the bindctl command tree.
func NewRootCmd() *cobra.Command {
	s := &settings{log: logr.Discard(), flushLog: func() {}}

	rootCmd := &cobra.Command{
		Use:   "bindctl",
		Short: "bindctl simulates and inspects the binding of hosted handles.",
		Long: `bindctl simulates populations of handles competing for a ` +
			`limited number of bindings, serves a live monitor, and reads ` +
			`stored modes and recorded transitions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			s.flushLog()
		},
	}

	rootCmd.PersistentFlags().String("env", ".env",
		"file to read BINDCTL_ variables from")
	rootCmd.PersistentFlags().IntP("verbosity", "v", -1,
		"log verbosity, overrides BINDCTL_LOG_VERBOSITY")
	rootCmd.PersistentFlags().Bool("dev", false, "human readable logs")

	rootCmd.AddCommand(
		newSimulateCmd(s),
		newServeCmd(s),
		newPrefsCmd(s),
		newTraceCmd(s),
	)

	return rootCmd
}

func (s *settings) load(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env")

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetInt("verbosity"); v >= 0 {
		cfg.LogVerbosity = v
	}

	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		cfg.LogDevelopment = true
	}

	log, flush, err := logging.New(logging.Options{
		Development: cfg.LogDevelopment,
		Verbosity:   cfg.LogVerbosity,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	s.cfg = cfg
	s.log = log
	s.flushLog = flush

	return nil
}

// Execute runs the root command. Registered exit handlers, such as the flush
// of a recording, run before the process exits.
func Execute() {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

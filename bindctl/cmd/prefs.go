package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/preferences"
)

func newPrefsCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read and change the stored mode of handles.",
	}

	cmd.PersistentFlags().String("path", "",
		"preferences file, overrides BINDCTL_PREFS_PATH")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print the mode of every handle.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd, s, func(store preferences.Store) error {
					modes, err := store.All()
					if err != nil {
						return err
					}

					for _, id := range preferences.SortedIDs(modes) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, modes[id])
					}

					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get HANDLE",
			Short: "Print the mode of a handle.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, s, func(store preferences.Store) error {
					mode, err := store.Mode(args[0])
					if err != nil {
						return err
					}

					fmt.Fprintln(cmd.OutOrStdout(), mode)

					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set HANDLE MODE",
			Short: "Store the mode of a handle: unset, passive, or active.",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				mode, err := binding.ParseMode(args[1])
				if err != nil {
					return err
				}

				return withStore(cmd, s, func(store preferences.Store) error {
					return store.SetMode(args[0], mode)
				})
			},
		},
	)

	return cmd
}

func withStore(
	cmd *cobra.Command,
	s *settings,
	fn func(store preferences.Store) error,
) error {
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = s.cfg.PrefsPath
	}

	store, err := preferences.OpenSQLite(path)
	if err != nil {
		return err
	}

	err = fn(store)
	if closeErr := store.Close(); err == nil {
		err = closeErr
	}

	return err
}

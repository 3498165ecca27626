package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/bindctl/datarecording"
	"github.com/sarchlab/bindctl/tracing"
)

func newTraceCmd(_ *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace FILE",
		Short: "Print the transitions stored in a recording.",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrace,
	}

	cmd.Flags().String("handle", "", "only print this handle")
	cmd.Flags().String("what", "", "only print this kind of transition")
	cmd.Flags().Int("limit", 100, "print at most this many, 0 for all")
	cmd.Flags().Int("offset", 0, "skip this many transitions")

	return cmd
}

func runTrace(cmd *cobra.Command, args []string) error {
	file := args[0]
	if !strings.HasSuffix(file, ".sqlite3") {
		file += ".sqlite3"
	}

	if _, err := os.Stat(file); err != nil {
		return err
	}

	flags := cmd.Flags()
	handle, _ := flags.GetString("handle")
	what, _ := flags.GetString("what")
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")

	reader, err := datarecording.NewReader(file)
	if err != nil {
		return err
	}
	defer reader.Close()

	reader.MapTable(tracing.TransitionTable, tracing.TransitionEntry{})

	params := datarecording.QueryParams{
		OrderBy: "Time ASC",
		Limit:   limit,
		Offset:  offset,
	}

	var where []string

	if handle != "" {
		where = append(where, "HandleID = ?")
		params.Args = append(params.Args, handle)
	}

	if what != "" {
		where = append(where, "What = ?")
		params.Args = append(params.Args, what)
	}

	params.Where = strings.Join(where, " AND ")

	rows, total, err := reader.Query(cmd.Context(),
		tracing.TransitionTable, params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, row := range rows {
		e := row.(*tracing.TransitionEntry)
		fmt.Fprintf(out,
			"%10.3f %-12s %-24s mode=%-7s req=%-5t perm=%-5t bound=%-5t prio=%d\n",
			e.Time, e.What, e.HandleID, e.Mode,
			e.Requested, e.Permitted, e.Bound, e.Priority)
	}

	fmt.Fprintf(out, "%d of %d transitions\n", len(rows), total)

	return nil
}

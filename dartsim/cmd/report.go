package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/sarchlab/iommu/datarecording"
	"github.com/sarchlab/iommu/tracing"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <trace.sqlite3>",
	Short: "Summarize the sessions of a trace database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if _, err := os.Stat(args[0]); err != nil {
			return err
		}

		reader := datarecording.NewReader(args[0])
		defer reader.Close()

		return report(cmd.Context(), reader, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func report(ctx context.Context, r datarecording.DataReader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	traces := tracing.NewTraceReader(r)

	sessions, err := traces.ListSessions(ctx)
	if err != nil {
		return err
	}

	for _, session := range sessions {
		fmt.Fprintf(out, "%s: %d operations in %.6fs\n",
			session.TableName, session.NumOps,
			session.SessionEnd-session.SessionStart)

		ops, err := traces.SummarizeSession(ctx, session)
		if err != nil {
			return err
		}

		printOpSummaries(out, ops)
	}

	return nil
}

func printOpSummaries(out io.Writer, ops []tracing.OpSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  OPERATION\tCOUNT\tPAGES\tRETRIES")

	for _, op := range ops {
		fmt.Fprintf(w, "  %s %s\t%d\t%d\t%d\n",
			op.Location, op.Op, op.Count, op.Pages, op.Retries)
	}

	w.Flush()
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, cancelling, and summarizing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		seed, _ := cmd.Flags().GetString("seed")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:   model.RunStatus(status),
			SeedASIN: seed,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or in-progress run at its next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.CancelRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "runs cancel")
		}
		fmt.Fprintf(os.Stderr, "Run %s cancelled.\n", args[0])
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{Limit: 10000}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunsStats(os.Stdout, runs)
		return nil
	},
}

func formatRunsList(w io.Writer, runs []model.PipelineRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEED\tSTAGE\tSTATUS\tERROR\tCREATED")
	for _, r := range runs {
		errMsg := ""
		if r.Error != nil {
			errMsg = truncate(r.Error.Message, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SeedASIN, r.Stage, r.Status, errMsg,
			r.CreatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush() //nolint:errcheck
}

func formatRunsStats(w io.Writer, runs []model.PipelineRun) {
	byStatus := make(map[model.RunStatus]int)
	failedByStage := make(map[model.Stage]int)
	for _, r := range runs {
		byStatus[r.Status]++
		if r.Status == model.RunStatusFailed {
			failedByStage[r.Stage]++
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Total runs:\t%d\n", len(runs))
	for _, status := range []model.RunStatus{
		model.RunStatusPending, model.RunStatusInProgress,
		model.RunStatusSucceeded, model.RunStatusFailed, model.RunStatusCancelled,
	} {
		if n := byStatus[status]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", status, n)
		}
	}
	if len(failedByStage) > 0 {
		fmt.Fprintln(tw, "Failures by stage:")
		for _, stage := range model.Stages {
			if n := failedByStage[stage]; n > 0 {
				fmt.Fprintf(tw, "  %s:\t%d\n", stage, n)
			}
		}
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	runsListCmd.Flags().String("status", "", "Filter by status (pending, in_progress, succeeded, failed, cancelled)")
	runsListCmd.Flags().String("seed", "", "Filter by seed ASIN")
	runsListCmd.Flags().Int("limit", 50, "Maximum number of runs to show")
	runsStatsCmd.Flags().Duration("since", 0, "Only include runs created within this duration (e.g. 24h)")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCancelCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

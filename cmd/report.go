package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var reportHistory bool

var reportCmd = &cobra.Command{
	Use:   "report <asin>",
	Short: "Show the latest analysis report for a seed ASIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		seed := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if reportHistory {
			reports, err := st.ListReports(ctx, seed)
			if err != nil {
				return eris.Wrap(err, "report")
			}
			if len(reports) == 0 {
				fmt.Fprintln(os.Stderr, "No reports found.")
				return nil
			}
			return enc.Encode(reports)
		}

		report, err := st.LatestReport(ctx, seed)
		if err != nil {
			return eris.Wrap(err, "report")
		}
		if report == nil {
			return fmt.Errorf("no report for %s; run `price-atlas analyze %s` first", seed, seed)
		}
		return enc.Encode(report)
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportHistory, "history", false, "Show every report ever generated, oldest first")
	rootCmd.AddCommand(reportCmd)
}

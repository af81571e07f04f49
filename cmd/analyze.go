package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Bh3ky/price-atlas/internal/pipeline"
)

var (
	analyzeMarketplace string
	analyzeGeo         string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <asin>",
	Short: "Run the full discovery and analysis pipeline for a seed ASIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		seed := args[0]

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := p.Start(ctx, seed, analyzeMarketplace, analyzeGeo)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrInvalidSeed):
				return fmt.Errorf("%q is not a valid ASIN (10 alphanumeric characters)", seed)
			case errors.Is(err, pipeline.ErrAlreadyRunning):
				return fmt.Errorf("a run is already in progress for %s; wait for it or cancel it", seed)
			}
			// The run carries the failed stage and cause; surface both.
			if run != nil && run.Error != nil {
				zap.L().Error("pipeline failed",
					zap.String("run_id", run.ID),
					zap.String("stage", string(run.Error.Stage)),
					zap.String("category", string(run.Error.Category)))
				return fmt.Errorf("run %s failed at %s (%s): %s; resumable with `price-atlas resume %s`",
					run.ID, run.Error.Stage, run.Error.Category, run.Error.Message, seed)
			}
			return err
		}

		report, err := st.LatestReport(ctx, seed)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Run %s succeeded.\n", run.ID)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeMarketplace, "marketplace", "", "Amazon domain suffix (com, ca, co.uk, de, za, fr, it, ae)")
	analyzeCmd.Flags().StringVar(&analyzeGeo, "geo", "", "Geo location or zip code for scraping")
	rootCmd.AddCommand(analyzeCmd)
}

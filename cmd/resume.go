package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bh3ky/price-atlas/internal/pipeline"
	"github.com/Bh3ky/price-atlas/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <asin>",
	Short: "Resume the latest failed run for a seed ASIN from its failed stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		seed := args[0]

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := p.Resume(ctx, seed)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("no run found for %s; use `price-atlas analyze %s` to start one", seed, seed)
			case errors.Is(err, pipeline.ErrNotResumable):
				return fmt.Errorf("latest run for %s is %s, not failed; nothing to resume", seed, run.Status)
			}
			if run != nil && run.Error != nil {
				return fmt.Errorf("run %s failed again at %s (%s): %s",
					run.ID, run.Error.Stage, run.Error.Category, run.Error.Message)
			}
			return err
		}

		fmt.Fprintf(os.Stderr, "Run %s resumed and succeeded.\n", run.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

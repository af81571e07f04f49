package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/internal/pipeline"
)

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch [asin...]",
	Short: "Run the pipeline for many seed ASINs concurrently",
	Long:  "Seeds come from arguments or, with --file, one ASIN per line. Distinct seeds run concurrently up to the configured limit; one seed failing never stops the others.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		seeds, err := collectSeeds(args, batchFile)
		if err != nil {
			return err
		}
		if len(seeds) == 0 {
			return eris.New("no seed ASINs given")
		}

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		concurrency := cfg.Batch.MaxConcurrentSeeds
		if concurrency <= 0 {
			concurrency = 4
		}

		var succeeded, failed, skipped int
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		results := make([]error, len(seeds))
		for i, seed := range seeds {
			g.Go(func() error {
				_, runErr := p.Start(gctx, seed, "", "")
				results[i] = runErr
				return nil // one seed failing never fails the batch
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "batch")
		}

		for i, seed := range seeds {
			switch {
			case results[i] == nil:
				succeeded++
			case errors.Is(results[i], pipeline.ErrAlreadyRunning):
				skipped++
				zap.L().Warn("seed skipped, run already active", zap.String("seed", seed))
			default:
				failed++
				zap.L().Error("seed failed", zap.String("seed", seed), zap.Error(results[i]))
			}
		}

		fmt.Fprintf(os.Stderr, "Batch complete: %d succeeded, %d failed, %d skipped.\n",
			succeeded, failed, skipped)
		if failed > 0 {
			return eris.Errorf("%d of %d seeds failed", failed, len(seeds))
		}
		return nil
	},
}

// collectSeeds merges argument and file seeds, validating and deduplicating.
func collectSeeds(args []string, file string) ([]string, error) {
	seen := make(map[string]bool)
	var seeds []string
	add := func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return nil
		}
		if !model.ValidASIN(s) {
			return eris.Errorf("invalid ASIN %q", s)
		}
		seen[s] = true
		seeds = append(seeds, s)
		return nil
	}

	for _, a := range args {
		if err := add(a); err != nil {
			return nil, err
		}
	}

	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, eris.Wrap(err, "open seed file")
		}
		defer f.Close() //nolint:errcheck

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(strings.TrimSpace(line), "#") {
				continue
			}
			if err := add(line); err != nil {
				return nil, err
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, eris.Wrap(err, "read seed file")
		}
	}
	return seeds, nil
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "File with one seed ASIN per line (# comments allowed)")
	rootCmd.AddCommand(batchCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Bh3ky/price-atlas/internal/model"
)

var productsJSON bool

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List every scraped product",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		products, err := st.ListProducts(ctx)
		if err != nil {
			return eris.Wrap(err, "products")
		}

		if productsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(products)
		}

		if len(products) == 0 {
			fmt.Fprintln(os.Stderr, "No products found.")
			return nil
		}
		formatProducts(os.Stdout, products)
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <asin>",
	Short: "Show the scrape history of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snaps, err := st.ListSnapshots(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "snapshots")
		}
		if len(snaps) == 0 {
			fmt.Fprintln(os.Stderr, "No snapshots found.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	},
}

var exportOut string

// exportEntry bundles a product with its discovered competitors and
// latest report for offline inspection.
type exportEntry struct {
	Product     model.Product         `json:"product"`
	Competitors []model.Product       `json:"competitors,omitempty"`
	Report      *model.AnalysisReport `json:"report,omitempty"`
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all products with competitors and reports as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		products, err := st.ListProducts(ctx)
		if err != nil {
			return eris.Wrap(err, "export")
		}

		entries := make([]exportEntry, 0, len(products))
		for _, p := range products {
			competitors, err := st.ListCompetitors(ctx, p.ASIN)
			if err != nil {
				return eris.Wrapf(err, "export competitors for %s", p.ASIN)
			}
			report, err := st.LatestReport(ctx, p.ASIN)
			if err != nil {
				return eris.Wrapf(err, "export report for %s", p.ASIN)
			}
			entries = append(entries, exportEntry{
				Product:     p,
				Competitors: competitors,
				Report:      report,
			})
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrap(err, "export: create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return eris.Wrap(err, "export: encode")
		}
		if exportOut != "" {
			fmt.Fprintf(os.Stderr, "Exported %d products to %s\n", len(entries), exportOut)
		}
		return nil
	},
}

func formatProducts(w io.Writer, products []model.Product) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASIN\tTITLE\tPRICE\tRATING\tREVIEWS\tSCRAPED")
	for _, p := range products {
		fmt.Fprintf(tw, "%s\t%s\t%s %.2f\t%.1f\t%d\t%s\n",
			p.ASIN, truncate(p.Title, 48), p.Currency, p.Price, p.Rating, p.ReviewCount,
			p.ScrapedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	productsCmd.Flags().BoolVar(&productsJSON, "json", false, "Output as JSON")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Write to file instead of stdout")
	productsCmd.AddCommand(snapshotsCmd)
	productsCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(productsCmd)
}

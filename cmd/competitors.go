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

var competitorsJSON bool

var competitorsCmd = &cobra.Command{
	Use:   "competitors <asin>",
	Short: "List the discovered competitors of a seed product in rank order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		seed := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		links, err := st.ListLinks(ctx, seed)
		if err != nil {
			return eris.Wrap(err, "competitors")
		}
		products, err := st.ListCompetitors(ctx, seed)
		if err != nil {
			return eris.Wrap(err, "competitors")
		}

		if competitorsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(products)
		}

		if len(links) == 0 {
			fmt.Fprintln(os.Stderr, "No competitors found.")
			return nil
		}
		formatCompetitors(os.Stdout, links, products)
		return nil
	},
}

func formatCompetitors(w io.Writer, links []model.CompetitorLink, products []model.Product) {
	byASIN := make(map[string]model.Product, len(products))
	for _, p := range products {
		byASIN[p.ASIN] = p
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tASIN\tTITLE\tPRICE\tRATING\tDISCOVERED")
	for _, l := range links {
		p, scraped := byASIN[l.CompetitorASIN]
		title, price := "(not scraped)", ""
		if scraped {
			title = truncate(p.Title, 48)
			price = fmt.Sprintf("%s %.2f", p.Currency, p.Price)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1f\t%s\n",
			l.DiscoveryRank, l.CompetitorASIN, title, price, p.Rating,
			l.DiscoveredAt.Format("2006-01-02 15:04"))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	competitorsCmd.Flags().BoolVar(&competitorsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(competitorsCmd)
}

// Package scrape wraps the Oxylabs client behind a gateway that normalizes
// listings into the product model and classifies provider failures so the
// orchestrator can decide what is retryable.
package scrape

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/pkg/oxylabs"
)

// Candidate is a discovered competitor before it has been scraped. Rank is
// the provider relevance position, 1-based, lower is better.
type Candidate struct {
	ASIN  string
	Title string
	Rank  int
}

// Gateway is the scraping surface the pipeline depends on.
type Gateway interface {
	// Fetch scrapes a single listing and normalizes it. Failures carry a
	// *Error kind.
	Fetch(ctx context.Context, asin, marketplace, geo string) (*model.Product, error)
	// SearchSimilar discovers competitor candidates for a seed product,
	// ordered by provider relevance. The seed itself is excluded.
	SearchSimilar(ctx context.Context, seed *model.Product, limit int) ([]Candidate, error)
}

// OxylabsGateway implements Gateway on the realtime scraper API.
type OxylabsGateway struct {
	client        oxylabs.Client
	maxCategories int
}

// NewOxylabsGateway wraps an Oxylabs client. maxCategories caps how many of
// the seed's categories seed extra discovery searches.
func NewOxylabsGateway(client oxylabs.Client, maxCategories int) *OxylabsGateway {
	if maxCategories < 0 {
		maxCategories = 0
	}
	return &OxylabsGateway{client: client, maxCategories: maxCategories}
}

func (g *OxylabsGateway) Fetch(ctx context.Context, asin, marketplace, geo string) (*model.Product, error) {
	content, err := g.client.Product(ctx, oxylabs.ProductRequest{
		ASIN:        asin,
		Domain:      marketplace,
		GeoLocation: geo,
	})
	if err != nil {
		return nil, classify(asin, err)
	}
	if content.Title == "" {
		// A parsed page with no title is a dead or blocked listing.
		return nil, &Error{Kind: KindNotFound, ASIN: asin}
	}

	p := &model.Product{
		ASIN:        asin,
		Title:       content.Title,
		Brand:       content.Brand,
		Price:       content.Price,
		Currency:    content.Currency,
		Rating:      content.Rating,
		ReviewCount: content.ReviewsCount,
		Categories:  content.Categories,
		Marketplace: marketplace,
		Geo:         geo,
		RawPayload:  content.Raw,
	}
	return p, nil
}

func (g *OxylabsGateway) SearchSimilar(ctx context.Context, seed *model.Product, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	queries := []oxylabs.SearchRequest{{
		Query:       seed.Title,
		Domain:      seed.Marketplace,
		GeoLocation: seed.Geo,
	}}
	for i, category := range seed.Categories {
		if i >= g.maxCategories {
			break
		}
		queries = append(queries, oxylabs.SearchRequest{
			Query:       seed.Title,
			Domain:      seed.Marketplace,
			GeoLocation: seed.Geo,
			Category:    category,
		})
	}

	// Merge results across searches keeping the best position seen per
	// ASIN. A category search failing after the title search succeeded
	// only narrows discovery, so it is logged and skipped.
	best := make(map[string]Candidate)
	for i, q := range queries {
		items, err := g.client.Search(ctx, q)
		if err != nil {
			if i == 0 {
				return nil, classify(seed.ASIN, err)
			}
			zap.L().Warn("category search failed, continuing",
				zap.String("seed", seed.ASIN),
				zap.String("category", q.Category),
				zap.Error(err))
			continue
		}
		for _, item := range items {
			if item.ASIN == "" || item.ASIN == seed.ASIN || item.Title == "" {
				continue
			}
			if !model.ValidASIN(item.ASIN) {
				continue
			}
			prev, seen := best[item.ASIN]
			if !seen || item.Position < prev.Rank {
				best[item.ASIN] = Candidate{ASIN: item.ASIN, Title: item.Title, Rank: item.Position}
			}
		}
	}

	candidates := make([]Candidate, 0, len(best))
	for _, c := range best {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Rank != candidates[j].Rank {
			return candidates[i].Rank < candidates[j].Rank
		}
		return candidates[i].ASIN < candidates[j].ASIN
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	// Re-rank after the merge so discovery_rank is dense and 1-based.
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates, nil
}

// classify maps a provider error to a typed scrape error.
func classify(asin string, err error) error {
	var apiErr *oxylabs.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 404:
			return &Error{Kind: KindNotFound, ASIN: asin, Err: err}
		case apiErr.StatusCode == 429:
			return &Error{Kind: KindRateLimited, ASIN: asin, Err: err}
		default:
			return &Error{Kind: KindUnavailable, ASIN: asin, Err: err}
		}
	}
	if errors.Is(err, oxylabs.ErrDecode) {
		return &Error{Kind: KindMalformed, ASIN: asin, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network and transport failures.
	return &Error{Kind: KindUnavailable, ASIN: asin, Err: err}
}

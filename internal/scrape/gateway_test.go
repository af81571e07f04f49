package scrape

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/pkg/oxylabs"
)

// fakeOxylabs implements oxylabs.Client with pluggable behavior.
type fakeOxylabs struct {
	product func(ctx context.Context, req oxylabs.ProductRequest) (*oxylabs.ProductContent, error)
	search  func(ctx context.Context, req oxylabs.SearchRequest) ([]oxylabs.SearchItem, error)
}

func (f *fakeOxylabs) Product(ctx context.Context, req oxylabs.ProductRequest) (*oxylabs.ProductContent, error) {
	return f.product(ctx, req)
}

func (f *fakeOxylabs) Search(ctx context.Context, req oxylabs.SearchRequest) ([]oxylabs.SearchItem, error) {
	return f.search(ctx, req)
}

func TestFetch_NormalizesProduct(t *testing.T) {
	g := NewOxylabsGateway(&fakeOxylabs{
		product: func(_ context.Context, req oxylabs.ProductRequest) (*oxylabs.ProductContent, error) {
			assert.Equal(t, "B000000001", req.ASIN)
			assert.Equal(t, "co.uk", req.Domain)
			return &oxylabs.ProductContent{
				ASIN:         "B000000001",
				Title:        "Espresso Grinder",
				Brand:        "Acme",
				Price:        79.99,
				Currency:     "GBP",
				Rating:       4.6,
				ReviewsCount: 230,
				Categories:   []string{"Kitchen", "Coffee"},
				Raw:          json.RawMessage(`{"asin":"B000000001"}`),
			}, nil
		},
	}, 3)

	p, err := g.Fetch(context.Background(), "B000000001", "co.uk", "SW1A 1AA")
	require.NoError(t, err)
	assert.Equal(t, "Espresso Grinder", p.Title)
	assert.Equal(t, "GBP", p.Currency)
	assert.Equal(t, 230, p.ReviewCount)
	assert.Equal(t, "co.uk", p.Marketplace)
	assert.Equal(t, "SW1A 1AA", p.Geo)
	assert.JSONEq(t, `{"asin":"B000000001"}`, string(p.RawPayload))
}

func TestFetch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind error
	}{
		{"404 is not found", &oxylabs.APIError{StatusCode: 404}, ErrNotFound},
		{"429 is rate limited", &oxylabs.APIError{StatusCode: 429}, ErrRateLimited},
		{"500 is unavailable", &oxylabs.APIError{StatusCode: 500}, ErrProviderUnavailable},
		{"403 is unavailable", &oxylabs.APIError{StatusCode: 403}, ErrProviderUnavailable},
		{"decode failure is malformed", eris.Wrap(oxylabs.ErrDecode, "product content"), ErrMalformed},
		{"network failure is unavailable", eris.New("connection refused"), ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewOxylabsGateway(&fakeOxylabs{
				product: func(context.Context, oxylabs.ProductRequest) (*oxylabs.ProductContent, error) {
					return nil, tt.err
				},
			}, 3)

			_, err := g.Fetch(context.Background(), "B000000001", "com", "")
			require.ErrorIs(t, err, tt.wantKind)
		})
	}
}

func TestFetch_EmptyTitleIsNotFound(t *testing.T) {
	g := NewOxylabsGateway(&fakeOxylabs{
		product: func(context.Context, oxylabs.ProductRequest) (*oxylabs.ProductContent, error) {
			return &oxylabs.ProductContent{ASIN: "B000000001"}, nil
		},
	}, 3)

	_, err := g.Fetch(context.Background(), "B000000001", "com", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func seedProduct() *model.Product {
	return &model.Product{
		ASIN:        "B000SEED01",
		Title:       "Espresso Grinder",
		Categories:  []string{"Kitchen", "Coffee", "Grinders", "Extra"},
		Marketplace: "com",
	}
}

func TestSearchSimilar_MergesBestPositionAcrossQueries(t *testing.T) {
	var categories []string
	g := NewOxylabsGateway(&fakeOxylabs{
		search: func(_ context.Context, req oxylabs.SearchRequest) ([]oxylabs.SearchItem, error) {
			if req.Category != "" {
				categories = append(categories, req.Category)
			}
			switch req.Category {
			case "":
				return []oxylabs.SearchItem{
					{ASIN: "B000000002", Title: "Grinder A", Position: 1},
					{ASIN: "B000000003", Title: "Grinder B", Position: 2},
				}, nil
			case "Kitchen":
				return []oxylabs.SearchItem{
					{ASIN: "B000000003", Title: "Grinder B", Position: 1},
					{ASIN: "B000000004", Title: "Grinder C", Position: 2},
				}, nil
			default:
				return nil, nil
			}
		},
	}, 3)

	candidates, err := g.SearchSimilar(context.Background(), seedProduct(), 10)
	require.NoError(t, err)

	// Only the first three categories seed searches.
	assert.Equal(t, []string{"Kitchen", "Coffee", "Grinders"}, categories)

	// B000000003 keeps its best position (1, from the category search) and
	// ties with B000000002 are broken by ASIN. Ranks are re-densified.
	require.Len(t, candidates, 3)
	assert.Equal(t, "B000000002", candidates[0].ASIN)
	assert.Equal(t, 1, candidates[0].Rank)
	assert.Equal(t, "B000000003", candidates[1].ASIN)
	assert.Equal(t, 2, candidates[1].Rank)
	assert.Equal(t, "B000000004", candidates[2].ASIN)
	assert.Equal(t, 3, candidates[2].Rank)
}

func TestSearchSimilar_ExcludesSeedAndInvalid(t *testing.T) {
	g := NewOxylabsGateway(&fakeOxylabs{
		search: func(context.Context, oxylabs.SearchRequest) ([]oxylabs.SearchItem, error) {
			return []oxylabs.SearchItem{
				{ASIN: "B000SEED01", Title: "The seed itself", Position: 1},
				{ASIN: "B000000002", Title: "", Position: 2},
				{ASIN: "not-an-asin", Title: "Bad ID", Position: 3},
				{ASIN: "B000000003", Title: "Keeper", Position: 4},
			}, nil
		},
	}, 0)

	candidates, err := g.SearchSimilar(context.Background(), seedProduct(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "B000000003", candidates[0].ASIN)
}

func TestSearchSimilar_Limit(t *testing.T) {
	g := NewOxylabsGateway(&fakeOxylabs{
		search: func(context.Context, oxylabs.SearchRequest) ([]oxylabs.SearchItem, error) {
			items := make([]oxylabs.SearchItem, 30)
			for i := range items {
				items[i] = oxylabs.SearchItem{
					ASIN:     "B00000" + string(rune('A'+i/10)) + string(rune('0'+i%10)) + "XX",
					Title:    "Item",
					Position: i + 1,
				}
			}
			return items, nil
		},
	}, 0)

	candidates, err := g.SearchSimilar(context.Background(), seedProduct(), 10)
	require.NoError(t, err)
	assert.Len(t, candidates, 10)
}

func TestSearchSimilar_TitleSearchFailureIsFatal(t *testing.T) {
	g := NewOxylabsGateway(&fakeOxylabs{
		search: func(context.Context, oxylabs.SearchRequest) ([]oxylabs.SearchItem, error) {
			return nil, &oxylabs.APIError{StatusCode: 429}
		},
	}, 3)

	_, err := g.SearchSimilar(context.Background(), seedProduct(), 10)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestSearchSimilar_CategoryFailureIsSkipped(t *testing.T) {
	calls := 0
	g := NewOxylabsGateway(&fakeOxylabs{
		search: func(_ context.Context, req oxylabs.SearchRequest) ([]oxylabs.SearchItem, error) {
			calls++
			if req.Category != "" {
				return nil, &oxylabs.APIError{StatusCode: 500}
			}
			return []oxylabs.SearchItem{{ASIN: "B000000002", Title: "Grinder", Position: 1}}, nil
		},
	}, 3)

	candidates, err := g.SearchSimilar(context.Background(), seedProduct(), 10)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, 4, calls)
}

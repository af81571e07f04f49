package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bh3ky/price-atlas/internal/analysis"
	"github.com/Bh3ky/price-atlas/internal/config"
	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/internal/scrape"
	"github.com/Bh3ky/price-atlas/internal/store"
)

// mockScraper implements scrape.Gateway with per-ASIN responses and call
// accounting.
type mockScraper struct {
	products    map[string]*model.Product
	fetchErrs   map[string]error
	candidates  []scrape.Candidate
	searchErr   error
	fetchCalls  map[string]int
	searchCalls int
	onFetch     func(asin string)
}

func newMockScraper() *mockScraper {
	return &mockScraper{
		products:   make(map[string]*model.Product),
		fetchErrs:  make(map[string]error),
		fetchCalls: make(map[string]int),
	}
}

func (m *mockScraper) addProduct(asin string) {
	m.products[asin] = &model.Product{
		ASIN:        asin,
		Title:       "Product " + asin,
		Price:       9.99,
		Currency:    "USD",
		Rating:      4.0,
		Marketplace: "com",
		RawPayload:  json.RawMessage(`{"asin":"` + asin + `"}`),
	}
}

func (m *mockScraper) Fetch(_ context.Context, asin, _, _ string) (*model.Product, error) {
	m.fetchCalls[asin]++
	if m.onFetch != nil {
		m.onFetch(asin)
	}
	if err, ok := m.fetchErrs[asin]; ok {
		return nil, err
	}
	if p, ok := m.products[asin]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, &scrape.Error{Kind: scrape.KindNotFound, ASIN: asin}
}

func (m *mockScraper) SearchSimilar(_ context.Context, _ *model.Product, limit int) ([]scrape.Candidate, error) {
	m.searchCalls++
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if len(m.candidates) > limit {
		return m.candidates[:limit], nil
	}
	return m.candidates, nil
}

// mockAnalyzer implements analysis.Analyzer.
type mockAnalyzer struct {
	err      error
	calls    int
	analyzed [][]string // competitor ASINs per call
}

func (m *mockAnalyzer) Analyze(_ context.Context, seed *model.Product, competitors []model.Product) (*model.AnalysisReport, error) {
	m.calls++
	asins := make([]string, len(competitors))
	for i, c := range competitors {
		asins[i] = c.ASIN
	}
	m.analyzed = append(m.analyzed, asins)

	if m.err != nil {
		return nil, m.err
	}
	if len(competitors) == 0 {
		return nil, analysis.ErrInsufficientInput
	}
	return &model.AnalysisReport{
		SeedASIN:        seed.ASIN,
		CompetitorASINs: asins,
		Content:         model.ReportContent{Summary: "ok"},
		ModelVersion:    "claude-sonnet-4-5-20250929",
		GeneratedAt:     time.Now().UTC(),
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Scrape:    config.ScrapeConfig{Marketplace: "com"},
		Discovery: config.DiscoveryConfig{Limit: 10, Categories: 3},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2.0,
		},
	}
}

type testEnv struct {
	pipeline *Pipeline
	store    store.Store
	scraper  *mockScraper
	analyzer *mockAnalyzer
	delays   *[]time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	scraper := newMockScraper()
	analyzer := &mockAnalyzer{}
	p := New(testConfig(), st, scraper, analyzer)

	// Record retry delays instead of sleeping.
	var delays []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	return &testEnv{pipeline: p, store: st, scraper: scraper, analyzer: analyzer, delays: &delays}
}

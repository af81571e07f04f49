package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Bh3ky/price-atlas/internal/model"
)

func TestFormatProducts(t *testing.T) {
	var buf bytes.Buffer
	formatProducts(&buf, []model.Product{
		{
			ASIN:        "B000X10000",
			Title:       "Burr Coffee Grinder",
			Price:       49.95,
			Currency:    "USD",
			Rating:      4.6,
			ReviewCount: 1234,
			ScrapedAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "ASIN")
	assert.Contains(t, out, "B000X10000")
	assert.Contains(t, out, "Burr Coffee Grinder")
	assert.Contains(t, out, "USD 49.95")
	assert.Contains(t, out, "1234")
	assert.Contains(t, out, "2026-03-01 09:30")
}

func TestFormatProducts_TruncatesLongTitles(t *testing.T) {
	var buf bytes.Buffer
	formatProducts(&buf, []model.Product{
		{ASIN: "B000X10000", Title: strings.Repeat("x", 80)},
	})

	assert.Contains(t, buf.String(), strings.Repeat("x", 47)+"…")
	assert.NotContains(t, buf.String(), strings.Repeat("x", 60))
}

func TestFormatCompetitors(t *testing.T) {
	discovered := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	links := []model.CompetitorLink{
		{SeedASIN: "B000X10000", CompetitorASIN: "B000Y20000", DiscoveryRank: 1, DiscoveredAt: discovered},
		{SeedASIN: "B000X10000", CompetitorASIN: "B000Z30000", DiscoveryRank: 2, DiscoveredAt: discovered},
	}
	products := []model.Product{
		{ASIN: "B000Y20000", Title: "Competitor Y", Price: 39.99, Currency: "USD", Rating: 4.2},
	}

	var buf bytes.Buffer
	formatCompetitors(&buf, links, products)

	out := buf.String()
	assert.Contains(t, out, "Competitor Y")
	assert.Contains(t, out, "USD 39.99")
	// Link-only rows still show, marked as not scraped.
	assert.Contains(t, out, "B000Z30000")
	assert.Contains(t, out, "(not scraped)")
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.PipelineRun{
		{
			ID:        "run-1",
			SeedASIN:  "B000X10000",
			Stage:     model.StageAnalyze,
			Status:    model.RunStatusSucceeded,
			CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			ID:       "run-2",
			SeedASIN: "B000Y20000",
			Stage:    model.StageCompetitorScrape,
			Status:   model.RunStatusFailed,
			Error: &model.RunError{
				Stage:    model.StageCompetitorScrape,
				Message:  "scrape B000Z30000: provider unavailable",
				Category: model.ErrorCategoryTransient,
			},
			CreatedAt: time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "run-2")
	assert.Contains(t, out, "competitor_scrape")
	assert.Contains(t, out, "provider unavailable")
}

func TestFormatRunsStats(t *testing.T) {
	runs := []model.PipelineRun{
		{Status: model.RunStatusSucceeded, Stage: model.StageAnalyze},
		{Status: model.RunStatusSucceeded, Stage: model.StageAnalyze},
		{Status: model.RunStatusFailed, Stage: model.StageSeedFetch},
		{Status: model.RunStatusFailed, Stage: model.StageCompetitorScrape},
		{Status: model.RunStatusInProgress, Stage: model.StageCompetitorDiscovery},
	}

	var buf bytes.Buffer
	formatRunsStats(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "5")
	assert.Contains(t, out, "succeeded:")
	assert.Contains(t, out, "Failures by stage:")
	assert.Contains(t, out, "seed_fetch:")
	assert.Contains(t, out, "competitor_scrape:")
	// No cancelled runs, so the row is omitted.
	assert.NotContains(t, out, "cancelled")
}

func TestFormatRunsStats_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatRunsStats(&buf, nil)

	out := buf.String()
	assert.Contains(t, out, "Total runs:")
	assert.NotContains(t, out, "Failures by stage:")
}

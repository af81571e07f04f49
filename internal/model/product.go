package model

import (
	"encoding/json"
	"time"
)

// Product is the current view of one scraped Amazon listing.
type Product struct {
	ASIN        string          `json:"asin"`
	Title       string          `json:"title"`
	Brand       string          `json:"brand,omitempty"`
	Price       float64         `json:"price"`
	Currency    string          `json:"currency,omitempty"`
	Rating      float64         `json:"rating"`
	ReviewCount int             `json:"review_count"`
	Categories  []string        `json:"categories,omitempty"`
	Marketplace string          `json:"marketplace,omitempty"` // amazon domain, e.g. "com"
	Geo         string          `json:"geo,omitempty"`         // zip / geo used for the scrape
	ScrapedAt   time.Time       `json:"scraped_at"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"` // normalized provider snapshot for audit/replay
}

// Snapshot is one immutable scrape result for a product at a point in time.
// Re-scraping appends a new Snapshot; history is never overwritten.
type Snapshot struct {
	ID        string          `json:"id"`
	ASIN      string          `json:"asin"`
	Payload   json.RawMessage `json:"payload"`
	ScrapedAt time.Time       `json:"scraped_at"`
}

// CompetitorLink records that competitor_asin was discovered as a competitor
// of seed_asin. The (seed, competitor) pair is unique; the best (lowest)
// discovery rank ever seen is retained.
type CompetitorLink struct {
	SeedASIN       string    `json:"seed_asin"`
	CompetitorASIN string    `json:"competitor_asin"`
	DiscoveryRank  int       `json:"discovery_rank"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// ValidASIN reports whether s looks like an Amazon Standard Identification
// Number: exactly 10 alphanumeric characters.
func ValidASIN(s string) bool {
	if len(s) != 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

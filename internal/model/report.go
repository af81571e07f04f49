package model

import "time"

// CompetitorInsight is the analyst's take on a single competitor.
type CompetitorInsight struct {
	ASIN      string   `json:"asin"`
	Title     string   `json:"title,omitempty"`
	Price     float64  `json:"price,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Rating    float64  `json:"rating,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// ReportContent is the structured body of an analysis report.
type ReportContent struct {
	Summary         string              `json:"summary"`
	Positioning     string              `json:"positioning"`
	TopCompetitors  []CompetitorInsight `json:"top_competitors"`
	Recommendations []string            `json:"recommendations"`
}

// AnalysisReport is one LLM-generated comparison of a seed product against
// the competitor set that existed at generation time. Reports are immutable;
// a new analysis always produces a new report.
type AnalysisReport struct {
	ID              string        `json:"id"`
	SeedASIN        string        `json:"seed_asin"`
	CompetitorASINs []string      `json:"competitor_asins"` // ordered, the exact set analyzed
	Content         ReportContent `json:"content"`
	ModelVersion    string        `json:"model_version"`
	InputTokens     int64         `json:"input_tokens,omitempty"`
	OutputTokens    int64         `json:"output_tokens,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

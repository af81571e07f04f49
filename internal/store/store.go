// Package store owns persistence for products, competitor links, pipeline
// runs, and analysis reports. It enforces the uniqueness and linking
// invariants; business logic lives in the orchestrator.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Bh3ky/price-atlas/internal/model"
)

// ErrSelfLink is returned when a product is linked as its own competitor.
var ErrSelfLink = eris.New("store: competitor link to self")

// ErrRunActive is returned by CreateRun when a non-terminal run already
// exists for the seed ASIN.
var ErrRunActive = eris.New("store: run already active for seed")

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	SeedASIN     string          `json:"seed_asin,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Products. UpsertProduct never fails on a duplicate ASIN: a re-scrape
	// appends an immutable snapshot and updates the current view.
	UpsertProduct(ctx context.Context, p *model.Product) (*model.Product, error)
	GetProduct(ctx context.Context, asin string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	ListSnapshots(ctx context.Context, asin string) ([]model.Snapshot, error)

	// Competitor links. LinkCompetitor is idempotent per (seed, competitor)
	// pair and keeps the best (lowest) rank ever seen; it fails with
	// ErrSelfLink when seed == competitor.
	LinkCompetitor(ctx context.Context, seedASIN, competitorASIN string, rank int) (*model.CompetitorLink, error)
	ListCompetitors(ctx context.Context, seedASIN string) ([]model.Product, error)
	ListLinks(ctx context.Context, seedASIN string) ([]model.CompetitorLink, error)

	// Reports, append-only.
	SaveReport(ctx context.Context, r *model.AnalysisReport) error
	LatestReport(ctx context.Context, seedASIN string) (*model.AnalysisReport, error)
	ListReports(ctx context.Context, seedASIN string) ([]model.AnalysisReport, error)

	// Runs. CreateRun atomically claims the seed: it fails with
	// ErrRunActive if a non-terminal run exists, which holds across
	// process restarts.
	CreateRun(ctx context.Context, run *model.PipelineRun) (*model.PipelineRun, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	GetRunBySeed(ctx context.Context, seedASIN string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
	UpdateRun(ctx context.Context, runID string, stage model.Stage, status model.RunStatus, runErr *model.RunError) error
	CancelRun(ctx context.Context, runID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

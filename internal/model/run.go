package model

import "time"

// Stage identifies one of the five fixed pipeline steps.
type Stage string

const (
	StageSeedFetch           Stage = "seed_fetch"
	StageCompetitorDiscovery Stage = "competitor_discovery"
	StageCompetitorScrape    Stage = "competitor_scrape"
	StagePersistLink         Stage = "persist_link"
	StageAnalyze             Stage = "analyze"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageSeedFetch,
	StageCompetitorDiscovery,
	StageCompetitorScrape,
	StagePersistLink,
	StageAnalyze,
}

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status allows a new run to be started for
// the same seed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ErrorCategory classifies a run failure for operators: transient failures
// are worth re-running, permanent ones are not.
type ErrorCategory string

const (
	ErrorCategoryTransient ErrorCategory = "transient"
	ErrorCategoryPermanent ErrorCategory = "permanent"
)

// RunError is the typed cause recorded on a failed run.
type RunError struct {
	Stage    Stage         `json:"stage"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
}

// PipelineRun represents one execution of the five-stage pipeline for a
// seed ASIN. Runs are mutated only by the orchestrator as stages advance,
// and are never deleted, only superseded by a new run.
type PipelineRun struct {
	ID          string    `json:"id"`
	SeedASIN    string    `json:"seed_asin"`
	Marketplace string    `json:"marketplace,omitempty"`
	Geo         string    `json:"geo,omitempty"`
	Stage       Stage     `json:"stage"`
	Status      RunStatus `json:"status"`
	Error       *RunError `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

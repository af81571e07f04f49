package pipeline

import (
	"errors"

	"github.com/Bh3ky/price-atlas/internal/analysis"
	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/internal/resilience"
	"github.com/Bh3ky/price-atlas/internal/scrape"
)

// Retryable classifies an error as worth another attempt. The table is the
// single source of truth for retry decisions; stages never make their own.
//
//	scrape rate_limited, unavailable  -> retry
//	scrape not_found, malformed      -> terminal
//	analysis provider unavailable    -> retry
//	analysis insufficient, malformed,
//	  invalid request                -> terminal
//	circuit open                     -> retry (the breaker resets itself)
//	store errors                     -> terminal
func Retryable(err error) bool {
	switch {
	case errors.Is(err, scrape.ErrRateLimited),
		errors.Is(err, scrape.ErrProviderUnavailable),
		errors.Is(err, analysis.ErrProviderUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen):
		return true
	default:
		return false
	}
}

// Categorize maps an error to the persisted run error category. Transient
// failures are the ones a resume or later re-run can plausibly clear.
func Categorize(err error) model.ErrorCategory {
	if Retryable(err) {
		return model.ErrorCategoryTransient
	}
	return model.ErrorCategoryPermanent
}

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bh3ky/price-atlas/internal/analysis"
	"github.com/Bh3ky/price-atlas/internal/config"
	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/internal/resilience"
	"github.com/Bh3ky/price-atlas/internal/scrape"
	"github.com/Bh3ky/price-atlas/internal/store"
)

const (
	seedASIN = "B000X10000"
	compY    = "B000Y20000"
	compZ    = "B000Z30000"
)

func TestStart_InvalidSeed(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.Start(context.Background(), "not-valid", "com", "")
	require.ErrorIs(t, err, ErrInvalidSeed)

	// No run was created.
	run, err := env.store.GetRunBySeed(context.Background(), "not-valid")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestStart_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.addProduct(seedASIN)
	env.scraper.addProduct(compY)
	env.scraper.addProduct(compZ)
	// The provider returns the seed among its own competitors.
	env.scraper.candidates = []scrape.Candidate{
		{ASIN: compY, Rank: 1},
		{ASIN: compZ, Rank: 2},
		{ASIN: seedASIN, Rank: 3},
	}

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.NoError(t, err)
	assert.Equal(t, model.StageAnalyze, run.Stage)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)

	ctx := context.Background()

	// The seed was dropped; two links in rank order.
	links, err := env.store.ListLinks(ctx, seedASIN)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, compY, links[0].CompetitorASIN)
	assert.Equal(t, compZ, links[1].CompetitorASIN)

	// Analysis saw exactly those two competitors, in order.
	require.Len(t, env.analyzer.analyzed, 1)
	assert.Equal(t, []string{compY, compZ}, env.analyzer.analyzed[0])

	report, err := env.store.LatestReport(ctx, seedASIN)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []string{compY, compZ}, report.CompetitorASINs)

	// Stored run state matches the returned snapshot.
	stored, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, stored.Status)
	assert.Nil(t, stored.Error)
}

func TestStart_AlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active, err := env.store.CreateRun(ctx, &model.PipelineRun{SeedASIN: seedASIN})
	require.NoError(t, err)

	_, err = env.pipeline.Start(ctx, seedASIN, "com", "")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// After the active run reaches a terminal state a new start succeeds.
	require.NoError(t, env.store.UpdateRun(ctx, active.ID, model.StageSeedFetch, model.RunStatusFailed, nil))

	env.scraper.addProduct(seedASIN)
	env.scraper.addProduct(compY)
	env.scraper.candidates = []scrape.Candidate{{ASIN: compY, Rank: 1}}

	run, err := env.pipeline.Start(ctx, seedASIN, "com", "")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.NotEqual(t, active.ID, run.ID)
}

func TestStart_SeedNotFoundIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	// No product registered: Fetch returns NotFound.

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.StageSeedFetch, run.Stage)
	require.NotNil(t, run.Error)
	assert.Equal(t, model.ErrorCategoryPermanent, run.Error.Category)

	// NotFound is never retried.
	assert.Equal(t, 1, env.scraper.fetchCalls[seedASIN])
	assert.Empty(t, *env.delays)
}

func TestStart_RetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.fetchErrs[seedASIN] = &scrape.Error{Kind: scrape.KindUnavailable, ASIN: seedASIN}

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, model.ErrorCategoryTransient, run.Error.Category)

	// Exactly the configured budget of attempts, strictly increasing delays.
	assert.Equal(t, 3, env.scraper.fetchCalls[seedASIN])
	delays := *env.delays
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])
}

func TestRetryConfig_OverlaysDefaults(t *testing.T) {
	env := newTestEnv(t)

	rc := env.pipeline.retryConfig("oxylabs", "fetch_seed")
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, time.Second, rc.MaxBackoff)
	assert.Equal(t, 2.0, rc.Multiplier)
	assert.Equal(t, 0.25, rc.JitterFraction)

	// Zero-valued config tunables fall back to the resilience defaults.
	env.pipeline.cfg.Retry = config.RetryConfig{}
	rc = env.pipeline.retryConfig("oxylabs", "fetch_seed")
	def := resilience.DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, rc.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, rc.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, rc.MaxBackoff)
	assert.Equal(t, def.Multiplier, rc.Multiplier)
	assert.Equal(t, def.JitterFraction, rc.JitterFraction)
}

func TestRetryable_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"scrape rate limited", eris.Wrap(scrape.ErrRateLimited, "x"), true},
		{"scrape unavailable", eris.Wrap(scrape.ErrProviderUnavailable, "x"), true},
		{"scrape not found", eris.Wrap(scrape.ErrNotFound, "x"), false},
		{"analysis unavailable", eris.Wrap(analysis.ErrProviderUnavailable, "x"), true},
		{"analysis rejected request", eris.Wrap(analysis.ErrInvalidRequest, "x"), false},
		{"analysis malformed", eris.Wrap(analysis.ErrMalformed, "x"), false},
		{"circuit open", eris.Wrap(resilience.ErrCircuitOpen, "x"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
			wantCat := model.ErrorCategoryPermanent
			if tt.want {
				wantCat = model.ErrorCategoryTransient
			}
			assert.Equal(t, wantCat, Categorize(tt.err))
		})
	}
}

func TestStart_PartialCompetitorScrape(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.addProduct(seedASIN)

	candidates := []string{"B000000010", "B000000020", "B000000030", "B000000040", "B000000050"}
	for i, asin := range candidates {
		env.scraper.candidates = append(env.scraper.candidates, scrape.Candidate{ASIN: asin, Rank: i + 1})
	}
	// Two of five fail to scrape.
	env.scraper.addProduct(candidates[0])
	env.scraper.fetchErrs[candidates[1]] = &scrape.Error{Kind: scrape.KindNotFound, ASIN: candidates[1]}
	env.scraper.addProduct(candidates[2])
	env.scraper.fetchErrs[candidates[3]] = &scrape.Error{Kind: scrape.KindMalformed, ASIN: candidates[3]}
	env.scraper.addProduct(candidates[4])

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)

	links, err := env.store.ListLinks(context.Background(), seedASIN)
	require.NoError(t, err)
	require.Len(t, links, 3)
	assert.Equal(t, candidates[0], links[0].CompetitorASIN)
	assert.Equal(t, candidates[2], links[1].CompetitorASIN)
	assert.Equal(t, candidates[4], links[2].CompetitorASIN)
}

func TestStart_AllCompetitorScrapesFail(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.addProduct(seedASIN)
	for i, asin := range []string{"B000000010", "B000000020", "B000000030", "B000000040", "B000000050"} {
		env.scraper.candidates = append(env.scraper.candidates, scrape.Candidate{ASIN: asin, Rank: i + 1})
		env.scraper.fetchErrs[asin] = &scrape.Error{Kind: scrape.KindNotFound, ASIN: asin}
	}

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.StageCompetitorScrape, run.Stage)
	assert.Zero(t, env.analyzer.calls)
}

func TestStart_NoCompetitorsDiscovered(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.addProduct(seedASIN)
	env.scraper.candidates = nil

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.Error(t, err)
	assert.Equal(t, model.StageCompetitorDiscovery, run.Stage)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, model.ErrorCategoryPermanent, run.Error.Category)
}

func TestStart_CancelledAtStageBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.addProduct(seedASIN)
	env.scraper.addProduct(compY)
	env.scraper.candidates = []scrape.Candidate{{ASIN: compY, Rank: 1}}

	// Cancel the run while the seed fetch is in flight; the next stage
	// boundary must observe it.
	env.scraper.onFetch = func(asin string) {
		if asin != seedASIN {
			return
		}
		run, err := env.store.GetRunBySeed(context.Background(), seedASIN)
		require.NoError(t, err)
		require.NoError(t, env.store.CancelRun(context.Background(), run.ID))
	}

	run, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Zero(t, env.scraper.searchCalls)
}

func TestResume_AfterAnalyzeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.scraper.addProduct(seedASIN)
	env.scraper.addProduct(compY)
	env.scraper.candidates = []scrape.Candidate{{ASIN: compY, Rank: 1}}
	env.analyzer.err = eris.Wrap(analysis.ErrProviderUnavailable, "outage")

	failed, err := env.pipeline.Start(context.Background(), seedASIN, "com", "")
	require.Error(t, err)
	assert.Equal(t, model.StageAnalyze, failed.Stage)
	assert.Equal(t, model.RunStatusFailed, failed.Status)

	// The provider recovers; resume finishes the same run.
	env.analyzer.err = nil
	resumed, err := env.pipeline.Resume(context.Background(), seedASIN)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, resumed.ID)
	assert.Equal(t, model.RunStatusSucceeded, resumed.Status)

	report, err := env.store.LatestReport(context.Background(), seedASIN)
	require.NoError(t, err)
	require.NotNil(t, report)
}

func TestResume_RebuildsCandidatesFromLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A prior run got as far as linking before failing at analyze; the
	// products and links exist but the transient candidate list is gone.
	env.scraper.addProduct(seedASIN)
	env.scraper.addProduct(compY)
	env.scraper.addProduct(compZ)
	seed, err := env.scraper.Fetch(ctx, seedASIN, "com", "")
	require.NoError(t, err)
	_, err = env.store.UpsertProduct(ctx, seed)
	require.NoError(t, err)
	comp, err := env.scraper.Fetch(ctx, compY, "com", "")
	require.NoError(t, err)
	_, err = env.store.UpsertProduct(ctx, comp)
	require.NoError(t, err)
	_, err = env.store.LinkCompetitor(ctx, seedASIN, compY, 1)
	require.NoError(t, err)

	run, err := env.store.CreateRun(ctx, &model.PipelineRun{SeedASIN: seedASIN})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateRun(ctx, run.ID, model.StageCompetitorScrape, model.RunStatusFailed,
		&model.RunError{Stage: model.StageCompetitorScrape, Message: "provider outage", Category: model.ErrorCategoryTransient}))

	resumed, err := env.pipeline.Resume(ctx, seedASIN)
	require.NoError(t, err)
	assert.Equal(t, run.ID, resumed.ID)
	assert.Equal(t, model.RunStatusSucceeded, resumed.Status)

	// Discovery was not re-run; candidates came from the stored links.
	assert.Zero(t, env.scraper.searchCalls)
}

func TestResume_NonFailedRunNotResumable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.store.CreateRun(ctx, &model.PipelineRun{SeedASIN: seedASIN})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateRun(ctx, run.ID, model.StageAnalyze, model.RunStatusSucceeded, nil))

	_, err = env.pipeline.Resume(ctx, seedASIN)
	require.ErrorIs(t, err, ErrNotResumable)
}

func TestResume_NoRunForSeed(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.Resume(context.Background(), seedASIN)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRerun_ProducesNewReportKeepsOld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.scraper.addProduct(seedASIN)
	env.scraper.addProduct(compY)
	env.scraper.candidates = []scrape.Candidate{{ASIN: compY, Rank: 1}}

	first, err := env.pipeline.Start(ctx, seedASIN, "com", "")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusSucceeded, first.Status)

	firstReport, err := env.store.LatestReport(ctx, seedASIN)
	require.NoError(t, err)

	// A new competitor appears before the re-run.
	env.scraper.addProduct(compZ)
	env.scraper.candidates = append(env.scraper.candidates, scrape.Candidate{ASIN: compZ, Rank: 2})
	time.Sleep(10 * time.Millisecond)

	second, err := env.pipeline.Start(ctx, seedASIN, "com", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	reports, err := env.store.ListReports(ctx, seedASIN)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	latest, err := env.store.LatestReport(ctx, seedASIN)
	require.NoError(t, err)
	assert.NotEqual(t, firstReport.ID, latest.ID)
	assert.Equal(t, []string{compY, compZ}, latest.CompetitorASINs)
	assert.True(t, latest.GeneratedAt.After(firstReport.GeneratedAt))

	// The original is untouched.
	old := reports[0]
	assert.Equal(t, firstReport.ID, old.ID)
	assert.Equal(t, []string{compY}, old.CompetitorASINs)
}

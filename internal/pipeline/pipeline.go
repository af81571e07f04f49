// Package pipeline drives the five-stage competitor analysis state machine:
// seed fetch, competitor discovery, competitor scrape, persist and link,
// analyze. The pipeline is the sole writer of run state; the store enforces
// the single-active-run invariant and all uniqueness rules.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Bh3ky/price-atlas/internal/analysis"
	"github.com/Bh3ky/price-atlas/internal/config"
	"github.com/Bh3ky/price-atlas/internal/model"
	"github.com/Bh3ky/price-atlas/internal/resilience"
	"github.com/Bh3ky/price-atlas/internal/scrape"
	"github.com/Bh3ky/price-atlas/internal/store"
)

// Pipeline orchestrates one run per seed ASIN. Safe for concurrent use
// across distinct seeds.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	scraper  scrape.Gateway
	analyzer analysis.Analyzer

	scrapeBreaker *resilience.CircuitBreaker
	llmBreaker    *resilience.CircuitBreaker

	// sleep overrides retry delays in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Pipeline with per-provider circuit breakers.
func New(cfg *config.Config, st store.Store, scraper scrape.Gateway, analyzer analysis.Analyzer) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		scraper:  scraper,
		analyzer: analyzer,
		scrapeBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip:    Retryable,
			OnStateChange: logStateChange("oxylabs"),
		}),
		llmBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip:    Retryable,
			OnStateChange: logStateChange("anthropic"),
		}),
	}
}

func logStateChange(provider string) func(from, to resilience.CircuitState) {
	return func(from, to resilience.CircuitState) {
		zap.L().Warn("circuit state changed",
			zap.String("provider", provider),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}

// state carries transient stage inputs across one drive of the machine.
// Everything here is reconstructible from the store on resume.
type state struct {
	seed       *model.Product
	candidates []scrape.Candidate
	scraped    []scrapedCandidate
}

type scrapedCandidate struct {
	product *model.Product
	rank    int
}

// Start validates the seed, claims a new run, and drives it to a terminal
// state. The returned run reflects the terminal state; a stage failure is
// also returned as an error.
func (p *Pipeline) Start(ctx context.Context, seedASIN, marketplace, geo string) (*model.PipelineRun, error) {
	run, err := p.claim(ctx, seedASIN, marketplace, geo)
	if err != nil {
		return nil, err
	}
	err = p.drive(ctx, run, &state{})
	return run, err
}

// StartAsync claims a run synchronously, so invalid seeds and conflicts
// surface to the caller, then drives it in the background. The returned
// run is a snapshot at claim time; poll the store for progress.
func (p *Pipeline) StartAsync(ctx context.Context, seedASIN, marketplace, geo string) (*model.PipelineRun, error) {
	run, err := p.claim(ctx, seedASIN, marketplace, geo)
	if err != nil {
		return nil, err
	}

	snapshot := *run
	go func() {
		if err := p.drive(context.WithoutCancel(ctx), run, &state{}); err != nil {
			zap.L().Error("background run failed",
				zap.String("run_id", run.ID),
				zap.String("seed", run.SeedASIN),
				zap.Error(err))
		}
	}()
	return &snapshot, nil
}

func (p *Pipeline) claim(ctx context.Context, seedASIN, marketplace, geo string) (*model.PipelineRun, error) {
	if !model.ValidASIN(seedASIN) {
		return nil, eris.Wrapf(ErrInvalidSeed, "%q", seedASIN)
	}
	if marketplace == "" {
		marketplace = p.cfg.Scrape.Marketplace
	}

	run, err := p.store.CreateRun(ctx, &model.PipelineRun{
		SeedASIN:    seedASIN,
		Marketplace: marketplace,
		Geo:         geo,
	})
	if err != nil {
		if errors.Is(err, store.ErrRunActive) {
			return nil, eris.Wrapf(ErrAlreadyRunning, "seed %s", seedASIN)
		}
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	return run, nil
}

// Resume re-drives the seed's latest run from its recorded stage. Only
// failed runs are resumable; transient stage inputs are rebuilt from the
// store, stepping back a stage where the input is gone.
func (p *Pipeline) Resume(ctx context.Context, seedASIN string) (*model.PipelineRun, error) {
	run, err := p.store.GetRunBySeed(ctx, seedASIN)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load run")
	}
	if run == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "no run for seed %s", seedASIN)
	}
	if run.Status != model.RunStatusFailed {
		return run, eris.Wrapf(ErrNotResumable, "run %s is %s", run.ID, run.Status)
	}

	st, err := p.rebuildState(ctx, run)
	if err != nil {
		return run, err
	}
	run.Error = nil

	err = p.drive(ctx, run, st)
	return run, err
}

// Cancel marks a run cancelled. A stage already in flight completes; the
// cancellation takes effect at the next stage boundary.
func (p *Pipeline) Cancel(ctx context.Context, runID string) error {
	return p.store.CancelRun(ctx, runID)
}

// rebuildState reloads transient inputs for a resumed run, moving the run
// to an earlier stage when an input cannot be reconstructed.
func (p *Pipeline) rebuildState(ctx context.Context, run *model.PipelineRun) (*state, error) {
	st := &state{}
	if run.Stage == model.StageSeedFetch {
		return st, nil
	}

	seed, err := p.store.GetProduct(ctx, run.SeedASIN)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load seed product")
	}
	if seed == nil {
		run.Stage = model.StageSeedFetch
		return st, nil
	}
	st.seed = seed

	// PERSIST_LINK input (the scraped candidates) is not reconstructible;
	// the scrape stage is, from prior links.
	if run.Stage == model.StagePersistLink {
		run.Stage = model.StageCompetitorScrape
	}

	if run.Stage == model.StageCompetitorScrape {
		links, err := p.store.ListLinks(ctx, run.SeedASIN)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load links")
		}
		if len(links) == 0 {
			run.Stage = model.StageCompetitorDiscovery
			return st, nil
		}
		for _, l := range links {
			st.candidates = append(st.candidates, scrape.Candidate{
				ASIN: l.CompetitorASIN,
				Rank: l.DiscoveryRank,
			})
		}
	}
	return st, nil
}

// drive advances the run from its current stage to a terminal state,
// checking for cancellation at every stage boundary.
func (p *Pipeline) drive(ctx context.Context, run *model.PipelineRun, st *state) error {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("seed", run.SeedASIN))

	stages := []struct {
		stage model.Stage
		fn    func(context.Context, *model.PipelineRun, *state) error
	}{
		{model.StageSeedFetch, p.seedFetch},
		{model.StageCompetitorDiscovery, p.competitorDiscovery},
		{model.StageCompetitorScrape, p.competitorScrape},
		{model.StagePersistLink, p.persistLink},
		{model.StageAnalyze, p.analyze},
	}

	started := false
	for _, s := range stages {
		if !started && s.stage != run.Stage {
			continue
		}
		started = true

		if err := p.checkCancelled(ctx, run); err != nil {
			log.Info("run cancelled at stage boundary", zap.String("stage", string(s.stage)))
			return err
		}

		run.Stage = s.stage
		if err := p.store.UpdateRun(ctx, run.ID, s.stage, model.RunStatusInProgress, nil); err != nil {
			return eris.Wrap(err, "pipeline: mark stage in progress")
		}
		run.Status = model.RunStatusInProgress

		log.Info("stage starting", zap.String("stage", string(s.stage)))
		start := time.Now()
		if err := s.fn(ctx, run, st); err != nil {
			runErr := &model.RunError{
				Stage:    s.stage,
				Message:  err.Error(),
				Category: Categorize(err),
			}
			if updErr := p.store.UpdateRun(ctx, run.ID, s.stage, model.RunStatusFailed, runErr); updErr != nil {
				log.Warn("failed to record stage failure", zap.Error(updErr))
			}
			run.Status = model.RunStatusFailed
			run.Error = runErr
			log.Error("stage failed",
				zap.String("stage", string(s.stage)),
				zap.String("category", string(runErr.Category)),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return err
		}
		log.Info("stage complete",
			zap.String("stage", string(s.stage)),
			zap.Duration("elapsed", time.Since(start)))
	}

	if err := p.store.UpdateRun(ctx, run.ID, model.StageAnalyze, model.RunStatusSucceeded, nil); err != nil {
		return eris.Wrap(err, "pipeline: mark run succeeded")
	}
	run.Status = model.RunStatusSucceeded
	log.Info("run succeeded")
	return nil
}

// checkCancelled enforces the stage-boundary cancellation contract.
func (p *Pipeline) checkCancelled(ctx context.Context, run *model.PipelineRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := p.store.GetRun(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: reload run")
	}
	if current.Status == model.RunStatusCancelled {
		run.Status = model.RunStatusCancelled
		return eris.Wrapf(ErrCancelled, "run %s", run.ID)
	}
	return nil
}

// retryConfig starts from the resilience defaults (which carry the jitter
// fraction) and overlays the tunables exposed through config.
func (p *Pipeline) retryConfig(provider, operation string) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if p.cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = p.cfg.Retry.MaxAttempts
	}
	if p.cfg.Retry.InitialBackoff > 0 {
		rc.InitialBackoff = p.cfg.Retry.InitialBackoff
	}
	if p.cfg.Retry.MaxBackoff > 0 {
		rc.MaxBackoff = p.cfg.Retry.MaxBackoff
	}
	if p.cfg.Retry.Multiplier > 0 {
		rc.Multiplier = p.cfg.Retry.Multiplier
	}
	rc.ShouldRetry = Retryable
	rc.OnRetry = resilience.RetryLogger(provider, operation)
	rc.Sleep = p.sleep
	return rc
}

// --- stages ---

func (p *Pipeline) seedFetch(ctx context.Context, run *model.PipelineRun, st *state) error {
	fetched, err := resilience.DoVal(ctx, p.retryConfig("oxylabs", "fetch_seed"),
		func(ctx context.Context) (*model.Product, error) {
			return resilience.ExecuteVal(ctx, p.scrapeBreaker, func(ctx context.Context) (*model.Product, error) {
				return p.scraper.Fetch(ctx, run.SeedASIN, run.Marketplace, run.Geo)
			})
		})
	if err != nil {
		return err
	}

	seed, err := p.store.UpsertProduct(ctx, fetched)
	if err != nil {
		return err
	}
	st.seed = seed
	return nil
}

func (p *Pipeline) competitorDiscovery(ctx context.Context, run *model.PipelineRun, st *state) error {
	candidates, err := resilience.DoVal(ctx, p.retryConfig("oxylabs", "search_similar"),
		func(ctx context.Context) ([]scrape.Candidate, error) {
			return resilience.ExecuteVal(ctx, p.scrapeBreaker, func(ctx context.Context) ([]scrape.Candidate, error) {
				return p.scraper.SearchSimilar(ctx, st.seed, p.cfg.Discovery.Limit)
			})
		})
	if err != nil {
		return err
	}

	// The gateway already drops the seed; guard again since the candidate
	// list drives link writes.
	deduped := candidates[:0]
	for _, c := range candidates {
		if c.ASIN != run.SeedASIN {
			deduped = append(deduped, c)
		}
	}
	if len(deduped) == 0 {
		return eris.Errorf("no competitors discovered for %s", run.SeedASIN)
	}
	st.candidates = deduped
	return nil
}

func (p *Pipeline) competitorScrape(ctx context.Context, run *model.PipelineRun, st *state) error {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("seed", run.SeedASIN))

	var failed int
	for _, cand := range st.candidates {
		product, err := resilience.DoVal(ctx, p.retryConfig("oxylabs", "fetch_competitor"),
			func(ctx context.Context) (*model.Product, error) {
				return resilience.ExecuteVal(ctx, p.scrapeBreaker, func(ctx context.Context) (*model.Product, error) {
					return p.scraper.Fetch(ctx, cand.ASIN, run.Marketplace, run.Geo)
				})
			})
		if err != nil {
			// One candidate failing never fails the stage on its own.
			failed++
			log.Warn("competitor scrape failed, skipping",
				zap.String("competitor", cand.ASIN),
				zap.Int("rank", cand.Rank),
				zap.Error(err))
			continue
		}
		st.scraped = append(st.scraped, scrapedCandidate{product: product, rank: cand.Rank})
	}

	if len(st.scraped) == 0 {
		return eris.Errorf("all %d competitor scrapes failed for %s", failed, run.SeedASIN)
	}
	log.Info("competitors scraped",
		zap.Int("succeeded", len(st.scraped)),
		zap.Int("failed", failed))
	return nil
}

func (p *Pipeline) persistLink(ctx context.Context, run *model.PipelineRun, st *state) error {
	// Store failures here are surfaced as-is: retrying a persistence error
	// risks compounding it.
	for _, sc := range st.scraped {
		if _, err := p.store.UpsertProduct(ctx, sc.product); err != nil {
			return err
		}
		if _, err := p.store.LinkCompetitor(ctx, run.SeedASIN, sc.product.ASIN, sc.rank); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, run *model.PipelineRun, st *state) error {
	competitors, err := p.store.ListCompetitors(ctx, run.SeedASIN)
	if err != nil {
		return err
	}

	report, err := resilience.DoVal(ctx, p.retryConfig("anthropic", "analyze"),
		func(ctx context.Context) (*model.AnalysisReport, error) {
			return resilience.ExecuteVal(ctx, p.llmBreaker, func(ctx context.Context) (*model.AnalysisReport, error) {
				return p.analyzer.Analyze(ctx, st.seed, competitors)
			})
		})
	if err != nil {
		return err
	}

	return p.store.SaveReport(ctx, report)
}

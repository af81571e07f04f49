package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/Bh3ky/price-atlas/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. It is also satisfied
// by pgxmock.PgxPoolIface, which lets the Postgres store be unit tested
// without a database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `mapstructure:"max_conns"`
	MinConns int32 `mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	asin         TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	brand        TEXT NOT NULL DEFAULT '',
	price        DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency     TEXT NOT NULL DEFAULT '',
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	categories   JSONB NOT NULL DEFAULT '[]',
	marketplace  TEXT NOT NULL DEFAULT '',
	geo          TEXT NOT NULL DEFAULT '',
	scraped_at   TIMESTAMPTZ NOT NULL,
	raw_payload  JSONB
);

CREATE TABLE IF NOT EXISTS product_snapshots (
	id         TEXT PRIMARY KEY,
	asin       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS competitor_links (
	seed_asin       TEXT NOT NULL,
	competitor_asin TEXT NOT NULL,
	discovery_rank  INTEGER NOT NULL,
	discovered_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (seed_asin, competitor_asin)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	seed_asin   TEXT NOT NULL,
	marketplace TEXT NOT NULL DEFAULT '',
	geo         TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_reports (
	id               TEXT PRIMARY KEY,
	seed_asin        TEXT NOT NULL,
	competitor_asins JSONB NOT NULL,
	content          JSONB NOT NULL,
	model_version    TEXT NOT NULL DEFAULT '',
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0,
	generated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_asin ON product_snapshots(asin, scraped_at);
CREATE INDEX IF NOT EXISTS idx_links_seed ON competitor_links(seed_asin, discovery_rank);
CREATE INDEX IF NOT EXISTS idx_runs_seed ON pipeline_runs(seed_asin, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status);
CREATE INDEX IF NOT EXISTS idx_reports_seed ON analysis_reports(seed_asin, generated_at);

-- The single-active-run invariant: at most one non-terminal run per seed.
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active
	ON pipeline_runs(seed_asin)
	WHERE status IN ('pending', 'in_progress');
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Products ---

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.Product) (*model.Product, error) {
	if p.ScrapedAt.IsZero() {
		p.ScrapedAt = time.Now().UTC()
	}
	categoriesJSON, err := json.Marshal(p.Categories)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal categories")
	}
	payload := normalizeJSON(p.RawPayload)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO product_snapshots (id, asin, payload, scraped_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), p.ASIN, payload, p.ScrapedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert snapshot %s", p.ASIN)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO products (asin, title, brand, price, currency, rating, review_count, categories, marketplace, geo, scraped_at, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (asin) DO UPDATE SET
			title        = EXCLUDED.title,
			brand        = EXCLUDED.brand,
			price        = EXCLUDED.price,
			currency     = EXCLUDED.currency,
			rating       = EXCLUDED.rating,
			review_count = EXCLUDED.review_count,
			categories   = EXCLUDED.categories,
			marketplace  = EXCLUDED.marketplace,
			geo          = EXCLUDED.geo,
			scraped_at   = EXCLUDED.scraped_at,
			raw_payload  = EXCLUDED.raw_payload`,
		p.ASIN, p.Title, p.Brand, p.Price, p.Currency, p.Rating, p.ReviewCount,
		string(categoriesJSON), p.Marketplace, p.Geo, p.ScrapedAt, payload,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert product %s", p.ASIN)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert")
	}
	return p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, asin string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE asin = $1`, asin,
	)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY scraped_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, asin string) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asin, payload, scraped_at FROM product_snapshots
		 WHERE asin = $1 ORDER BY scraped_at ASC`, asin,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		var sn model.Snapshot
		var payload string
		if err := rows.Scan(&sn.ID, &sn.ASIN, &payload, &sn.ScrapedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		sn.Payload = json.RawMessage(payload)
		snaps = append(snaps, sn)
	}
	return snaps, eris.Wrap(rows.Err(), "postgres: iterate snapshots")
}

// --- Competitor links ---

func (s *PostgresStore) LinkCompetitor(ctx context.Context, seedASIN, competitorASIN string, rank int) (*model.CompetitorLink, error) {
	if seedASIN == competitorASIN {
		return nil, ErrSelfLink
	}

	var link model.CompetitorLink
	err := s.pool.QueryRow(ctx, `
		INSERT INTO competitor_links (seed_asin, competitor_asin, discovery_rank, discovered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (seed_asin, competitor_asin) DO UPDATE SET
			discovery_rank = LEAST(competitor_links.discovery_rank, EXCLUDED.discovery_rank)
		RETURNING seed_asin, competitor_asin, discovery_rank, discovered_at`,
		seedASIN, competitorASIN, rank, time.Now().UTC(),
	).Scan(&link.SeedASIN, &link.CompetitorASIN, &link.DiscoveryRank, &link.DiscoveredAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: link competitor %s -> %s", seedASIN, competitorASIN)
	}
	return &link, nil
}

func (s *PostgresStore) ListCompetitors(ctx context.Context, seedASIN string) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.asin, p.title, p.brand, p.price, p.currency, p.rating, p.review_count,
		       p.categories, p.marketplace, p.geo, p.scraped_at, p.raw_payload
		FROM competitor_links l
		JOIN products p ON p.asin = l.competitor_asin
		WHERE l.seed_asin = $1
		ORDER BY l.discovery_rank ASC, l.discovered_at ASC`,
		seedASIN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list competitors")
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) ListLinks(ctx context.Context, seedASIN string) ([]model.CompetitorLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seed_asin, competitor_asin, discovery_rank, discovered_at
		FROM competitor_links
		WHERE seed_asin = $1
		ORDER BY discovery_rank ASC, discovered_at ASC`,
		seedASIN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links")
	}
	defer rows.Close()

	var links []model.CompetitorLink
	for rows.Next() {
		var l model.CompetitorLink
		if err := rows.Scan(&l.SeedASIN, &l.CompetitorASIN, &l.DiscoveryRank, &l.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: iterate links")
}

// --- Reports ---

func (s *PostgresStore) SaveReport(ctx context.Context, r *model.AnalysisReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	asinsJSON, err := json.Marshal(r.CompetitorASINs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal competitor asins")
	}
	contentJSON, err := json.Marshal(r.Content)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report content")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_reports (id, seed_asin, competitor_asins, content, model_version, input_tokens, output_tokens, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.SeedASIN, string(asinsJSON), string(contentJSON),
		r.ModelVersion, r.InputTokens, r.OutputTokens, r.GeneratedAt,
	)
	return eris.Wrapf(err, "postgres: save report for %s", r.SeedASIN)
}

func (s *PostgresStore) LatestReport(ctx context.Context, seedASIN string) (*model.AnalysisReport, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, seed_asin, competitor_asins, content, model_version, input_tokens, output_tokens, generated_at
		FROM analysis_reports WHERE seed_asin = $1
		ORDER BY generated_at DESC, id DESC LIMIT 1`,
		seedASIN,
	)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListReports(ctx context.Context, seedASIN string) ([]model.AnalysisReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, seed_asin, competitor_asins, content, model_version, input_tokens, output_tokens, generated_at
		FROM analysis_reports WHERE seed_asin = $1
		ORDER BY generated_at ASC, id ASC`,
		seedASIN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var reports []model.AnalysisReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: iterate reports")
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) (*model.PipelineRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Stage == "" {
		run.Stage = model.StageSeedFetch
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, seed_asin, marketplace, geo, stage, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.SeedASIN, run.Marketplace, run.Geo,
		string(run.Stage), string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, ErrRunActive
		}
		return nil, eris.Wrapf(err, "postgres: create run for %s", run.SeedASIN)
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) GetRunBySeed(ctx context.Context, seedASIN string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE seed_asin = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, seedASIN,
	)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.SeedASIN != "" {
		query += ` AND seed_asin = ` + arg(filter.SeedASIN)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ` + arg(filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, stage model.Stage, status model.RunStatus, runErr *model.RunError) error {
	var errJSON any
	if runErr != nil {
		buf, err := json.Marshal(runErr)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run error")
		}
		errJSON = string(buf)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET stage = $1, status = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(stage), string(status), errJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CancelRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		string(model.RunStatusCancelled), time.Now().UTC(), runID,
		string(model.RunStatusPending), string(model.RunStatusInProgress),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// --- helpers ---

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// normalizeJSON maps empty raw payloads to the JSON null literal so the
// JSONB columns accept them.
func normalizeJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

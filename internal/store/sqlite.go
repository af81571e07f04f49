package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Bh3ky/price-atlas/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	asin         TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	brand        TEXT NOT NULL DEFAULT '',
	price        REAL NOT NULL DEFAULT 0,
	currency     TEXT NOT NULL DEFAULT '',
	rating       REAL NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	categories   TEXT NOT NULL DEFAULT '[]',
	marketplace  TEXT NOT NULL DEFAULT '',
	geo          TEXT NOT NULL DEFAULT '',
	scraped_at   DATETIME NOT NULL,
	raw_payload  TEXT
);

CREATE TABLE IF NOT EXISTS product_snapshots (
	id         TEXT PRIMARY KEY,
	asin       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	scraped_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS competitor_links (
	seed_asin       TEXT NOT NULL,
	competitor_asin TEXT NOT NULL,
	discovery_rank  INTEGER NOT NULL,
	discovered_at   DATETIME NOT NULL,
	PRIMARY KEY (seed_asin, competitor_asin)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id         TEXT PRIMARY KEY,
	seed_asin  TEXT NOT NULL,
	marketplace TEXT NOT NULL DEFAULT '',
	geo        TEXT NOT NULL DEFAULT '',
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_reports (
	id               TEXT PRIMARY KEY,
	seed_asin        TEXT NOT NULL,
	competitor_asins TEXT NOT NULL,
	content          TEXT NOT NULL,
	model_version    TEXT NOT NULL DEFAULT '',
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0,
	generated_at     DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Products ---

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *model.Product) (*model.Product, error) {
	if p.ScrapedAt.IsZero() {
		p.ScrapedAt = time.Now().UTC()
	}
	categoriesJSON, err := json.Marshal(p.Categories)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal categories")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	// History first: every scrape leaves an immutable snapshot.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO product_snapshots (id, asin, payload, scraped_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), p.ASIN, string(p.RawPayload), p.ScrapedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert snapshot %s", p.ASIN)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (asin, title, brand, price, currency, rating, review_count, categories, marketplace, geo, scraped_at, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asin) DO UPDATE SET
			title        = excluded.title,
			brand        = excluded.brand,
			price        = excluded.price,
			currency     = excluded.currency,
			rating       = excluded.rating,
			review_count = excluded.review_count,
			categories   = excluded.categories,
			marketplace  = excluded.marketplace,
			geo          = excluded.geo,
			scraped_at   = excluded.scraped_at,
			raw_payload  = excluded.raw_payload`,
		p.ASIN, p.Title, p.Brand, p.Price, p.Currency, p.Rating, p.ReviewCount,
		string(categoriesJSON), p.Marketplace, p.Geo, p.ScrapedAt, string(p.RawPayload),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert product %s", p.ASIN)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert")
	}
	return p, nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, asin string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE asin = ?`, asin,
	)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY scraped_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, asin string) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asin, payload, scraped_at FROM product_snapshots
		 WHERE asin = ? ORDER BY scraped_at ASC`, asin,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		var sn model.Snapshot
		var payload string
		if err := rows.Scan(&sn.ID, &sn.ASIN, &payload, &sn.ScrapedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		sn.Payload = json.RawMessage(payload)
		snaps = append(snaps, sn)
	}
	return snaps, eris.Wrap(rows.Err(), "sqlite: iterate snapshots")
}

// --- Competitor links ---

func (s *SQLiteStore) LinkCompetitor(ctx context.Context, seedASIN, competitorASIN string, rank int) (*model.CompetitorLink, error) {
	if seedASIN == competitorASIN {
		return nil, ErrSelfLink
	}

	var link model.CompetitorLink
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO competitor_links (seed_asin, competitor_asin, discovery_rank, discovered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(seed_asin, competitor_asin) DO UPDATE SET
			discovery_rank = MIN(discovery_rank, excluded.discovery_rank)
		RETURNING seed_asin, competitor_asin, discovery_rank, discovered_at`,
		seedASIN, competitorASIN, rank, time.Now().UTC(),
	).Scan(&link.SeedASIN, &link.CompetitorASIN, &link.DiscoveryRank, &link.DiscoveredAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: link competitor %s -> %s", seedASIN, competitorASIN)
	}
	return &link, nil
}

func (s *SQLiteStore) ListCompetitors(ctx context.Context, seedASIN string) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.asin, p.title, p.brand, p.price, p.currency, p.rating, p.review_count,
		       p.categories, p.marketplace, p.geo, p.scraped_at, p.raw_payload
		FROM competitor_links l
		JOIN products p ON p.asin = l.competitor_asin
		WHERE l.seed_asin = ?
		ORDER BY l.discovery_rank ASC, l.discovered_at ASC`,
		seedASIN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list competitors")
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *SQLiteStore) ListLinks(ctx context.Context, seedASIN string) ([]model.CompetitorLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seed_asin, competitor_asin, discovery_rank, discovered_at
		FROM competitor_links
		WHERE seed_asin = ?
		ORDER BY discovery_rank ASC, discovered_at ASC`,
		seedASIN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links")
	}
	defer rows.Close()

	var links []model.CompetitorLink
	for rows.Next() {
		var l model.CompetitorLink
		if err := rows.Scan(&l.SeedASIN, &l.CompetitorASIN, &l.DiscoveryRank, &l.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: iterate links")
}

// --- Reports ---

func (s *SQLiteStore) SaveReport(ctx context.Context, r *model.AnalysisReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	asinsJSON, err := json.Marshal(r.CompetitorASINs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal competitor asins")
	}
	contentJSON, err := json.Marshal(r.Content)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report content")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_reports (id, seed_asin, competitor_asins, content, model_version, input_tokens, output_tokens, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SeedASIN, string(asinsJSON), string(contentJSON),
		r.ModelVersion, r.InputTokens, r.OutputTokens, r.GeneratedAt,
	)
	return eris.Wrapf(err, "sqlite: save report for %s", r.SeedASIN)
}

func (s *SQLiteStore) LatestReport(ctx context.Context, seedASIN string) (*model.AnalysisReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seed_asin, competitor_asins, content, model_version, input_tokens, output_tokens, generated_at
		FROM analysis_reports WHERE seed_asin = ?
		ORDER BY generated_at DESC, id DESC LIMIT 1`,
		seedASIN,
	)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListReports(ctx context.Context, seedASIN string) ([]model.AnalysisReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seed_asin, competitor_asins, content, model_version, input_tokens, output_tokens, generated_at
		FROM analysis_reports WHERE seed_asin = ?
		ORDER BY generated_at ASC, id ASC`,
		seedASIN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
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
	return reports, eris.Wrap(rows.Err(), "sqlite: iterate reports")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun) (*model.PipelineRun, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, seed_asin, marketplace, geo, stage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SeedASIN, run.Marketplace, run.Geo,
		string(run.Stage), string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrRunActive
		}
		return nil, eris.Wrapf(err, "sqlite: create run for %s", run.SeedASIN)
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, runID,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) GetRunBySeed(ctx context.Context, seedASIN string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE seed_asin = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, seedASIN,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SeedASIN != "" {
		query += ` AND seed_asin = ?`
		args = append(args, filter.SeedASIN)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
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
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, stage model.Stage, status model.RunStatus, runErr *model.RunError) error {
	var errJSON any
	if runErr != nil {
		buf, err := json.Marshal(runErr)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run error")
		}
		errJSON = string(buf)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET stage = ?, status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(stage), string(status), errJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) CancelRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.RunStatusCancelled), time.Now().UTC(), runID,
		string(model.RunStatusPending), string(model.RunStatusInProgress),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// --- helpers ---

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

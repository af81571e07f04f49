package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/Bh3ky/price-atlas/internal/model"
)

// Row scanning shared by the SQLite and Postgres backends. Both
// *sql.Row/*sql.Rows and pgx.Row/pgx.Rows satisfy these interfaces.

type scannable interface {
	Scan(dest ...any) error
}

type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

const runColumns = `id, seed_asin, marketplace, geo, stage, status, error, created_at, updated_at`

const productColumns = `asin, title, brand, price, currency, rating, review_count, categories, marketplace, geo, scraped_at, raw_payload`

// isNoRows reports whether err is the driver's no-rows sentinel. Scan
// helpers return that sentinel unwrapped so callers can translate it.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var errJSON sql.NullString

	err := row.Scan(&r.ID, &r.SeedASIN, &r.Marketplace, &r.Geo, &r.Stage, &r.Status, &errJSON, &r.CreatedAt, &r.UpdatedAt)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}

	if errJSON.Valid && errJSON.String != "" {
		r.Error = &model.RunError{}
		if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run error")
		}
	}
	return &r, nil
}

func scanProduct(row scannable) (*model.Product, error) {
	var p model.Product
	var categoriesJSON string
	var rawPayload sql.NullString

	err := row.Scan(&p.ASIN, &p.Title, &p.Brand, &p.Price, &p.Currency, &p.Rating,
		&p.ReviewCount, &categoriesJSON, &p.Marketplace, &p.Geo, &p.ScrapedAt, &rawPayload)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan product")
	}

	if err := json.Unmarshal([]byte(categoriesJSON), &p.Categories); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal categories")
	}
	if rawPayload.Valid {
		p.RawPayload = json.RawMessage(rawPayload.String)
	}
	return &p, nil
}

func collectProducts(rows rowIterator) ([]model.Product, error) {
	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "store: iterate products")
}

func scanReport(row scannable) (*model.AnalysisReport, error) {
	var r model.AnalysisReport
	var asinsJSON, contentJSON string

	err := row.Scan(&r.ID, &r.SeedASIN, &asinsJSON, &contentJSON,
		&r.ModelVersion, &r.InputTokens, &r.OutputTokens, &r.GeneratedAt)
	if isNoRows(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan report")
	}

	if err := json.Unmarshal([]byte(asinsJSON), &r.CompetitorASINs); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal competitor asins")
	}
	if err := json.Unmarshal([]byte(contentJSON), &r.Content); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal report content")
	}
	return &r, nil
}

// Package store implements the Results Store (C3): the durable index from
// (ticker, baseline_date, model_variant) to a finalized analysis bundle, and
// a side table caching parsed LLM output by payload hash so identical
// prompts never pay for a second completion. Grounded on the teacher's
// internal/database package: sqlite via modernc.org/sqlite, JSON blobs in
// TEXT columns, explicit schema migrations run at Open time.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/database"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS analysis_bundles (
	ticker         TEXT NOT NULL,
	baseline_date  TEXT NOT NULL,
	model_variant  TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	bundle_json    TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (ticker, baseline_date, model_variant)
);

CREATE INDEX IF NOT EXISTS idx_analysis_bundles_ticker ON analysis_bundles(ticker);

CREATE TABLE IF NOT EXISTS llm_output_cache (
	payload_hash  TEXT PRIMARY KEY,
	parsed_json   TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS filing_summaries (
	ticker        TEXT NOT NULL,
	form          TEXT NOT NULL,
	filing_date   TEXT NOT NULL,
	summary_json  TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (ticker, form, filing_date)
);
`

// Store is the durable Results Store backed by sqlite.
type Store struct {
	db *database.DB
}

// Open opens (creating if necessary) the sqlite-backed Results Store at
// path and applies its schema.
func Open(path string) (*Store, error) {
	db, err := database.Open(database.Config{
		Path:    path,
		Profile: database.ProfileDurable,
		Name:    "results",
	})
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}
	if _, err := db.Conn.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply results store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetBundle returns the most recently stored bundle for key, if any. A
// stored row whose schema_version does not match domain.SchemaVersion is
// treated as a miss so stale shapes never leak back out.
func (s *Store) GetBundle(ctx context.Context, key domain.RequestKey) (*domain.AnalysisBundle, bool, error) {
	row := s.db.Conn.QueryRowContext(ctx, `
		SELECT schema_version, bundle_json FROM analysis_bundles
		WHERE ticker = ? AND baseline_date = ? AND model_variant = ?`,
		key.Ticker, key.BaselineDate, key.ModelVariant)

	var schemaVersion int
	var bundleJSON string
	if err := row.Scan(&schemaVersion, &bundleJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query bundle: %w", err)
	}
	if schemaVersion != domain.SchemaVersion {
		return nil, false, nil
	}

	var bundle domain.AnalysisBundle
	if err := json.Unmarshal([]byte(bundleJSON), &bundle); err != nil {
		return nil, false, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, true, nil
}

// PutBundle upserts the finalized bundle for key.
func (s *Store) PutBundle(ctx context.Context, key domain.RequestKey, bundle *domain.AnalysisBundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	_, err = s.db.Conn.ExecContext(ctx, `
		INSERT INTO analysis_bundles (ticker, baseline_date, model_variant, schema_version, bundle_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker, baseline_date, model_variant) DO UPDATE SET
			schema_version = excluded.schema_version,
			bundle_json = excluded.bundle_json,
			updated_at = excluded.updated_at`,
		key.Ticker, key.BaselineDate, key.ModelVariant, domain.SchemaVersion, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert bundle: %w", err)
	}
	return nil
}

// ClearVariants deletes every stored bundle for ticker, optionally
// constrained to baselineDate when non-empty, mirroring the selective
// invalidation semantics of the KV cache's ClearForTicker.
func (s *Store) ClearVariants(ctx context.Context, ticker string, baselineDate string) (int, error) {
	var res sql.Result
	var err error
	if baselineDate == "" {
		res, err = s.db.Conn.ExecContext(ctx, `DELETE FROM analysis_bundles WHERE ticker = ?`, ticker)
	} else {
		res, err = s.db.Conn.ExecContext(ctx, `DELETE FROM analysis_bundles WHERE ticker = ? AND baseline_date = ?`, ticker, baselineDate)
	}
	if err != nil {
		return 0, fmt.Errorf("clear bundles: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleared bundles: %w", err)
	}
	return int(affected), nil
}

// GetLLMOutput returns the cached parsed LLM output for payloadHash, if any.
func (s *Store) GetLLMOutput(ctx context.Context, payloadHash string, out interface{}) (bool, error) {
	row := s.db.Conn.QueryRowContext(ctx, `SELECT parsed_json FROM llm_output_cache WHERE payload_hash = ?`, payloadHash)
	var parsedJSON string
	if err := row.Scan(&parsedJSON); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query llm output cache: %w", err)
	}
	if err := json.Unmarshal([]byte(parsedJSON), out); err != nil {
		return false, fmt.Errorf("decode llm output cache: %w", err)
	}
	return true, nil
}

// GetFilingSummary returns a previously persisted summary for the exact
// (ticker, form, filing_date) tuple, if any. Unlike the KV Cache's
// TTL-bounded entries, a filing's summary never goes stale once produced: a
// given form/filing_date combination describes a fixed, already-filed
// document, so this lookup carries no max-age check.
func (s *Store) GetFilingSummary(ctx context.Context, ticker string, form string, filingDate string) (domain.FilingSummary, bool, error) {
	row := s.db.Conn.QueryRowContext(ctx, `
		SELECT summary_json FROM filing_summaries
		WHERE ticker = ? AND form = ? AND filing_date = ?`,
		ticker, form, filingDate)

	var summaryJSON string
	if err := row.Scan(&summaryJSON); err != nil {
		if err == sql.ErrNoRows {
			return domain.FilingSummary{}, false, nil
		}
		return domain.FilingSummary{}, false, fmt.Errorf("query filing summary: %w", err)
	}
	var summary domain.FilingSummary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return domain.FilingSummary{}, false, fmt.Errorf("decode filing summary: %w", err)
	}
	return summary, true, nil
}

// PutFilingSummary upserts the durable summary for (ticker, form, filing_date).
func (s *Store) PutFilingSummary(ctx context.Context, ticker string, form string, filingDate string, summary domain.FilingSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode filing summary: %w", err)
	}
	_, err = s.db.Conn.ExecContext(ctx, `
		INSERT INTO filing_summaries (ticker, form, filing_date, summary_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ticker, form, filing_date) DO UPDATE SET
			summary_json = excluded.summary_json,
			updated_at = excluded.updated_at`,
		ticker, form, filingDate, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert filing summary: %w", err)
	}
	return nil
}

// PutLLMOutput stores the parsed LLM output for payloadHash.
func (s *Store) PutLLMOutput(ctx context.Context, payloadHash string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode llm output cache: %w", err)
	}
	_, err = s.db.Conn.ExecContext(ctx, `
		INSERT INTO llm_output_cache (payload_hash, parsed_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(payload_hash) DO UPDATE SET
			parsed_json = excluded.parsed_json,
			updated_at = excluded.updated_at`,
		payloadHash, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert llm output cache: %w", err)
	}
	return nil
}

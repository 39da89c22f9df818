// Package audit is the persistent, append-only Audit Store: every merged
// prediction and its later evaluation, each keyed for the query shapes
// the Control Surface needs (by id, by latest-per-topic, by since+limit).
// Built the same way candlestore.Store is: a dedicated SQLite connection
// pool with WAL journaling, opaque JSON blobs for the structured fields
// the wire format doesn't need to filter on.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketcore/internal/metrics"
	"marketcore/internal/model"
)

// Config configures the underlying connection pool.
type Config struct {
	DBPath        string
	PoolSize      int
	ConnectionTTL time.Duration
}

// Store is the Audit Store, implementing model.AuditStore and
// model.EvaluationStore from the same database.
type Store struct {
	db *sql.DB
	m  *metrics.Metrics
}

// Open connects, configures the pool, and ensures the schema exists.
func Open(ctx context.Context, cfg Config, m *metrics.Metrics) (*Store, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = time.Hour
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit open: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnectionTTL)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit ping: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}

	log.Printf("[audit] opened %s (pool=%d, ttl=%s)", cfg.DBPath, cfg.PoolSize, cfg.ConnectionTTL)
	return &Store{db: db, m: m}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS predictions (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol               TEXT    NOT NULL,
			timeframe            TEXT    NOT NULL,
			created_at           INTEGER NOT NULL,
			horizon_minutes      INTEGER NOT NULL,
			overall_confidence   REAL    NOT NULL,
			merged_series        TEXT    NOT NULL,
			bot_contributions    TEXT    NOT NULL,
			bot_raw_outputs      TEXT    NOT NULL,
			validation_flags     TEXT    NOT NULL,
			feature_snapshot     TEXT    NOT NULL,
			sanitization_summary TEXT    NOT NULL,
			evaluated            INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_predictions_topic ON predictions (symbol, timeframe, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_predictions_pending_eval ON predictions (evaluated, created_at, horizon_minutes);

		CREATE TABLE IF NOT EXISTS evaluations (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			prediction_id            INTEGER NOT NULL REFERENCES predictions(id),
			symbol                   TEXT    NOT NULL,
			timeframe                TEXT    NOT NULL,
			evaluated_at             INTEGER NOT NULL,
			samples_compared         INTEGER NOT NULL,
			mean_abs_error           REAL    NOT NULL,
			mean_abs_percent_error   REAL    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_evaluations_prediction ON evaluations (prediction_id);
	`)
	return err
}

// Save persists p and returns its assigned id.
func (s *Store) Save(ctx context.Context, p model.MergedPrediction) (int64, error) {
	mergedSeries, err := json.Marshal(p.MergedSeries)
	if err != nil {
		return 0, fmt.Errorf("audit save: marshal merged_series: %w", err)
	}
	contributions, err := json.Marshal(p.BotContributions)
	if err != nil {
		return 0, fmt.Errorf("audit save: marshal bot_contributions: %w", err)
	}
	rawOutputs, err := json.Marshal(p.BotRawOutputs)
	if err != nil {
		return 0, fmt.Errorf("audit save: marshal bot_raw_outputs: %w", err)
	}
	flags, err := json.Marshal(p.ValidationFlags)
	if err != nil {
		return 0, fmt.Errorf("audit save: marshal validation_flags: %w", err)
	}
	features, err := json.Marshal(p.FeatureSnapshot)
	if err != nil {
		return 0, fmt.Errorf("audit save: marshal feature_snapshot: %w", err)
	}
	sanitization, err := json.Marshal(p.SanitizationSummary)
	if err != nil {
		return 0, fmt.Errorf("audit save: marshal sanitization_summary: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (symbol, timeframe, created_at, horizon_minutes, overall_confidence,
			merged_series, bot_contributions, bot_raw_outputs, validation_flags, feature_snapshot, sanitization_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Symbol, string(p.Timeframe), p.CreatedAt.Unix(), p.HorizonMinutes, p.OverallConfidence,
		mergedSeries, contributions, rawOutputs, flags, features, sanitization)
	if err != nil {
		return 0, fmt.Errorf("audit save: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit save: last insert id: %w", err)
	}
	if s.m != nil {
		s.m.AuditWritesTotal.Inc()
	}
	return id, nil
}

// Fetch returns the prediction with id, or nil if not found.
func (s *Store) Fetch(ctx context.Context, id int64) (*model.MergedPrediction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, created_at, horizon_minutes, overall_confidence,
			merged_series, bot_contributions, bot_raw_outputs, validation_flags, feature_snapshot, sanitization_summary
		FROM predictions WHERE id = ?
	`, id)
	p, err := scanPrediction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit fetch: %w", err)
	}
	return &p, nil
}

// Latest returns the most recently created prediction for (symbol, tf), or
// nil if none exists.
func (s *Store) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.MergedPrediction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, created_at, horizon_minutes, overall_confidence,
			merged_series, bot_contributions, bot_raw_outputs, validation_flags, feature_snapshot, sanitization_summary
		FROM predictions WHERE symbol = ? AND timeframe = ?
		ORDER BY created_at DESC LIMIT 1
	`, symbol, string(tf))
	p, err := scanPrediction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit latest: %w", err)
	}
	return &p, nil
}

// List returns predictions for (symbol, tf) created at or after since (if
// non-nil), newest first, capped at limit (default 100, max 1000).
func (s *Store) List(ctx context.Context, symbol string, tf model.Timeframe, since *int64, limit int) ([]model.MergedPrediction, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if since == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, symbol, timeframe, created_at, horizon_minutes, overall_confidence,
				merged_series, bot_contributions, bot_raw_outputs, validation_flags, feature_snapshot, sanitization_summary
			FROM predictions WHERE symbol = ? AND timeframe = ?
			ORDER BY created_at DESC LIMIT ?
		`, symbol, string(tf), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, symbol, timeframe, created_at, horizon_minutes, overall_confidence,
				merged_series, bot_contributions, bot_raw_outputs, validation_flags, feature_snapshot, sanitization_summary
			FROM predictions WHERE symbol = ? AND timeframe = ? AND created_at >= ?
			ORDER BY created_at DESC LIMIT ?
		`, symbol, string(tf), *since, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []model.MergedPrediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("audit list scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveEvaluation persists e and marks its prediction as evaluated.
func (s *Store) SaveEvaluation(ctx context.Context, e model.Evaluation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("audit save evaluation begin: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO evaluations (prediction_id, symbol, timeframe, evaluated_at, samples_compared, mean_abs_error, mean_abs_percent_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.PredictionID, e.Symbol, string(e.Timeframe), e.EvaluatedAt.Unix(), e.SamplesCompared, e.MeanAbsError, e.MeanAbsPercentError)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("audit save evaluation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("audit save evaluation: last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE predictions SET evaluated = 1 WHERE id = ?`, e.PredictionID); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("audit save evaluation: mark evaluated: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit save evaluation commit: %w", err)
	}
	return id, nil
}

// PendingEvaluations returns un-evaluated predictions whose horizon has
// fully elapsed as of now, oldest first, capped at limit.
func (s *Store) PendingEvaluations(ctx context.Context, now time.Time, limit int) ([]model.MergedPrediction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, created_at, horizon_minutes, overall_confidence,
			merged_series, bot_contributions, bot_raw_outputs, validation_flags, feature_snapshot, sanitization_summary
		FROM predictions
		WHERE evaluated = 0 AND (created_at + horizon_minutes * 60) <= ?
		ORDER BY created_at ASC LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("audit pending evaluations: %w", err)
	}
	defer rows.Close()

	var out []model.MergedPrediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("audit pending evaluations scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner) (model.MergedPrediction, error) {
	var p model.MergedPrediction
	var tfStr string
	var createdAt int64
	var mergedSeries, contributions, rawOutputs, flags, features, sanitization []byte

	err := row.Scan(&p.ID, &p.Symbol, &tfStr, &createdAt, &p.HorizonMinutes, &p.OverallConfidence,
		&mergedSeries, &contributions, &rawOutputs, &flags, &features, &sanitization)
	if err != nil {
		return p, err
	}
	p.Timeframe = model.Timeframe(tfStr)
	p.CreatedAt = time.Unix(createdAt, 0).In(model.IST)

	if err := json.Unmarshal(mergedSeries, &p.MergedSeries); err != nil {
		return p, fmt.Errorf("unmarshal merged_series: %w", err)
	}
	if err := json.Unmarshal(contributions, &p.BotContributions); err != nil {
		return p, fmt.Errorf("unmarshal bot_contributions: %w", err)
	}
	if err := json.Unmarshal(rawOutputs, &p.BotRawOutputs); err != nil {
		return p, fmt.Errorf("unmarshal bot_raw_outputs: %w", err)
	}
	if err := json.Unmarshal(flags, &p.ValidationFlags); err != nil {
		return p, fmt.Errorf("unmarshal validation_flags: %w", err)
	}
	if err := json.Unmarshal(features, &p.FeatureSnapshot); err != nil {
		return p, fmt.Errorf("unmarshal feature_snapshot: %w", err)
	}
	if err := json.Unmarshal(sanitization, &p.SanitizationSummary); err != nil {
		return p, fmt.Errorf("unmarshal sanitization_summary: %w", err)
	}
	return p, nil
}

func (s *Store) Close() error { return s.db.Close() }

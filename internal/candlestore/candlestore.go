// Package candlestore is the persistent, append-only Candle Store: an
// indexed table on (symbol, timeframe, start_ts) with a uniqueness
// constraint, sized for many concurrent readers plus the single writer
// goroutine the Scheduler feeds.
package candlestore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketcore/internal/metrics"
	"marketcore/internal/model"
)

// Config configures the underlying connection pool. Minimum 20 concurrent
// readers plus 40 short-burst overflow must be tolerated; connections are
// verified before use and recycled on a 1-hour lifetime ceiling.
type Config struct {
	DBPath        string
	PoolSize      int
	PoolOverflow  int
	ConnectionTTL time.Duration
}

// Store is the Candle Store, implementing model.CandleStore.
type Store struct {
	db *sql.DB
	m  *metrics.Metrics
}

// Open connects, pings once, configures the pool per Config, and ensures
// the schema exists. A failed ping is returned without a retry.
func Open(ctx context.Context, cfg Config, m *metrics.Metrics) (*Store, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.PoolOverflow <= 0 {
		cfg.PoolOverflow = 40
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = time.Hour
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("candlestore open: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.PoolOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnectionTTL)
	db.SetConnMaxIdleTime(cfg.ConnectionTTL / 2)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("candlestore ping: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("candlestore schema: %w", err)
	}

	log.Printf("[candlestore] opened %s (pool=%d+%d overflow, ttl=%s)", cfg.DBPath, cfg.PoolSize, cfg.PoolOverflow, cfg.ConnectionTTL)
	return &Store{db: db, m: m}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			start_ts  INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			PRIMARY KEY (symbol, timeframe, start_ts)
		);
		CREATE INDEX IF NOT EXISTS idx_candles_latest ON candles (symbol, timeframe, start_ts DESC);
	`)
	return err
}

// UpsertBatch inserts new candles; for a pre-existing triple with the
// same values it is a no-op, with different values it replaces (the
// live-candle-rewrite case). Any row error mid-batch, of whatever kind,
// rolls the transaction back and falls through to row-by-row
// reconciliation; constraint violations are not told apart from other
// failures. Reconciliation applies rows one at a time, so rows before one
// that fails again there stay applied when the error is returned.
func (s *Store) UpsertBatch(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		if s.m != nil {
			s.m.CandleStoreQueryDur.Observe(time.Since(start).Seconds())
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candlestore upsert begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, timeframe, start_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, start_ts) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume
		WHERE open != excluded.open OR high != excluded.high
		   OR low != excluded.low OR close != excluded.close OR volume != excluded.volume
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candlestore upsert prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.Symbol, string(c.Timeframe), c.StartTS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return s.reconcileBatch(ctx, candles)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("candlestore upsert commit: %w", err)
	}
	if s.m != nil {
		s.m.CandlesUpserted.Add(float64(len(candles)))
	}
	return nil
}

// reconcileBatch runs one upsert per row outside a shared transaction, so
// one bad row cannot poison the rest of the batch.
func (s *Store) reconcileBatch(ctx context.Context, candles []model.Candle) error {
	for _, c := range candles {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO candles (symbol, timeframe, start_ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, start_ts) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume
			WHERE open != excluded.open OR high != excluded.high
			   OR low != excluded.low OR close != excluded.close OR volume != excluded.volume
		`, c.Symbol, string(c.Timeframe), c.StartTS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return fmt.Errorf("candlestore reconcile %s: %w", c.Key(), err)
		}
	}
	if s.m != nil {
		s.m.CandlesUpserted.Add(float64(len(candles)))
	}
	return nil
}

// Range returns candles ascending on start_ts, default limit 500, capped
// at 5000. If toTS is nil, returns the most recent limit entries.
func (s *Store) Range(ctx context.Context, symbol string, tf model.Timeframe, fromTS, toTS *int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}
	start := time.Now()
	defer func() {
		if s.m != nil {
			s.m.CandleStoreQueryDur.Observe(time.Since(start).Seconds())
			s.m.CandleStoreOpenConns.Set(float64(s.db.Stats().OpenConnections))
		}
	}()

	var rows *sql.Rows
	var err error
	switch {
	case toTS == nil && fromTS == nil:
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbol, timeframe, start_ts, open, high, low, close, volume FROM (
				SELECT * FROM candles WHERE symbol = ? AND timeframe = ?
				ORDER BY start_ts DESC LIMIT ?
			) ORDER BY start_ts ASC
		`, symbol, string(tf), limit)
	case toTS == nil:
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbol, timeframe, start_ts, open, high, low, close, volume FROM candles
			WHERE symbol = ? AND timeframe = ? AND start_ts >= ?
			ORDER BY start_ts ASC LIMIT ?
		`, symbol, string(tf), *fromTS, limit)
	case fromTS == nil:
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbol, timeframe, start_ts, open, high, low, close, volume FROM candles
			WHERE symbol = ? AND timeframe = ? AND start_ts <= ?
			ORDER BY start_ts ASC LIMIT ?
		`, symbol, string(tf), *toTS, limit)
	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT symbol, timeframe, start_ts, open, high, low, close, volume FROM candles
			WHERE symbol = ? AND timeframe = ? AND start_ts >= ? AND start_ts <= ?
			ORDER BY start_ts ASC LIMIT ?
		`, symbol, string(tf), *fromTS, *toTS, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("candlestore range: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// Latest returns the most recent candle for (symbol, timeframe), or nil
// if none exists.
func (s *Store) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, start_ts, open, high, low, close, volume FROM candles
		WHERE symbol = ? AND timeframe = ? ORDER BY start_ts DESC LIMIT 1
	`, symbol, string(tf))

	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("candlestore latest: %w", err)
	}
	return &c, nil
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var tfStr string
		var ts int64
		if err := rows.Scan(&c.Symbol, &tfStr, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Timeframe = model.Timeframe(tfStr)
		c.StartTS = time.Unix(ts, 0).In(model.IST)
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (model.Candle, error) {
	var c model.Candle
	var tfStr string
	var ts int64
	err := row.Scan(&c.Symbol, &tfStr, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err != nil {
		return c, err
	}
	c.Timeframe = model.Timeframe(tfStr)
	c.StartTS = time.Unix(ts, 0).In(model.IST)
	return c, nil
}

func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

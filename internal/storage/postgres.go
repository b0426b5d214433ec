package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pantrykit/cyclecast/internal/predictor"
)

// Postgres implements Store on a Postgres pool. The log append and state
// upsert share one transaction, which is what makes CommitEvent atomic.
//
// Schema:
//
//	CREATE TABLE predictor_state (
//	  household_id TEXT NOT NULL,
//	  product_id   TEXT NOT NULL,
//	  params       JSONB NOT NULL,
//	  confidence   DOUBLE PRECISION NOT NULL,
//	  updated_at   TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (household_id, product_id)
//	);
//
//	CREATE TABLE event_log (
//	  id               BIGSERIAL PRIMARY KEY,
//	  household_id     TEXT NOT NULL,
//	  product_id       TEXT NOT NULL,
//	  ts               TIMESTAMPTZ NOT NULL,
//	  kind             TEXT NOT NULL,
//	  reason           TEXT,
//	  note             TEXT,
//	  out_of_order     BOOLEAN NOT NULL DEFAULT FALSE,
//	  days_left_before DOUBLE PRECISION NOT NULL,
//	  days_left_after  DOUBLE PRECISION NOT NULL,
//	  mean_before      DOUBLE PRECISION NOT NULL,
//	  mean_after       DOUBLE PRECISION NOT NULL,
//	  idempotency_key  TEXT,
//	  payload          JSONB
//	);
//	CREATE INDEX idx_event_log_key_ts ON event_log(household_id, product_id, ts);
//
//	CREATE TABLE forecast_log (
//	  household_id       TEXT NOT NULL,
//	  product_id         TEXT NOT NULL,
//	  generated_at       TIMESTAMPTZ NOT NULL,
//	  expected_days_left DOUBLE PRECISION NOT NULL,
//	  predicted_state    TEXT NOT NULL,
//	  confidence         DOUBLE PRECISION NOT NULL,
//	  trigger_event_id   BIGINT
//	);
//	CREATE INDEX idx_forecast_log_key ON forecast_log(household_id, product_id, generated_at);
//
//	CREATE TABLE inventory (
//	  household_id TEXT NOT NULL,
//	  product_id   TEXT NOT NULL,
//	  days_left    DOUBLE PRECISION NOT NULL,
//	  state        TEXT NOT NULL,
//	  confidence   DOUBLE PRECISION NOT NULL,
//	  last_source  TEXT NOT NULL,
//	  updated_at   TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (household_id, product_id)
//	);
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to Postgres and verifies the connection.
func NewPostgres(connStr string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) LoadState(ctx context.Context, key Key) (*predictor.State, error) {
	query := `
		SELECT params
		FROM predictor_state
		WHERE household_id = $1 AND product_id = $2
	`

	var params []byte
	err := p.pool.QueryRow(ctx, query, key.Household, key.Product).Scan(&params)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres state query failed: %w", err)
	}

	s, err := predictor.UnmarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) CommitEvent(ctx context.Context, c *Commit) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var logID int64
	appendQuery := `
		INSERT INTO event_log
		  (household_id, product_id, ts, kind, reason, note, out_of_order,
		   days_left_before, days_left_after, mean_before, mean_after,
		   idempotency_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err = tx.QueryRow(ctx, appendQuery,
		c.Key.Household, c.Key.Product, c.Entry.Timestamp, c.Entry.Kind,
		nullable(c.Entry.Reason), nullable(c.Entry.Note), c.Entry.OutOfOrder,
		c.Entry.DaysLeftBefore, c.Entry.DaysLeftAfter,
		c.Entry.MeanBefore, c.Entry.MeanAfter,
		nullable(c.Entry.IdempotencyKey), c.Entry.Payload,
	).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("postgres log append failed: %w", err)
	}

	params, err := c.State.MarshalParams()
	if err != nil {
		return 0, err
	}

	upsertQuery := `
		INSERT INTO predictor_state (household_id, product_id, params, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (household_id, product_id)
		DO UPDATE SET params = EXCLUDED.params,
		              confidence = EXCLUDED.confidence,
		              updated_at = EXCLUDED.updated_at
	`
	_, err = tx.Exec(ctx, upsertQuery,
		c.Key.Household, c.Key.Product, params, c.State.Confidence, c.State.LastUpdateAt)
	if err != nil {
		return 0, fmt.Errorf("postgres state upsert failed: %w", err)
	}

	if c.Inventory != nil {
		if err := upsertInventoryTx(ctx, tx, c.Inventory); err != nil {
			return 0, err
		}
	}

	if c.Forecast != nil {
		forecastQuery := `
			INSERT INTO forecast_log
			  (household_id, product_id, generated_at, expected_days_left,
			   predicted_state, confidence, trigger_event_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err = tx.Exec(ctx, forecastQuery,
			c.Forecast.Household, c.Forecast.Product, c.Forecast.GeneratedAt,
			c.Forecast.ExpectedDaysLeft, c.Forecast.PredictedState,
			c.Forecast.Confidence, logID)
		if err != nil {
			return 0, fmt.Errorf("postgres forecast insert failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres commit failed: %w", err)
	}

	return logID, nil
}

func (p *Postgres) Keys(ctx context.Context) ([]Key, error) {
	query := `
		SELECT household_id, product_id
		FROM predictor_state
		ORDER BY household_id, product_id
	`
	return p.scanKeys(ctx, query)
}

func (p *Postgres) HouseholdKeys(ctx context.Context, household string) ([]Key, error) {
	query := `
		SELECT household_id, product_id
		FROM predictor_state
		WHERE household_id = $1
		ORDER BY product_id
	`
	return p.scanKeys(ctx, query, household)
}

func (p *Postgres) scanKeys(ctx context.Context, query string, args ...any) ([]Key, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres keys query failed: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Household, &k.Product); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) Entries(ctx context.Context, key Key) ([]LogEntry, error) {
	query := `
		SELECT id, ts, kind, COALESCE(reason, ''), COALESCE(note, ''), out_of_order,
		       days_left_before, days_left_after, mean_before, mean_after,
		       COALESCE(idempotency_key, ''), payload
		FROM event_log
		WHERE household_id = $1 AND product_id = $2
		ORDER BY id
	`
	rows, err := p.pool.Query(ctx, query, key.Household, key.Product)
	if err != nil {
		return nil, fmt.Errorf("postgres entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		e := LogEntry{Household: key.Household, Product: key.Product}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Reason, &e.Note, &e.OutOfOrder,
			&e.DaysLeftBefore, &e.DaysLeftAfter, &e.MeanBefore, &e.MeanAfter,
			&e.IdempotencyKey, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) FirstEntry(ctx context.Context, key Key) (*LogEntry, error) {
	return p.entryQuery(ctx, key, `
		SELECT id, ts, kind
		FROM event_log
		WHERE household_id = $1 AND product_id = $2
		ORDER BY id
		LIMIT 1
	`)
}

func (p *Postgres) LastEntryOfKind(ctx context.Context, key Key, kind string) (*LogEntry, error) {
	query := `
		SELECT id, ts, kind
		FROM event_log
		WHERE household_id = $1 AND product_id = $2 AND kind = $3
		ORDER BY id DESC
		LIMIT 1
	`
	e := LogEntry{Household: key.Household, Product: key.Product}
	err := p.pool.QueryRow(ctx, query, key.Household, key.Product, kind).
		Scan(&e.ID, &e.Timestamp, &e.Kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres entry query failed: %w", err)
	}
	return &e, nil
}

func (p *Postgres) entryQuery(ctx context.Context, key Key, query string) (*LogEntry, error) {
	e := LogEntry{Household: key.Household, Product: key.Product}
	err := p.pool.QueryRow(ctx, query, key.Household, key.Product).
		Scan(&e.ID, &e.Timestamp, &e.Kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres entry query failed: %w", err)
	}
	return &e, nil
}

func (p *Postgres) WriteInventory(ctx context.Context, row *InventoryRow) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres acquire failed: %w", err)
	}
	defer conn.Release()
	return upsertInventoryTx(ctx, conn, row)
}

// pgxExecer covers both pgx.Tx and pooled connections.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertInventoryTx(ctx context.Context, ex pgxExecer, row *InventoryRow) error {
	query := `
		INSERT INTO inventory
		  (household_id, product_id, days_left, state, confidence, last_source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (household_id, product_id)
		DO UPDATE SET days_left = EXCLUDED.days_left,
		              state = EXCLUDED.state,
		              confidence = EXCLUDED.confidence,
		              last_source = EXCLUDED.last_source,
		              updated_at = EXCLUDED.updated_at
	`
	_, err := ex.Exec(ctx, query,
		row.Household, row.Product, row.DaysLeft, row.State,
		row.Confidence, row.LastSource, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres inventory upsert failed: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

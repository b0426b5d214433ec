package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RedisStore implements Store using Redis SETNX for atomic first-write-wins,
// so re-delivery races across processes cannot double-apply an event.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed dedup store and verifies the
// connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dedup record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dedup record: %w", err)
	}

	// SETNX with TTL: atomic first-write-wins. Losing the race is not an
	// error; the first writer's outcome stands.
	if _, err := r.client.SetNX(ctx, redisKey(key), data, ttl).Result(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func redisKey(key string) string {
	return "event:" + key
}

// PostgresStore implements Store using ON CONFLICT DO NOTHING for atomic
// first-write-wins.
//
// Schema:
//
//	CREATE TABLE event_dedup (
//	  idempotency_key VARCHAR(255) PRIMARY KEY,
//	  payload_sha256  VARCHAR(64) NOT NULL,
//	  outcome         JSONB NOT NULL,
//	  expires_at      TIMESTAMPTZ NOT NULL,
//	  created_at      TIMESTAMPTZ DEFAULT NOW()
//	);
//	CREATE INDEX idx_event_dedup_expires ON event_dedup(expires_at);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed dedup store and verifies the
// connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
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

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT payload_sha256, outcome
		FROM event_dedup
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`

	var rec Record
	var outcomeJSON []byte
	err := p.pool.QueryRow(ctx, query, key).Scan(&rec.PayloadHash, &outcomeJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres dedup query failed: %w", err)
	}

	if err := json.Unmarshal(outcomeJSON, &rec.Outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dedup outcome: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	outcomeJSON, err := json.Marshal(rec.Outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal dedup outcome: %w", err)
	}

	query := `
		INSERT INTO event_dedup (idempotency_key, payload_sha256, outcome, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	_, err = p.pool.Exec(ctx, query, key, rec.PayloadHash, outcomeJSON, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("postgres dedup insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired removes expired dedup rows. Run periodically to prevent
// table bloat.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM event_dedup WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("dedup cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_transcripts (
	call_id     TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT '',
	transcript  TEXT NOT NULL,
	utterances  JSONB NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres stores one row per call. A second delivery for the same call is a no-op.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create call_transcripts: %w", err)
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Deliver(ctx context.Context, t Transcript) error {
	utts, err := json.Marshal(t.Utterances)
	if err != nil {
		return fmt.Errorf("encode utterances: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO call_transcripts (call_id, status, transcript, utterances, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO NOTHING`,
		t.CallID, t.Status, t.Text, utts, t.EndedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres keeps records in the intake_sessions table. Rows are never
// expired by the store.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const upsertRecordSQL = `
INSERT INTO intake_sessions (session_id, status, extraction, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO UPDATE SET
	status = EXCLUDED.status,
	extraction = EXCLUDED.extraction,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at`

const selectRecordSQL = `
SELECT session_id, status, extraction, started_at, ended_at
FROM intake_sessions
WHERE session_id = $1`

func (p *Postgres) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Extraction)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, upsertRecordSQL, rec.SessionID, rec.Status, data, rec.StartedAt, rec.EndedAt)
	return err
}

func (p *Postgres) Load(ctx context.Context, sessionID string) (Record, error) {
	var (
		rec  Record
		data []byte
	)
	err := p.pool.QueryRow(ctx, selectRecordSQL, sessionID).Scan(&rec.SessionID, &rec.Status, &data, &rec.StartedAt, &rec.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(data, &rec.Extraction); err != nil {
		return Record{}, fmt.Errorf("archive: decode extraction for %s: %w", sessionID, err)
	}
	return rec, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Migrate applies the embedded schema migrations to the database.
func Migrate(ctx context.Context, databaseURL string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("archive: connect postgres: %w", err)
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("archive: init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		logger.Info("applied migration", "version", r.Source.Version, "path", r.Source.Path, "duration_ms", r.Duration.Milliseconds())
	}
	if len(results) == 0 {
		logger.Info("archive schema up to date")
	}
	return nil
}

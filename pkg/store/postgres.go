package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/user/scanrelay/pkg/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps snapshots in the finding_snapshots table
type PostgresStore struct {
	Pool     *pgxpool.Pool
	MaxBytes int
	now      func() time.Time
}

// ConnectPostgres opens a pool and checks connectivity
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{Pool: pool, MaxBytes: DefaultMaxBytes, now: time.Now}, nil
}

// Close releases the pool
func (p *PostgresStore) Close() { p.Pool.Close() }

// Migrate applies the embedded schema migrations
func (p *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.Pool)
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, scope string) ([]Ref, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT id, number FROM finding_snapshots
		WHERE scope = $1
		ORDER BY number, id
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %q: %w", scope, err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var id int64
		var number int
		if err := rows.Scan(&id, &number); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		refs = append(refs, Ref{Scope: scope, Number: number, URI: pgURI(scope, id)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots for %q: %w", scope, err)
	}
	return refs, nil
}

func (p *PostgresStore) Fetch(ctx context.Context, ref Ref) (*engine.Snapshot, error) {
	id, err := parsePgURI(ref.URI)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = p.Pool.QueryRow(ctx, `SELECT body FROM finding_snapshots WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: no such row: %w", ref.URI, ErrSnapshotUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", ref.URI, err, ErrSnapshotUnavailable)
	}
	return Decode(body)
}

func (p *PostgresStore) Store(ctx context.Context, batch engine.Batch) (Ref, error) {
	snap := engine.NewSnapshot(batch, p.now())
	data, compact, err := Encode(snap, p.MaxBytes)
	if err != nil {
		return Ref{}, err
	}

	var id int64
	err = p.Pool.QueryRow(ctx, `
		INSERT INTO finding_snapshots (scope, number, compact, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, batch.Scope, batch.Number, compact, data, snap.CreatedAt).Scan(&id)
	if err != nil {
		return Ref{}, fmt.Errorf("insert snapshot %d for %q: %w", batch.Number, batch.Scope, err)
	}
	return Ref{Scope: batch.Scope, Number: batch.Number, URI: pgURI(batch.Scope, id)}, nil
}

func pgURI(scope string, id int64) string {
	return fmt.Sprintf("pgsnap://%s/%d", url.PathEscape(ScopeDir(scope)), id)
}

func parsePgURI(uri string) (int64, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "pgsnap" {
		return 0, fmt.Errorf("not a postgres snapshot ref %q: %w", uri, ErrSnapshotUnavailable)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(u.Path, "/"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad snapshot id in %q: %w", uri, ErrSnapshotUnavailable)
	}
	return id, nil
}

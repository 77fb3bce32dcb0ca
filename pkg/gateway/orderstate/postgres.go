package orderstate

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists orders in a single table keyed by session id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, applies pending migrations, and returns a ready
// store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migrate(ctx, dsn); err != nil {
		return nil, fmt.Errorf("migrate order store: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect order store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping order store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, dsn string) error {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	db := sql.OpenDB(stdlib.GetConnector(*cfg))
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateSession(ctx context.Context) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO orders (session_id, items, updated_at)
		 VALUES (gen_random_uuid(), '[]'::jsonb, now())
		 RETURNING session_id`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, sessionID string) (Order, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT items, updated_at FROM orders WHERE session_id = $1`,
		sessionID).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNoSession
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	items := []Item{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return Order{}, fmt.Errorf("decode order items: %w", err)
	}
	return Order{SessionID: sessionID, Items: items, UpdatedAt: updatedAt}, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, sessionID string, items []Item) (Order, error) {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return Order{}, fmt.Errorf("encode order items: %w", err)
	}
	var updatedAt time.Time
	err = s.pool.QueryRow(ctx,
		`UPDATE orders SET items = $2, updated_at = now()
		 WHERE session_id = $1
		 RETURNING updated_at`,
		sessionID, raw).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNoSession
	}
	if err != nil {
		return Order{}, fmt.Errorf("update order: %w", err)
	}
	return Order{SessionID: sessionID, Items: items, UpdatedAt: updatedAt}, nil
}

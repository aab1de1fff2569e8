package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultRecordTable = "credential_cache"

// PostgresConfig captures configuration required to initialize a
// Postgres-backed record store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// Schema optionally namespaces the record table.
	Schema string
	// Table is the record table name; defaults to credential_cache.
	Table string
	// Key identifies the account whose record this store manages, usually
	// the username.
	Key string
}

// PostgresStore keeps the record in a single upserted row so several hosts
// can share one credential cache.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresConfig
}

// NewPostgresStore connects to PostgreSQL and ensures the record table
// exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, errors.New("postgres store: DSN is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("postgres store: account key is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultRecordTable
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	store := &PostgresStore{db: db, cfg: cfg}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		account_key TEXT PRIMARY KEY,
		record BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres store: create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) table() string {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		return quoteIdentifier(schema) + "." + quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Read returns the record bytes for the account key.
func (s *PostgresStore) Read(ctx context.Context) ([]byte, error) {
	query := fmt.Sprintf("SELECT record FROM %s WHERE account_key = $1", s.table())
	var data []byte
	err := s.db.QueryRowContext(ctx, query, s.cfg.Key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: read record: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoRecord
	}
	return data, nil
}

// Write upserts the record row; the replacement is a single statement so no
// partial state is observable.
func (s *PostgresStore) Write(ctx context.Context, data []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (account_key, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_key) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`, s.table())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.Key, data); err != nil {
		return fmt.Errorf("postgres store: write record: %w", err)
	}
	return nil
}

// Delete removes the record row.
func (s *PostgresStore) Delete(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE account_key = $1", s.table())
	res, err := s.db.ExecContext(ctx, query, s.cfg.Key)
	if err != nil {
		return fmt.Errorf("postgres store: delete record: %w", err)
	}
	if affected, errRows := res.RowsAffected(); errRows == nil && affected == 0 {
		return ErrNoRecord
	}
	return nil
}

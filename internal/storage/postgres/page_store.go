// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const defaultTable = "pages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PageStoreConfig controls the Postgres connection pool used for page rows.
type PageStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageStore writes page rows into Postgres.
type PageStore struct {
	pool  execCloser
	table string
	query string
}

// NewPageStore creates a Postgres-backed PageStore using the provided config.
func NewPageStore(ctx context.Context, cfg PageStoreConfig) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPageStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(pool execCloser, table string) (*PageStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{pool: pool, table: table, query: insertQuery(table)}, nil
}

func insertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	id,
	spider,
	partition_ts,
	fetched_at,
	url,
	status_code,
	depth,
	content_hash,
	content_type,
	blob_uri,
	headers
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (id) DO NOTHING`, table)
}

// Close releases the underlying pool resources.
func (s *PageStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// StoreRecord implements crawler.RecordStore.
func (s *PageStore) StoreRecord(ctx context.Context, record crawler.PageRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("page store is not configured")
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	fetchedAt := record.FetchedAt.UTC()
	args := []any{
		record.ID,
		record.Spider,
		fetchedAt.Truncate(time.Hour),
		fetchedAt,
		record.URL,
		record.StatusCode,
		record.Depth,
		record.ContentHash,
		record.ContentType,
		record.BlobURI,
		headersJSON,
	}
	if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}

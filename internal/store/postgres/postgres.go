// Package postgres keeps the store model in PostgreSQL.
//
// Collections, singleton documents and rows live in three tables created on
// open. Documents and rows are stored as jsonb; a document update is a jsonb
// merge, so a key patched to null stays present with a null value.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/repload/internal/store"
)

const DriverName = "postgres"

//nolint:gochecknoinits
func init() {
	store.Register(DriverName, store.DriverFunc(Open))
}

var ErrConnectFailed = errors.New("connect failed")

type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to params.URL and creates the tables if needed.
func Open(ctx context.Context, params store.Params) (store.Store, error) {
	if params.URL == "" {
		return nil, fmt.Errorf("%w: postgres connection url not set", store.ErrOperationFailed)
	}
	config, err := pgxpool.ParseConfig(params.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrOperationFailed, err)
	}
	if params.Timeout > 0 {
		config.ConnConfig.ConnectTimeout = params.Timeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}
	defer func() {
		// free the pool if we return before the store owns it
		if pool != nil {
			pool.Close()
		}
	}()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}
	if err := setup(ctx, pool); err != nil {
		return nil, fmt.Errorf("%w: setup: %s", store.ErrOperationFailed, err)
	}

	s := &Store{Pool: pool}
	pool = nil
	return s, nil
}

func setup(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS repload_collections (
    seq BIGSERIAL NOT NULL,
    name TEXT NOT NULL PRIMARY KEY,
    schema JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE TABLE IF NOT EXISTS repload_documents (
    collection TEXT NOT NULL PRIMARY KEY REFERENCES repload_collections(name) ON DELETE CASCADE,
    body JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS repload_rows (
    collection TEXT NOT NULL REFERENCES repload_collections(name) ON DELETE CASCADE,
    position BIGINT NOT NULL,
    source JSONB NOT NULL,
    PRIMARY KEY (collection, position)
);`)
	return err
}

func failed(err error) error {
	return fmt.Errorf("%s: %w", err, store.ErrOperationFailed)
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM repload_collections WHERE name = $1)`, name).Scan(&ok)
	if err != nil {
		return false, failed(err)
	}
	return ok, nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, schema store.Schema) error {
	if name == "" {
		return store.ErrMissingName
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	res, err := s.Pool.Exec(ctx, `INSERT INTO repload_collections(name, schema) VALUES($1, $2) ON CONFLICT DO NOTHING`, name, data)
	if err != nil {
		return failed(err)
	}
	if res.RowsAffected() != 1 {
		return fmt.Errorf("collection %s: %w", name, store.ErrConflict)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, name string, out any) error {
	var body []byte
	err := s.Pool.QueryRow(ctx, `SELECT body FROM repload_documents WHERE collection = $1`, name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return failed(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode document %s: %w", name, err)
	}
	return nil
}

func (s *Store) PutDocument(ctx context.Context, name string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO repload_collections(name) VALUES($1) ON CONFLICT DO NOTHING`, name); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO repload_documents(collection, body) VALUES($1, $2)
			ON CONFLICT (collection) DO UPDATE SET body = EXCLUDED.body`, name, data)
		return err
	})
	if err != nil {
		return failed(err)
	}
	return nil
}

func (s *Store) UpdateDocument(ctx context.Context, name string, patch store.Patch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	res, err := s.Pool.Exec(ctx, `UPDATE repload_documents SET body = body || $2::jsonb WHERE collection = $1`, name, data)
	if err != nil {
		return failed(err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", name, store.ErrNotFound)
	}
	return nil
}

// ListCollections renders the matching names in the same header-framed
// listing the elasticsearch driver returns.
func (s *Store) ListCollections(ctx context.Context, prefix string) (string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT name FROM repload_collections WHERE name LIKE $1 ESCAPE '\' ORDER BY seq`, likePrefix(prefix))
	if err != nil {
		return "", failed(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", failed(err)
	}

	var b strings.Builder
	b.WriteString("index\n")
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	res, err := s.Pool.Exec(ctx, `DELETE FROM repload_collections WHERE name = $1`, name)
	if err != nil {
		return failed(err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, name string) (int64, error) {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	var n int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM repload_rows WHERE collection = $1`, name).Scan(&n); err != nil {
		return 0, failed(err)
	}
	return n, nil
}

// BulkWrite upserts rows in one pipelined batch. A failing statement aborts
// the rest of the batch, so every row after it is reported as failed too.
func (s *Store) BulkWrite(ctx context.Context, name string, rows []store.Row) (*store.BulkReport, error) {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		data, err := json.Marshal(row.Source)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", row.Position, err)
		}
		batch.Queue(`INSERT INTO repload_rows(collection, position, source) VALUES($1, $2, $3)
			ON CONFLICT (collection, position) DO UPDATE SET source = EXCLUDED.source
			RETURNING (xmax = 0)`, name, row.Position, data)
	}

	br := s.Pool.SendBatch(ctx, batch)
	defer br.Close()

	report := &store.BulkReport{Items: make([]store.ItemResult, len(rows))}
	for i, row := range rows {
		item := store.ItemResult{Position: row.Position}
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			item.Error = err.Error()
		} else if inserted {
			item.Status = 201
		} else {
			item.Status = 200
		}
		report.Items[i] = item
	}
	return report, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

var _ store.Store = (*Store)(nil)

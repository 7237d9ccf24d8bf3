// Package postgres implements storage.Backend backed by PostgreSQL.
//
// The records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/signet/storage"
)

// Backend implements storage.Backend backed by PostgreSQL.
type Backend struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend returns a Backend backed by the given pgx connection pool.
func NewBackend(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

// NewBackendFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Backend.
func NewBackendFromDSN(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewBackend(pool), nil
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func (b *Backend) Put(recordType, recordID string, data []byte) error {
	_, err := b.pool.Exec(context.Background(),
		`INSERT INTO ca_records (record_type, record_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (record_type, record_id) DO UPDATE SET data = $3`,
		recordType, recordID, data)
	return err
}

func (b *Backend) PutNew(recordType, recordID string, data []byte) error {
	tag, err := b.pool.Exec(context.Background(),
		`INSERT INTO ca_records (record_type, record_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (record_type, record_id) DO NOTHING`,
		recordType, recordID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrExists)
	}
	return nil
}

func (b *Backend) Get(recordType, recordID string) ([]byte, error) {
	var data []byte
	err := b.pool.QueryRow(context.Background(),
		`SELECT data FROM ca_records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Backend) List(recordType string) ([]string, error) {
	rows, err := b.pool.Query(context.Background(),
		`SELECT record_id FROM ca_records WHERE record_type = $1 ORDER BY record_id`,
		recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgBatchTx) Put(recordType, recordID string, data []byte) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO ca_records (record_type, record_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (record_type, record_id) DO UPDATE SET data = $3`,
		recordType, recordID, data)
	return err
}

func (t *pgBatchTx) PutNew(recordType, recordID string, data []byte) error {
	tag, err := t.tx.Exec(t.ctx,
		`INSERT INTO ca_records (record_type, record_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (record_type, record_id) DO NOTHING`,
		recordType, recordID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrExists)
	}
	return nil
}

func (b *Backend) Batch(fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgBatchTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

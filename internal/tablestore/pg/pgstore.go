package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"comebearing.dev/internal/tablestore"
)

const uniqueViolation = "23505"

// Store persists entities in a single Postgres table keyed by
// (partition_key, row_key).
type Store struct {
	db *sql.DB
}

var _ tablestore.Store = (*Store)(nil)

// Open connects to Postgres with pooled defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection, e.g. one shared with the readiness probe.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Retrieve(ctx context.Context, partitionKey, rowKey string) (tablestore.Entity, error) {
	var e tablestore.Entity
	err := s.db.QueryRowContext(ctx, `
		select partition_key, row_key, data, updated_at
		from entities
		where partition_key=$1 and row_key=$2
	`, partitionKey, rowKey).Scan(&e.PartitionKey, &e.RowKey, &e.Data, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tablestore.Entity{}, tablestore.ErrNotFound
	}
	if err != nil {
		return tablestore.Entity{}, err
	}
	return e, nil
}

func (s *Store) Upsert(ctx context.Context, e tablestore.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into entities(partition_key, row_key, data, updated_at)
		values ($1,$2,$3, now())
		on conflict (partition_key, row_key) do update
		set data = excluded.data, updated_at = now()
	`, e.PartitionKey, e.RowKey, e.Data)
	return err
}

func (s *Store) Insert(ctx context.Context, e tablestore.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into entities(partition_key, row_key, data, updated_at)
		values ($1,$2,$3, now())
	`, e.PartitionKey, e.RowKey, e.Data)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return tablestore.ErrExists
	}
	return err
}

func (s *Store) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from entities where partition_key=$1 and row_key=$2
	`, partitionKey, rowKey)
	return err
}

func (s *Store) Query(ctx context.Context, partitionKey string) ([]tablestore.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select partition_key, row_key, data, updated_at
		from entities
		where partition_key=$1
	`, partitionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tablestore.Entity
	for rows.Next() {
		var e tablestore.Entity
		if err := rows.Scan(&e.PartitionKey, &e.RowKey, &e.Data, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

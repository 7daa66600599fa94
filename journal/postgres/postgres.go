// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/duplicator/duplication"
	"github.com/absmach/duplicator/journal"
	_ "github.com/lib/pq"
)

const (
	defaultTableName = "duplication_journal"
	operationTimeout = 5 * time.Second
)

var (
	_ journal.Store = (*Store)(nil)

	ErrInvalidDSN = errors.New("postgres dsn is required")
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store persists journal records in a PostgreSQL table, created on first use.
type Store struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New returns a journal backed by the database at dsn. The connection is opened lazily.
func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &Store{
		dsn:       dsn,
		tableName: defaultTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *Store) table() string {
	return quoteIdentifier(s.tableName)
}

func (s *Store) Append(ctx context.Context, r journal.Record) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, from_store_id, to_store_id, type, space_id, content_id, checksum, success, error, attempts, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET checksum = EXCLUDED.checksum, success = EXCLUDED.success, error = EXCLUDED.error,
			attempts = EXCLUDED.attempts, reported_at = EXCLUDED.reported_at`, s.table())
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.FromStoreID, r.ToStoreID, string(r.Type), r.SpaceID, r.ContentID,
		r.Checksum, r.Success, r.Error, r.Attempts, r.ReportedAt)
	return err
}

const columns = "id, from_store_id, to_store_id, type, space_id, content_id, checksum, success, error, attempts, reported_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (journal.Record, error) {
	var r journal.Record
	var typ string
	err := row.Scan(&r.ID, &r.FromStoreID, &r.ToStoreID, &typ, &r.SpaceID, &r.ContentID,
		&r.Checksum, &r.Success, &r.Error, &r.Attempts, &r.ReportedAt)
	r.Type = duplication.Type(typ)
	r.ReportedAt = r.ReportedAt.UTC()
	return r, err
}

func (s *Store) Get(ctx context.Context, id string) (journal.Record, error) {
	if err := s.ensureReady(ctx); err != nil {
		return journal.Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", columns, s.table())
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Record{}, journal.ErrNotFound
	}
	if err != nil {
		return journal.Record{}, err
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, f journal.Filter) ([]journal.Record, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s", columns, s.table())
	if f.FailedOnly {
		query += " WHERE success = FALSE"
	}
	query += " ORDER BY seq"
	args := []any{}
	if f.Limit > 0 {
		query += " LIMIT $1"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]journal.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table())
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return journal.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL,
				id TEXT PRIMARY KEY,
				from_store_id TEXT NOT NULL,
				to_store_id TEXT NOT NULL,
				type TEXT NOT NULL,
				space_id TEXT NOT NULL,
				content_id TEXT NOT NULL DEFAULT '',
				checksum TEXT NOT NULL DEFAULT '',
				success BOOLEAN NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				attempts INTEGER NOT NULL DEFAULT 0,
				reported_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.table())
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

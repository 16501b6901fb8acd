package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQL is a durable KeyValueStore over a database/sql handle.
//
// Values live in a two-column table. The statements use SQLite syntax;
// programs open the handle with the pure-Go "sqlite" driver.
type SQL struct {
	db *sql.DB
}

// NewSQL returns an SQL store. Call Init once before use.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// Init creates the backing table if it does not exist.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get credentials[%s]: %w", key, err)
	}
	return value, true, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	return s.Update(ctx, Changes{}.Put(key, value))
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, Changes{}.Remove(key))
}

func (s *SQL) Update(ctx context.Context, changes Changes) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credentials update: %w", err)
	}
	defer tx.Rollback()

	for _, k := range changes.Keys() {
		v := changes[k]
		if v == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, k)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO credentials (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, *v)
		}
		if err != nil {
			return fmt.Errorf("write credentials[%s]: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credentials update: %w", err)
	}
	return nil
}

var _ KeyValueStore = (*SQL)(nil)

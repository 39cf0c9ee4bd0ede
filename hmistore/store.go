// Package hmistore persists HMI configurations in a local SQLite database.
// Each session maps onto one SQL transaction.
package hmistore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"alarmsync/hmi"
	"alarmsync/logging"

	_ "modernc.org/sqlite"
)

// Store is an hmi.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ hmi.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing store path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Single writer; sessions serialize on the one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logging.DebugLog("hmistore", "opened %s", p)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HMIs lists every HMI that has stored configuration.
func (s *Store) HMIs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT hmi FROM tags
UNION SELECT hmi FROM alarms
UNION SELECT hmi FROM tag_tables
UNION SELECT hmi FROM alarm_classes
ORDER BY 1
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Begin starts a transaction scoped to one HMI.
func (s *Store) Begin(ctx context.Context, hmiName string) (hmi.Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	name := strings.TrimSpace(hmiName)
	if name == "" {
		return nil, errors.New("missing hmi name")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Cancelling ctx must not roll back work the caller chooses to commit.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &session{tx: tx, hmi: name}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	// Schema versions:
	// - v1: tags, alarms, alarm_texts, alarm_classes, tag_tables
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tag_tables (
  hmi TEXT NOT NULL,
  name TEXT NOT NULL,
  PRIMARY KEY (hmi, name)
)`,
		`CREATE TABLE IF NOT EXISTS alarm_classes (
  hmi TEXT NOT NULL,
  name TEXT NOT NULL,
  PRIMARY KEY (hmi, name)
)`,
		`CREATE TABLE IF NOT EXISTS tags (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  hmi TEXT NOT NULL,
  name TEXT NOT NULL,
  plc_tag TEXT NOT NULL DEFAULT '',
  connection TEXT NOT NULL DEFAULT '',
  tag_table TEXT NOT NULL DEFAULT '',
  UNIQUE (hmi, name)
)`,
		`CREATE INDEX IF NOT EXISTS tags_plc_tag ON tags(hmi, plc_tag)`,
		`CREATE TABLE IF NOT EXISTS alarms (
  hmi TEXT NOT NULL,
  name TEXT NOT NULL,
  raised_state_tag TEXT NOT NULL DEFAULT '',
  class TEXT NOT NULL DEFAULT '',
  origin TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (hmi, name)
)`,
		`CREATE TABLE IF NOT EXISTS alarm_texts (
  hmi TEXT NOT NULL,
  alarm TEXT NOT NULL,
  lang TEXT NOT NULL,
  text TEXT NOT NULL,
  PRIMARY KEY (hmi, alarm, lang)
)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

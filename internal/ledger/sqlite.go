package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node embedded backend.
type SQLiteStore struct {
	db *sql.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS emission_ledgers (
		subject_id TEXT PRIMARY KEY,
		domain     TEXT NOT NULL,
		industry   TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS emission_records (
		subject_id     TEXT NOT NULL REFERENCES emission_ledgers(subject_id),
		day            TEXT NOT NULL,
		is_synthesized INTEGER NOT NULL,
		record         TEXT NOT NULL,
		PRIMARY KEY (subject_id, day)
	)`,
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
	}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, subjectID string) (*Ledger, error) {
	l := &Ledger{SubjectID: subjectID}
	var domain, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT domain, industry, updated_at FROM emission_ledgers WHERE subject_id = ?`,
		subjectID,
	).Scan(&domain, &l.Industry, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w", err)
	}
	l.Domain = api.Domain(domain)
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		l.UpdatedAt = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM emission_records WHERE subject_id = ? ORDER BY day`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec api.DailyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		l.Records = append(l.Records, rec)
	}
	return l, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, l *Ledger) error {
	if err := ValidateSubjectID(l.SubjectID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO emission_ledgers (subject_id, domain, industry, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject_id) DO UPDATE
		SET domain = excluded.domain, industry = excluded.industry, updated_at = excluded.updated_at`,
		l.SubjectID, string(l.Domain), l.Industry, l.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite upsert failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM emission_records WHERE subject_id = ?`, l.SubjectID); err != nil {
		return fmt.Errorf("sqlite delete failed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO emission_records (subject_id, day, is_synthesized, record) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range l.Records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.Date, err)
		}
		if _, err := stmt.ExecContext(ctx, l.SubjectID, rec.Date.String(), rec.IsSynthesized, string(raw)); err != nil {
			return fmt.Errorf("sqlite insert %s failed: %w", rec.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id FROM emission_ledgers ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

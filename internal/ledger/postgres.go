package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one row per ledger record. Save replaces a subject's
// rows inside one transaction.
//
// Schema:
//
//	CREATE TABLE emission_ledgers (
//	  subject_id VARCHAR(128) PRIMARY KEY,
//	  domain     VARCHAR(32) NOT NULL,
//	  industry   VARCHAR(64) NOT NULL DEFAULT '',
//	  updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE emission_records (
//	  subject_id     VARCHAR(128) NOT NULL REFERENCES emission_ledgers(subject_id),
//	  day            DATE NOT NULL,
//	  is_synthesized BOOLEAN NOT NULL,
//	  record         JSONB NOT NULL,
//	  PRIMARY KEY (subject_id, day)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS emission_ledgers (
	subject_id VARCHAR(128) PRIMARY KEY,
	domain     VARCHAR(32) NOT NULL,
	industry   VARCHAR(64) NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS emission_records (
	subject_id     VARCHAR(128) NOT NULL REFERENCES emission_ledgers(subject_id),
	day            DATE NOT NULL,
	is_synthesized BOOLEAN NOT NULL,
	record         JSONB NOT NULL,
	PRIMARY KEY (subject_id, day)
);`

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Load(ctx context.Context, subjectID string) (*Ledger, error) {
	l := &Ledger{SubjectID: subjectID}
	var domain string
	err := p.pool.QueryRow(ctx,
		`SELECT domain, industry, updated_at FROM emission_ledgers WHERE subject_id = $1`,
		subjectID,
	).Scan(&domain, &l.Industry, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	l.Domain = api.Domain(domain)

	rows, err := p.pool.Query(ctx,
		`SELECT record FROM emission_records WHERE subject_id = $1 ORDER BY day`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec api.DailyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		l.Records = append(l.Records, rec)
	}
	return l, rows.Err()
}

func (p *PostgresStore) Save(ctx context.Context, l *Ledger) error {
	if err := ValidateSubjectID(l.SubjectID); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO emission_ledgers (subject_id, domain, industry, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE
		SET domain = EXCLUDED.domain, industry = EXCLUDED.industry, updated_at = EXCLUDED.updated_at`,
		l.SubjectID, string(l.Domain), l.Industry, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM emission_records WHERE subject_id = $1`, l.SubjectID); err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}

	batch := &pgx.Batch{}
	for _, rec := range l.Records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.Date, err)
		}
		batch.Queue(
			`INSERT INTO emission_records (subject_id, day, is_synthesized, record) VALUES ($1, $2, $3, $4)`,
			l.SubjectID, rec.Date.Time, rec.IsSynthesized, raw,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres batch insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	return nil
}

func (p *PostgresStore) Subjects(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT subject_id FROM emission_ledgers ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

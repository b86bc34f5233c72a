package store

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the sqlite-backed store.
type SQLite struct {
	db     *sql.DB
	macKey []byte
}

// Open opens or creates the database at path and applies migrations. macKey
// authenticates the card state records.
func Open(ctx context.Context, path string, macKey []byte) (*SQLite, error) {
	if len(macKey) < 32 {
		return nil, ErrKeySize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}
	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db, macKey: append([]byte(nil), macKey...)}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadState returns the record for cardID. It returns ErrNotFound when the
// card was never provisioned and ErrIntegrity when the MAC does not match.
func (s *SQLite) LoadState(ctx context.Context, cardID string) (*StateRecord, error) {
	var (
		r         StateRecord
		retries   int64
		updatedNs int64
		mac       []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT card_id, retry_counter, authenticated, muted, reference_pin, tamper_count, updated_at, mac
		FROM card_state WHERE card_id = ?`, cardID,
	).Scan(&r.CardID, &retries, &r.Authenticated, &r.Muted, &r.ReferencePIN, &r.TamperCount, &updatedNs, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if retries < -128 || retries > 127 {
		return nil, fmt.Errorf("%w: retry counter %d out of range", ErrIntegrity, retries)
	}
	r.RetryCounter = int8(retries)
	r.UpdatedAt = time.Unix(0, updatedNs)

	if !hmac.Equal(mac, stateMAC(s.macKey, &r)) {
		return nil, fmt.Errorf("%w: card %s", ErrIntegrity, cardID)
	}
	return &r, nil
}

// SaveState inserts or replaces the record and its MAC.
func (s *SQLite) SaveState(ctx context.Context, rec *StateRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_state (card_id, retry_counter, authenticated, muted, reference_pin, tamper_count, updated_at, mac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			retry_counter = excluded.retry_counter,
			authenticated = excluded.authenticated,
			muted = excluded.muted,
			reference_pin = excluded.reference_pin,
			tamper_count = excluded.tamper_count,
			updated_at = excluded.updated_at,
			mac = excluded.mac`,
		rec.CardID, int64(rec.RetryCounter), rec.Authenticated, rec.Muted, rec.ReferencePIN,
		rec.TamperCount, rec.UpdatedAt.UnixNano(), stateMAC(s.macKey, rec),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// InsertCampaignResults stores the results of one campaign run.
func (s *SQLite) InsertCampaignResults(ctx context.Context, results []CampaignResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_results (run_id, preset, scenario, fault, outcome, truncated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, r.Preset, r.Scenario, r.Fault, r.Outcome, r.Truncated, created.UnixNano()); err != nil {
			return fmt.Errorf("insert campaign result: %w", err)
		}
	}
	return tx.Commit()
}

// CampaignResults returns the results of a run ordered by insertion.
func (s *SQLite) CampaignResults(ctx context.Context, runID string) ([]CampaignResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, preset, scenario, fault, outcome, truncated, created_at
		FROM campaign_results WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query campaign results: %w", err)
	}
	defer rows.Close()

	var out []CampaignResult
	for rows.Next() {
		var (
			r  CampaignResult
			ns int64
		)
		if err := rows.Scan(&r.RunID, &r.Preset, &r.Scenario, &r.Fault, &r.Outcome, &r.Truncated, &ns); err != nil {
			return nil, fmt.Errorf("scan campaign result: %w", err)
		}
		r.CreatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jdcadavid/inboxminer/internal/model"
)

// ErrRunNotPending is returned when finalizing a run whose log entry is
// missing or already finalized. Finalized entries are append-only.
var ErrRunNotPending = errors.New("run log entry is not pending")

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// InsertIfAbsent inserts the record unless its message_id is already
// stored. The UNIQUE constraint makes the losing duplicate insert a
// no-op, which is what keeps concurrent overlapping runs safe.
func (s *SQLiteStore) InsertIfAbsent(
	ctx context.Context,
	rec model.EmailRecord,
) (bool, error) {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return false, fmt.Errorf("marshaling headers for %s: %w", rec.MessageID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_emails (
			message_id, sender, subject, received_at,
			raw_body, body_plain, body_html, headers,
			processor_type, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		rec.MessageID, rec.Sender, rec.Subject, rec.ReceivedAt.UTC(),
		rec.RawBody, rec.BodyPlain, rec.BodyHTML, string(headers),
		rec.ProcessorType, rec.FetchedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting record %s: %w", rec.MessageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking insert result for %s: %w", rec.MessageID, err)
	}
	return n > 0, nil
}

// Exists reports whether a record with the given message_id is stored.
func (s *SQLiteStore) Exists(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM raw_emails WHERE message_id = ?", messageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking record %s: %w", messageID, err)
	}
	return count > 0, nil
}

// GetRecord retrieves a stored record by message_id.
func (s *SQLiteStore) GetRecord(
	ctx context.Context,
	messageID string,
) (*model.EmailRecord, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, message_id, sender, subject, received_at,
			raw_body, body_plain, body_html, headers,
			processor_type, fetched_at
		FROM raw_emails WHERE message_id = ?`, messageID,
	)

	var (
		rec     model.EmailRecord
		headers string
	)
	err := row.Scan(
		&rec.ID, &rec.MessageID, &rec.Sender, &rec.Subject, &rec.ReceivedAt,
		&rec.RawBody, &rec.BodyPlain, &rec.BodyHTML, &headers,
		&rec.ProcessorType, &rec.FetchedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", messageID, err)
	}

	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &rec.Headers); err != nil {
			return nil, fmt.Errorf("unmarshaling headers for %s: %w", messageID, err)
		}
	}

	return &rec, nil
}

// CreateRunLog inserts a pending processing-log entry for a new run.
func (s *SQLiteStore) CreateRunLog(
	ctx context.Context,
	entry model.ProcessingLogEntry,
) error {
	status := entry.Status
	if status == "" {
		status = model.RunPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_processing_logs (
			run_id, processor_type, filter_snapshot, started_at, status
		) VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, entry.ProcessorType, entry.FilterSnapshot,
		entry.StartedAt.UTC(), string(status),
	)
	if err != nil {
		return fmt.Errorf("creating run log %s: %w", entry.RunID, err)
	}
	return nil
}

// FinalizeRunLog records the run's outcome. It only touches the pending
// row, so an already-finalized entry can never be rewritten.
func (s *SQLiteStore) FinalizeRunLog(
	ctx context.Context,
	entry model.ProcessingLogEntry,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_processing_logs
		SET ended_at = ?, candidates_seen = ?, new_records_stored = ?,
			fetch_failures = ?, status = ?, error_detail = ?
		WHERE run_id = ? AND status = 'pending'`,
		entry.EndedAt.UTC(), entry.CandidatesSeen, entry.NewRecordsStored,
		entry.FetchFailures, string(entry.Status), entry.ErrorDetail,
		entry.RunID,
	)
	if err != nil {
		return fmt.Errorf("finalizing run log %s: %w", entry.RunID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking finalize result for %s: %w", entry.RunID, err)
	}
	if n == 0 {
		return fmt.Errorf("finalizing run log %s: %w", entry.RunID, ErrRunNotPending)
	}
	return nil
}

// GetRunLog retrieves a processing-log entry by run ID.
func (s *SQLiteStore) GetRunLog(
	ctx context.Context,
	runID string,
) (*model.ProcessingLogEntry, error) {
	rows, err := s.db.QueryxContext(ctx,
		logSelect+" WHERE run_id = ?", runID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting run log %s: %w", runID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting run log %s: %w", runID, err)
		}
		return nil, fmt.Errorf("getting run log %s: %w", runID, sql.ErrNoRows)
	}

	entry, err := scanRunLog(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecentRuns returns the most recent processing-log entries, newest first.
func (s *SQLiteStore) RecentRuns(
	ctx context.Context,
	limit int,
) ([]model.ProcessingLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryxContext(ctx,
		logSelect+" ORDER BY started_at DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent runs: %w", err)
	}
	defer rows.Close()

	var entries []model.ProcessingLogEntry
	for rows.Next() {
		entry, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Stats summarizes stored records for a processor type.
func (s *SQLiteStore) Stats(
	ctx context.Context,
	processorType string,
) (*model.ExtractionStats, error) {
	stats := &model.ExtractionStats{ProcessorType: processorType}

	countQuery := "SELECT COUNT(*) FROM raw_emails"
	latestQuery := "SELECT fetched_at FROM raw_emails"
	var args []interface{}
	if processorType != "" {
		countQuery += " WHERE processor_type = ?"
		latestQuery += " WHERE processor_type = ?"
		args = append(args, processorType)
	}
	latestQuery += " ORDER BY fetched_at DESC LIMIT 1"

	if err := s.db.GetContext(ctx, &stats.TotalRecords, countQuery, args...); err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	var latest time.Time
	err := s.db.GetContext(ctx, &latest, latestQuery, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("finding latest fetch: %w", err)
	default:
		stats.LastFetchedAt = &latest
	}

	runQuery := logSelect
	var runArgs []interface{}
	if processorType != "" {
		runQuery += " WHERE processor_type = ?"
		runArgs = append(runArgs, processorType)
	}
	runQuery += " ORDER BY started_at DESC LIMIT 1"

	rows, err := s.db.QueryxContext(ctx, runQuery, runArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying last run: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		entry, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		stats.LastRun = &entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

const logSelect = `
	SELECT run_id, processor_type, filter_snapshot, started_at, ended_at,
		candidates_seen, new_records_stored, fetch_failures, status, error_detail
	FROM email_processing_logs`

// scanRunLog scans a processing-log row from a sqlx.Rows result set.
func scanRunLog(rows *sqlx.Rows) (model.ProcessingLogEntry, error) {
	var (
		entry   model.ProcessingLogEntry
		status  string
		endedAt sql.NullTime
	)

	err := rows.Scan(
		&entry.RunID, &entry.ProcessorType, &entry.FilterSnapshot,
		&entry.StartedAt, &endedAt,
		&entry.CandidatesSeen, &entry.NewRecordsStored, &entry.FetchFailures,
		&status, &entry.ErrorDetail,
	)
	if err != nil {
		return model.ProcessingLogEntry{}, fmt.Errorf("scanning run log row: %w", err)
	}

	entry.Status = model.RunStatus(status)
	if endedAt.Valid {
		entry.EndedAt = endedAt.Time
	}

	return entry, nil
}

package store

import (
	"context"

	"github.com/jdcadavid/inboxminer/internal/model"
)

// Store is the durable home of raw email records and the append-only
// processing log. InsertIfAbsent is atomic with respect to concurrent
// extraction runs: the UNIQUE constraint on message_id decides the loser
// of a duplicate insert, so overlapping runs need no external locking.
type Store interface {
	// InsertIfAbsent stores the record unless a row with the same
	// message_id already exists. Reports whether a row was inserted.
	InsertIfAbsent(ctx context.Context, rec model.EmailRecord) (bool, error)

	// Exists reports whether a record with the given message_id is stored.
	Exists(ctx context.Context, messageID string) (bool, error)

	// GetRecord retrieves a stored record by message_id.
	GetRecord(ctx context.Context, messageID string) (*model.EmailRecord, error)

	// CreateRunLog inserts a pending processing-log entry for a new run.
	CreateRunLog(ctx context.Context, entry model.ProcessingLogEntry) error

	// FinalizeRunLog records the run's outcome. Only a pending entry can
	// be finalized; finalized entries are immutable.
	FinalizeRunLog(ctx context.Context, entry model.ProcessingLogEntry) error

	// GetRunLog retrieves a processing-log entry by run ID.
	GetRunLog(ctx context.Context, runID string) (*model.ProcessingLogEntry, error)

	// RecentRuns returns the most recent processing-log entries,
	// newest first.
	RecentRuns(ctx context.Context, limit int) ([]model.ProcessingLogEntry, error)

	// Stats summarizes stored records for a processor type. An empty
	// processorType summarizes everything.
	Stats(ctx context.Context, processorType string) (*model.ExtractionStats, error)

	Close() error
}

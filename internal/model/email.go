package model

import "time"

// RunStatus is the lifecycle state of an extraction run's processing-log entry.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailure        RunStatus = "failure"
)

// EmailRecord is one ingested message as stored in the raw_emails table.
// MessageID is the provider-assigned identifier and the sole dedup key;
// RawBody holds the message verbatim and is never rewritten once stored.
type EmailRecord struct {
	ID         int64
	MessageID  string
	Sender     string
	Subject    string
	ReceivedAt time.Time

	// RawBody is the original RFC 822 message as fetched from the server.
	RawBody []byte

	// BodyPlain and BodyHTML are the decoded inline text parts, extracted
	// for downstream consumers that don't want to re-parse MIME.
	BodyPlain string
	BodyHTML  string

	// Headers maps header names to their values. A header may repeat.
	Headers map[string][]string

	// ProcessorType tags which filter profile produced this record
	// (e.g. "bancolombia"). Informational only, not part of identity.
	ProcessorType string

	FetchedAt time.Time
}

// ProcessingLogEntry is the audit record for a single extraction run.
// It is created in pending state when the run starts and finalized
// exactly once when the run ends; finalized entries are never mutated.
type ProcessingLogEntry struct {
	RunID            string
	ProcessorType    string
	FilterSnapshot   string
	StartedAt        time.Time
	EndedAt          time.Time
	CandidatesSeen   int
	NewRecordsStored int
	FetchFailures    int
	Status           RunStatus
	ErrorDetail      string
}

// ExtractionStats summarizes what has been ingested for a processor type.
type ExtractionStats struct {
	ProcessorType string
	TotalRecords  int
	LastFetchedAt *time.Time
	LastRun       *ProcessingLogEntry
}

package extractor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gologme/log"
	"github.com/google/uuid"

	"github.com/jdcadavid/inboxminer/internal/mailbox"
	"github.com/jdcadavid/inboxminer/internal/model"
	"github.com/jdcadavid/inboxminer/internal/store"
)

// Request describes one extraction run: which messages to pull and which
// processor profile the stored records should be tagged with.
type Request struct {
	Filter        mailbox.Filter
	ProcessorType string
}

// Extractor pulls candidate messages from the mailbox, deduplicates them
// against the store by message_id, and commits only new records. Every
// run, regardless of outcome, leaves exactly one finalized
// processing-log entry behind.
type Extractor struct {
	connector mailbox.Connector
	store     store.Store
	logger    *log.Logger
}

// New creates an Extractor.
func New(connector mailbox.Connector, st store.Store, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Extractor{connector: connector, store: st, logger: logger}
}

// Extract runs one extraction and returns the number of newly stored
// records. Re-running with identical filters against an unchanged mailbox
// stores nothing the second time: records already present by message_id
// are skipped, never updated or duplicated.
func (e *Extractor) Extract(ctx context.Context, req Request) (int, error) {
	// Malformed filters fail here, before any network or store I/O.
	if err := req.Filter.Validate(); err != nil {
		return 0, err
	}

	entry := model.ProcessingLogEntry{
		RunID:          uuid.New().String(),
		ProcessorType:  req.ProcessorType,
		FilterSnapshot: req.Filter.Snapshot(),
		StartedAt:      time.Now().UTC(),
		Status:         model.RunPending,
	}
	if err := e.store.CreateRunLog(ctx, entry); err != nil {
		return 0, fmt.Errorf("creating run log: %w", err)
	}

	e.logger.Infof("run %s: extracting for %q with filter %s\n",
		entry.RunID, req.ProcessorType, entry.FilterSnapshot)

	stored, runErr := e.run(ctx, req, &entry)

	entry.EndedAt = time.Now().UTC()
	entry.NewRecordsStored = stored
	switch {
	case runErr != nil:
		entry.Status = model.RunFailure
		entry.ErrorDetail = runErr.Error()
	case entry.FetchFailures > 0:
		entry.Status = model.RunPartialFailure
		entry.ErrorDetail = fmt.Sprintf("%d of %d candidates failed",
			entry.FetchFailures, entry.CandidatesSeen)
	default:
		entry.Status = model.RunSuccess
	}

	// The log entry must be finalized even when the run was canceled.
	finalizeCtx := context.WithoutCancel(ctx)
	if err := e.store.FinalizeRunLog(finalizeCtx, entry); err != nil {
		e.logger.Errorf("run %s: finalizing log entry: %v\n", entry.RunID, err)
		if runErr == nil {
			runErr = fmt.Errorf("finalizing run log: %w", err)
		}
	}

	e.logger.Infof("run %s: %s, %d candidates, %d new records, %d failures\n",
		entry.RunID, entry.Status, entry.CandidatesSeen, stored, entry.FetchFailures)

	return stored, runErr
}

// run connects, searches, and processes each candidate in server order.
// It mutates entry's counters as it goes; the caller finalizes the entry.
func (e *Extractor) run(
	ctx context.Context,
	req Request,
	entry *model.ProcessingLogEntry,
) (int, error) {
	session, err := e.connector.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	handles, err := session.Search(ctx, req.Filter)
	if err != nil {
		return 0, err
	}
	entry.CandidatesSeen = len(handles)
	if len(handles) == 0 {
		e.logger.Infoln("no messages matched the filter")
		return 0, nil
	}

	stored := 0
	for _, h := range handles {
		// Cancellation takes effect between candidates; records already
		// inserted stay committed.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stored, fmt.Errorf("run canceled: %w", ctxErr)
		}

		rec, err := session.Fetch(ctx, h)
		if err != nil {
			if mailbox.IsMessageGone(err) {
				e.logger.Warnf("message %d gone between search and fetch, skipping\n", h.UID)
			} else {
				e.logger.Warnf("fetching message %d: %v\n", h.UID, err)
			}
			entry.FetchFailures++
			continue
		}

		rec.ProcessorType = req.ProcessorType
		inserted, err := e.store.InsertIfAbsent(ctx, *rec)
		if err != nil {
			e.logger.Errorf("storing message %s: %v\n", rec.MessageID, err)
			entry.FetchFailures++
			continue
		}

		if inserted {
			stored++
			e.logger.Debugf("stored %s\n", rec.MessageID)
		} else {
			e.logger.Debugf("already stored %s, skipping\n", rec.MessageID)
		}
	}

	return stored, nil
}

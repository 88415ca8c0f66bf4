package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/jdcadavid/inboxminer/internal/mailbox"
	"github.com/jdcadavid/inboxminer/internal/model"
	"github.com/jdcadavid/inboxminer/tests/testutil"
)

// fakeMessage is one message living in the fake mailbox.
type fakeMessage struct {
	uid        uint32
	messageID  string
	sender     string
	subject    string
	receivedAt time.Time
}

// fakeConnector serves sessions over a fixed message set and records how
// often it was asked to connect.
type fakeConnector struct {
	messages    []fakeMessage
	connectErr  error
	fetchErrs   map[uint32]error
	onFetch     func(uid uint32)
	connectCnt  int
	searchCnt   int
	fetchedUIDs []uint32
}

func (c *fakeConnector) Connect(ctx context.Context) (mailbox.Session, error) {
	c.connectCnt++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return &fakeSession{conn: c}, nil
}

type fakeSession struct {
	conn *fakeConnector
}

// Search mimics server-side conjunctive filtering: substring matches on
// sender and subject, and the criteria's Since/Before window on the
// received date.
func (s *fakeSession) Search(ctx context.Context, filter mailbox.Filter) ([]mailbox.Handle, error) {
	criteria, err := filter.Criteria()
	if err != nil {
		return nil, err
	}
	s.conn.searchCnt++

	var handles []mailbox.Handle
	for _, m := range s.conn.messages {
		if filter.Sender != "" &&
			!strings.Contains(strings.ToLower(m.sender), strings.ToLower(filter.Sender)) {
			continue
		}
		if filter.Subject != "" &&
			!strings.Contains(strings.ToLower(m.subject), strings.ToLower(filter.Subject)) {
			continue
		}
		if !criteria.Since.IsZero() && m.receivedAt.Before(criteria.Since) {
			continue
		}
		if !criteria.Before.IsZero() && !m.receivedAt.Before(criteria.Before) {
			continue
		}
		handles = append(handles, mailbox.Handle{UID: imap.UID(m.uid)})
	}
	return handles, nil
}

func (s *fakeSession) Fetch(ctx context.Context, h mailbox.Handle) (*model.EmailRecord, error) {
	uid := uint32(h.UID)
	if s.conn.onFetch != nil {
		s.conn.onFetch(uid)
	}
	if err, ok := s.conn.fetchErrs[uid]; ok {
		return nil, err
	}

	for _, m := range s.conn.messages {
		if m.uid != uid {
			continue
		}
		s.conn.fetchedUIDs = append(s.conn.fetchedUIDs, uid)
		return &model.EmailRecord{
			MessageID:  m.messageID,
			Sender:     m.sender,
			Subject:    m.subject,
			ReceivedAt: m.receivedAt,
			RawBody:    []byte("raw " + m.messageID),
			FetchedAt:  time.Now().UTC(),
		}, nil
	}
	return nil, &mailbox.FetchError{
		Reason: mailbox.FetchMessageGone,
		Handle: h,
		Err:    errors.New("not in mailbox"),
	}
}

func (s *fakeSession) Close() error { return nil }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func bancolombiaMailbox() []fakeMessage {
	return []fakeMessage{
		{1, "<mov-1@bancolombia>", "alertas@bancolombia.com.co", "Movimiento de cuenta", day(2024, time.January, 10)},
		{2, "<mov-2@bancolombia>", "alertas@bancolombia.com.co", "Movimiento de tarjeta", day(2024, time.January, 20)},
		{3, "<mov-3@bancolombia>", "alertas@bancolombia.com.co", "Movimiento de cuenta", day(2024, time.February, 5)},
	}
}

func TestExtractIdempotence(t *testing.T) {
	st := testutil.NewTestStore(t)
	conn := &fakeConnector{messages: bancolombiaMailbox()}
	ext := New(conn, st, nil)
	ctx := context.Background()

	req := Request{
		Filter:        mailbox.Filter{Sender: "@bancolombia.com.co"},
		ProcessorType: "bancolombia",
	}

	count, err := ext.Extract(ctx, req)
	if err != nil {
		t.Fatalf("first Extract() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("first Extract() = %d; want 3", count)
	}

	// Identical filters against an unchanged mailbox: nothing new.
	count, err = ext.Extract(ctx, req)
	if err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("second Extract() = %d; want 0", count)
	}

	runs, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d run logs; want 2", len(runs))
	}
	for _, run := range runs {
		if run.Status != model.RunSuccess {
			t.Errorf("run %s status = %q; want success", run.RunID, run.Status)
		}
	}
	if runs[0].CandidatesSeen != 3 || runs[0].NewRecordsStored != 0 {
		t.Errorf("second run counts = %d seen, %d stored; want 3, 0",
			runs[0].CandidatesSeen, runs[0].NewRecordsStored)
	}
}

func TestExtractInvalidRangeBeforeAnyNetworkCall(t *testing.T) {
	st := testutil.NewTestStore(t)
	conn := &fakeConnector{messages: bancolombiaMailbox()}
	ext := New(conn, st, nil)
	ctx := context.Background()

	_, err := ext.Extract(ctx, Request{
		Filter: mailbox.Filter{
			Date: mailbox.DateBetween(day(2024, time.February, 1), day(2024, time.January, 1)),
		},
		ProcessorType: "bancolombia",
	})
	if !errors.Is(err, mailbox.ErrInvalidRange) {
		t.Fatalf("Extract() error = %v; want ErrInvalidRange", err)
	}

	if conn.connectCnt != 0 {
		t.Errorf("connector was dialed %d times; want 0", conn.connectCnt)
	}
	runs, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("validation failure left %d run logs; want 0", len(runs))
	}
}

func TestExtractPartialFailure(t *testing.T) {
	st := testutil.NewTestStore(t)
	messages := make([]fakeMessage, 0, 5)
	for i := 1; i <= 5; i++ {
		messages = append(messages, fakeMessage{
			uid:        uint32(i),
			messageID:  fmt.Sprintf("<m%d@mail>", i),
			sender:     "alertas@bancolombia.com.co",
			subject:    "Movimiento",
			receivedAt: day(2024, time.January, i),
		})
	}
	conn := &fakeConnector{
		messages: messages,
		fetchErrs: map[uint32]error{
			3: &mailbox.FetchError{
				Reason: mailbox.FetchNetwork,
				Handle: mailbox.Handle{UID: imap.UID(3)},
				Err:    errors.New("connection reset"),
			},
		},
	}
	ext := New(conn, st, nil)
	ctx := context.Background()

	count, err := ext.Extract(ctx, Request{
		Filter:        mailbox.Filter{Subject: "Movimiento"},
		ProcessorType: "bancolombia",
	})
	if err != nil {
		t.Fatalf("Extract() error = %v; transient fetch failures must not abort", err)
	}
	if count != 4 {
		t.Fatalf("Extract() = %d; want 4", count)
	}

	runs, err := st.RecentRuns(ctx, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns() = %v, %v", runs, err)
	}
	run := runs[0]
	if run.Status != model.RunPartialFailure {
		t.Errorf("status = %q; want partial_failure", run.Status)
	}
	if run.CandidatesSeen != 5 || run.NewRecordsStored != 4 || run.FetchFailures != 1 {
		t.Errorf("counts = %d seen, %d stored, %d failed; want 5, 4, 1",
			run.CandidatesSeen, run.NewRecordsStored, run.FetchFailures)
	}

	// The failed candidate's neighbors all made it in.
	for _, id := range []string{"<m1@mail>", "<m2@mail>", "<m4@mail>", "<m5@mail>"} {
		exists, err := st.Exists(ctx, id)
		if err != nil || !exists {
			t.Errorf("Exists(%s) = %v, %v; want true", id, exists, err)
		}
	}
	if exists, _ := st.Exists(ctx, "<m3@mail>"); exists {
		t.Error("failed candidate was stored")
	}
}

func TestExtractAuthRejected(t *testing.T) {
	st := testutil.NewTestStore(t)
	conn := &fakeConnector{
		connectErr: &mailbox.ConnectionError{
			Reason: mailbox.ConnAuthRejected,
			Err:    errors.New("AUTHENTICATE failed"),
		},
	}
	ext := New(conn, st, nil)
	ctx := context.Background()

	count, err := ext.Extract(ctx, Request{ProcessorType: "bancolombia"})
	if !mailbox.IsAuthRejected(err) {
		t.Fatalf("Extract() error = %v; want auth rejection", err)
	}
	if count != 0 {
		t.Errorf("Extract() = %d; want 0", count)
	}

	runs, err := st.RecentRuns(ctx, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns() = %v, %v", runs, err)
	}
	if runs[0].Status != model.RunFailure {
		t.Errorf("status = %q; want failure", runs[0].Status)
	}
	if runs[0].ErrorDetail == "" {
		t.Error("error detail missing from failed run log")
	}
}

func TestExtractCancellationBetweenCandidates(t *testing.T) {
	st := testutil.NewTestStore(t)
	conn := &fakeConnector{messages: bancolombiaMailbox()}
	ext := New(conn, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel during the second candidate's fetch; the first candidate is
	// already committed and must stay committed.
	fetched := 0
	conn.onFetch = func(uint32) {
		fetched++
		if fetched == 2 {
			cancel()
		}
	}

	count, err := ext.Extract(ctx, Request{ProcessorType: "bancolombia"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v; want context.Canceled", err)
	}
	if count != 1 {
		t.Errorf("Extract() = %d; want 1 committed before cancellation", count)
	}

	runs, rerr := st.RecentRuns(context.Background(), 1)
	if rerr != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns() = %v, %v", runs, rerr)
	}
	if runs[0].Status != model.RunFailure {
		t.Errorf("status = %q; want failure", runs[0].Status)
	}
	if !strings.Contains(runs[0].ErrorDetail, "canceled") {
		t.Errorf("error detail %q lacks cancellation marker", runs[0].ErrorDetail)
	}
	if exists, _ := st.Exists(context.Background(), "<mov-1@bancolombia>"); !exists {
		t.Error("record inserted before cancellation was lost")
	}
}

func TestExtractBancolombiaJanuaryRange(t *testing.T) {
	st := testutil.NewTestStore(t)
	conn := &fakeConnector{messages: bancolombiaMailbox()}
	ext := New(conn, st, nil)
	ctx := context.Background()

	count, err := ext.Extract(ctx, Request{
		Filter: mailbox.Filter{
			Sender:  "@bancolombia.com.co",
			Subject: "Movimiento",
			Date:    mailbox.DateBetween(day(2024, time.January, 1), day(2024, time.January, 31)),
		},
		ProcessorType: "bancolombia",
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Extract() = %d; want the two January messages", count)
	}

	for _, id := range []string{"<mov-1@bancolombia>", "<mov-2@bancolombia>"} {
		rec, err := st.GetRecord(ctx, id)
		if err != nil {
			t.Fatalf("GetRecord(%s) error = %v", id, err)
		}
		if rec.ProcessorType != "bancolombia" {
			t.Errorf("%s processor_type = %q; want bancolombia", id, rec.ProcessorType)
		}
	}
	if exists, _ := st.Exists(ctx, "<mov-3@bancolombia>"); exists {
		t.Error("February message stored despite January range")
	}
}

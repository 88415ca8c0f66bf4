package mailbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/emersion/go-imap/v2"
)

// ErrInvalidRange is returned when a date range ends before it starts.
// Validation happens before any network call.
var ErrInvalidRange = errors.New("date range start is after end")

type dateOp int

const (
	dateOpOn dateOp = iota + 1
	dateOpAfter
	dateOpBetween
)

func (op dateOp) String() string {
	switch op {
	case dateOpOn:
		return "on"
	case dateOpAfter:
		return "after"
	case dateOpBetween:
		return "between"
	default:
		return "unknown"
	}
}

// DateFilter is a closed variant over the three supported date criteria.
// Values are built only through DateOn, DateAfter, and DateBetween, so a
// filter can never hold a malformed combination.
type DateFilter struct {
	op    dateOp
	date  time.Time
	start time.Time
	end   time.Time
}

// DateOn matches messages received anywhere inside the full 24h window of
// day d. Mail servers index search dates by day granularity.
func DateOn(d time.Time) *DateFilter {
	return &DateFilter{op: dateOpOn, date: d}
}

// DateAfter matches messages received strictly after the end of day d.
func DateAfter(d time.Time) *DateFilter {
	return &DateFilter{op: dateOpAfter, date: d}
}

// DateBetween matches messages received between start and end, both
// endpoints' full-day windows included.
func DateBetween(start, end time.Time) *DateFilter {
	return &DateFilter{op: dateOpBetween, start: start, end: end}
}

// Validate checks the filter's internal consistency.
func (f *DateFilter) Validate() error {
	if f == nil {
		return nil
	}
	if f.op == dateOpBetween && startOfDay(f.start).After(startOfDay(f.end)) {
		return ErrInvalidRange
	}
	return nil
}

// MarshalJSON serializes the filter for processing-log snapshots.
func (f *DateFilter) MarshalJSON() ([]byte, error) {
	out := struct {
		Op    string `json:"op"`
		Date  string `json:"date,omitempty"`
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	}{Op: f.op.String()}

	const day = "2006-01-02"
	switch f.op {
	case dateOpOn, dateOpAfter:
		out.Date = f.date.Format(day)
	case dateOpBetween:
		out.Start = f.start.Format(day)
		out.End = f.end.Format(day)
	}
	return json.Marshal(out)
}

// Filter describes which messages to extract.
// Every criterion is optional; an empty filter matches the whole mailbox.
type Filter struct {
	// Sender and Subject are case-insensitive substring matches, following
	// the server's native FROM/SUBJECT search semantics.
	Sender  string
	Subject string
	Date    *DateFilter
}

// Validate rejects malformed filters before any connection is opened.
func (f Filter) Validate() error {
	return f.Date.Validate()
}

// Criteria translates the filter into the server's native search query.
// Absent criteria are simply omitted; IMAP combines the present ones
// conjunctively.
func (f Filter) Criteria() (*imap.SearchCriteria, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{}
	if f.Sender != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "From", Value: f.Sender,
		})
	}
	if f.Subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "Subject", Value: f.Subject,
		})
	}

	if f.Date != nil {
		switch f.Date.op {
		case dateOpOn:
			// SINCE is inclusive and BEFORE exclusive, so this is the
			// day's full window.
			d := startOfDay(f.Date.date)
			criteria.Since = d
			criteria.Before = d.AddDate(0, 0, 1)
		case dateOpAfter:
			// Strictly after the end of day d.
			criteria.Since = startOfDay(f.Date.date).AddDate(0, 0, 1)
		case dateOpBetween:
			criteria.Since = startOfDay(f.Date.start)
			criteria.Before = startOfDay(f.Date.end).AddDate(0, 0, 1)
		}
	}

	return criteria, nil
}

// Snapshot serializes the filter for the run's processing-log entry.
func (f Filter) Snapshot() string {
	out := struct {
		Sender  string      `json:"sender,omitempty"`
		Subject string      `json:"subject,omitempty"`
		Date    *DateFilter `json:"date,omitempty"`
	}{f.Sender, f.Subject, f.Date}

	buf, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

package mailbox

import (
	"errors"
	"fmt"
)

// ConnReason classifies session-establishment failures.
type ConnReason int

const (
	// ConnAuthRejected means the server refused the credentials. This is
	// fatal for the run: the token or password is likely stale, and a
	// silent retry would just repeat the rejection.
	ConnAuthRejected ConnReason = iota

	// ConnNetwork is a transient transport failure; the caller may retry.
	ConnNetwork
)

// ConnectionError is returned when a session cannot be established or an
// established session fails at the protocol level.
type ConnectionError struct {
	Reason ConnReason
	Err    error
}

func (e *ConnectionError) Error() string {
	switch e.Reason {
	case ConnAuthRejected:
		return fmt.Sprintf("mailbox: authentication rejected: %v", e.Err)
	default:
		return fmt.Sprintf("mailbox: network failure: %v", e.Err)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuthRejected reports whether err is a credential rejection.
func IsAuthRejected(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Reason == ConnAuthRejected
}

// FetchReason classifies per-message fetch failures.
type FetchReason int

const (
	// FetchMessageGone means the message was deleted or moved between
	// search and fetch. Skip it; the run continues.
	FetchMessageGone FetchReason = iota

	// FetchNetwork is a transient per-message failure.
	FetchNetwork
)

// FetchError is returned when a single message cannot be fetched. It is
// local to that message and does not abort the run.
type FetchError struct {
	Reason FetchReason
	Handle Handle
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Reason {
	case FetchMessageGone:
		return fmt.Sprintf("mailbox: message %d gone: %v", e.Handle.UID, e.Err)
	default:
		return fmt.Sprintf("mailbox: fetching message %d: %v", e.Handle.UID, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsMessageGone reports whether err means the message disappeared between
// search and fetch.
func IsMessageGone(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Reason == FetchMessageGone
}

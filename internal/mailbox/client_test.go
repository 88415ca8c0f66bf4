package mailbox

import (
	"errors"
	"testing"
)

func TestMissingFetchClassification(t *testing.T) {
	h := Handle{UID: 7}

	// A cleanly completed fetch with no data: the message is gone.
	err := missingFetchError(h, nil)
	if !IsMessageGone(err) {
		t.Errorf("clean empty fetch error = %v; want message-gone", err)
	}

	// The same empty result with a failed close is a dropped connection,
	// not a vanished message.
	dropped := errors.New("connection reset by peer")
	err = missingFetchError(h, dropped)
	if IsMessageGone(err) {
		t.Errorf("aborted fetch error = %v; classified as message-gone", err)
	}
	if err.Reason != FetchNetwork {
		t.Errorf("aborted fetch reason = %v; want network", err.Reason)
	}
	if !errors.Is(err, dropped) {
		t.Error("aborted fetch error does not wrap the close error")
	}
}

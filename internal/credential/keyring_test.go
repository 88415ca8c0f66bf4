package credential

import (
	"testing"

	"github.com/99designs/keyring"
)

// useFileBackend isolates the test from the host's keyring.
func useFileBackend(t *testing.T) {
	t.Helper()

	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = keyring.Config{
		ServiceName:      serviceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          t.TempDir(),
		FilePasswordFunc: keyring.FixedStringPrompt("test-file-key"),
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	useFileBackend(t)

	const key = "imap:me@example.com"
	if err := Set(key, "hunter2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Get() = %q; want hunter2", got)
	}

	// Storing again rotates the value in place.
	if err := Set(key, "rotated"); err != nil {
		t.Fatalf("Set() rotate error = %v", err)
	}
	got, err = Get(key)
	if err != nil {
		t.Fatalf("Get() after rotate error = %v", err)
	}
	if got != "rotated" {
		t.Errorf("Get() after rotate = %q; want rotated", got)
	}

	if err := Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := Get(key); err == nil {
		t.Error("Get() after Delete succeeded; want error")
	}
}

func TestGetUnknownKey(t *testing.T) {
	useFileBackend(t)

	if _, err := Get("imap:nobody@example.com"); err == nil {
		t.Error("Get() of unknown key succeeded; want error")
	}
}

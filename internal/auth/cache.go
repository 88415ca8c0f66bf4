package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// tokenCache persists the OAuth2 token state to a JSON file between runs.
// The file is treated as opaque by every other component; only the
// Provider reads or writes it.
type tokenCache struct {
	path string
}

func (c *tokenCache) load() (*oauth2.Token, error) {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(buf, tok); err != nil {
		return nil, fmt.Errorf("decoding token cache %s: %w", c.path, err)
	}
	return tok, nil
}

// save writes the token atomically: the new state lands in a temp file
// first and replaces the cache with a rename, so a crash mid-write never
// leaves a corrupt cache behind. The file is restricted to the owner.
func (c *tokenCache) save(tok *oauth2.Token) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token cache directory %s: %w", dir, err)
	}

	buf, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("creating temp token cache: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("restricting token cache permissions: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing token cache: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing token cache %s: %w", c.path, err)
	}
	return nil
}

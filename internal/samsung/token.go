package samsung

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// TokenStore persists pairing tokens keyed by device address.
type TokenStore interface {
	// Load returns "" with a nil error when no token is stored.
	Load(address string) (string, error)
	Save(address, token string) error
	Delete(address string) error
}

// tokenFile is the on-disk layout of a saved token.
type tokenFile struct {
	Token         string    `json:"token"`
	DeviceAddress string    `json:"deviceAddress"`
	SavedAt       time.Time `json:"savedAt"`
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// FileTokenStore keeps one JSON file per device address in a directory.
type FileTokenStore struct {
	dir string
}

// NewFileTokenStore creates a token store rooted at dir.
func NewFileTokenStore(dir string) *FileTokenStore {
	return &FileTokenStore{dir: dir}
}

// Path returns the token file path for an address.
func (s *FileTokenStore) Path(address string) string {
	safe := unsafeFileChars.ReplaceAllString(address, "_")
	return filepath.Join(s.dir, fmt.Sprintf("samsung_tv_token_%s.json", safe))
}

// Load implements TokenStore.
func (s *FileTokenStore) Load(address string) (string, error) {
	data, err := os.ReadFile(s.Path(address))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("failed to parse token file: %w", err)
	}
	return f.Token, nil
}

// Save implements TokenStore.
func (s *FileTokenStore) Save(address, token string) error {
	data, err := json.Marshal(tokenFile{
		Token:         token,
		DeviceAddress: address,
		SavedAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(s.Path(address), data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Delete implements TokenStore. Deleting a missing token is not an error.
func (s *FileTokenStore) Delete(address string) error {
	err := os.Remove(s.Path(address))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}

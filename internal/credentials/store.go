// Package credentials manages the OAuth credential lifecycle: an in-memory
// canonical key with newest-wins merging, a background refresher, and a
// file watcher that folds in externally rewritten credentials.
package credentials

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultRefreshBuffer is how long before expiry a key counts as stale.
const DefaultRefreshBuffer = 5 * time.Minute

// OAuthKey is the credential record. ExpiresAt is milliseconds since epoch;
// zero means the key is externally managed and never refreshed.
type OAuthKey struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// IsStatic reports whether the key is exempt from refresh.
func (k OAuthKey) IsStatic() bool {
	return k.ExpiresAt == 0 || k.RefreshToken == ""
}

// Store holds the canonical in-memory key. All operations are safe for
// concurrent use; Get returns a copy so callers cannot mutate stored state.
type Store struct {
	mu         sync.RWMutex
	key        *OAuthKey
	refreshing bool

	path   string // credential file, may be empty (no persistence)
	buffer time.Duration
	now    func() time.Time
}

// NewStore creates a store persisting to path (empty disables persistence).
// The refresh buffer defaults to 5 minutes and may be overridden by the
// KEY_REFRESH_BUFFER_MS environment variable.
func NewStore(path string) *Store {
	buffer := DefaultRefreshBuffer
	if v := os.Getenv("KEY_REFRESH_BUFFER_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			buffer = time.Duration(ms) * time.Millisecond
		}
	}
	return &Store{path: path, buffer: buffer, now: time.Now}
}

// SetBuffer overrides the refresh buffer. Zero restores the default.
func (s *Store) SetBuffer(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultRefreshBuffer
	}
	s.buffer = d
}

// Path returns the credential file path, empty when persistence is off.
func (s *Store) Path() string { return s.path }

// Get returns a snapshot of the current key.
func (s *Store) Get() (OAuthKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return OAuthKey{}, false
	}
	return *s.key, true
}

// SetIfNewer installs key iff it wins the newest-wins merge:
//   - no incumbent: accept
//   - static incumbent (ExpiresAt == 0): never displaced
//   - otherwise accept a static candidate or a strictly later ExpiresAt
func (s *Store) SetIfNewer(key OAuthKey) bool {
	if key.AccessToken == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		if s.key.ExpiresAt == 0 {
			return false
		}
		if key.ExpiresAt != 0 && key.ExpiresAt <= s.key.ExpiresAt {
			return false
		}
	}
	k := key
	s.key = &k
	return true
}

// NeedsRefresh reports whether key expires within the refresh buffer.
// Static keys never need refresh.
func (s *Store) NeedsRefresh(key OAuthKey) bool {
	if key.IsStatic() {
		return false
	}
	s.mu.RLock()
	buffer := s.buffer
	s.mu.RUnlock()
	return key.ExpiresAt <= s.now().UnixMilli()+buffer.Milliseconds()
}

// Clear drops the in-memory key.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
	log.Printf("[KeyManager] Credential cleared")
}

// beginRefresh atomically claims the single refresh slot.
func (s *Store) beginRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshing {
		return false
	}
	s.refreshing = true
	return true
}

// endRefresh releases the refresh slot.
func (s *Store) endRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshing = false
}

// Save persists key to the credential file with temp-file-and-rename and
// 0600 permissions. A store without a path saves nowhere.
func (s *Store) Save(key OAuthKey) error {
	if s.path == "" {
		return nil
	}
	return WriteKeyFile(s.path, key)
}

// WriteKeyFile atomically writes a credential file.
func WriteKeyFile(path string, key OAuthKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	// Rename preserves the temp file's mode, but be explicit on POSIX.
	os.Chmod(path, 0600)
	return nil
}

// ReadKeyFile parses a credential file.
func ReadKeyFile(path string) (OAuthKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OAuthKey{}, err
	}
	var key OAuthKey
	if err := json.Unmarshal(data, &key); err != nil {
		return OAuthKey{}, fmt.Errorf("failed to parse credential file %s: %w", path, err)
	}
	if key.AccessToken == "" {
		return OAuthKey{}, fmt.Errorf("credential file %s has no accessToken", path)
	}
	return key, nil
}

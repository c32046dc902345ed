// internal/sessionstore/store.go
package sessionstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
)

const recordSuffix = ".state"

// Store persists per-site authentication state, encrypted at rest with a
// fixed time-to-live. Corrupt or undecryptable records are treated as cache
// misses and removed, never surfaced as errors: authentication simply falls
// back to a fresh login. This also covers key rotation, which orphans old
// records.
type Store struct {
	dir    string
	ttl    time.Duration
	aead   cipher.AEAD
	logger *zap.Logger

	// mu guards the expiry index. File writes to distinct keys are
	// independent (one file per key) and need no coordination.
	mu     sync.Mutex
	expiry map[string]time.Time // record filename -> expiry
}

// New creates a store rooted at dir. key must be 32 bytes (AES-256).
func New(dir string, key []byte, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD: %w", err)
	}

	return &Store{
		dir:    dir,
		ttl:    ttl,
		aead:   aead,
		logger: logger.Named("sessionstore"),
		expiry: make(map[string]time.Time),
	}, nil
}

// Initialize creates the persistence root if absent and loads the expiry
// index, purging records that are already past their TTL. File modification
// time doubles as creation time.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan session dir: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		expires := info.ModTime().Add(s.ttl)
		if expires.Before(now) {
			s.removeFile(entry.Name())
			continue
		}
		s.expiry[entry.Name()] = expires
	}

	s.logger.Info("Session store initialized.",
		zap.String("dir", s.dir),
		zap.Int("records", len(s.expiry)),
		zap.Duration("ttl", s.ttl))
	return nil
}

// Save serializes and encrypts the state for siteID, overwriting any previous
// record. A fresh random nonce is generated per write and prepended to the
// ciphertext, so identical plaintexts never produce identical blobs.
func (s *Store) Save(siteID string, state *schemas.StorageState) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	blob := s.aead.Seal(nonce, nonce, plaintext, nil)

	name := recordFilename(siteID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}

	s.mu.Lock()
	s.expiry[name] = time.Now().Add(s.ttl)
	s.mu.Unlock()

	s.logger.Debug("Session state saved.", zap.String("site", siteID), zap.Int("bytes", len(blob)))
	return nil
}

// Load returns the decrypted state for siteID, or (nil, nil) when the record
// is absent, expired, or unreadable. Expired and corrupt records are deleted
// as a side effect.
func (s *Store) Load(siteID string) (*schemas.StorageState, error) {
	name := recordFilename(siteID)
	path := filepath.Join(s.dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, nil // absent
	}
	if info.ModTime().Add(s.ttl).Before(time.Now()) {
		s.logger.Debug("Session record expired.", zap.String("site", siteID))
		s.remove(name)
		return nil, nil
	}

	blob, err := os.ReadFile(path)
	if err != nil || len(blob) <= s.aead.NonceSize() {
		s.logger.Warn("Session record unreadable, purging.", zap.String("site", siteID))
		s.remove(name)
		return nil, nil
	}

	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Corrupt record or rotated key. Either way: cache miss.
		s.logger.Warn("Session record failed to decrypt, purging.", zap.String("site", siteID))
		s.remove(name)
		return nil, nil
	}

	var state schemas.StorageState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		s.logger.Warn("Session record failed to deserialize, purging.", zap.String("site", siteID))
		s.remove(name)
		return nil, nil
	}
	return &state, nil
}

// Invalidate deletes the record for siteID immediately.
func (s *Store) Invalidate(siteID string) {
	s.remove(recordFilename(siteID))
}

// Sweep removes all expired records. Safe to run concurrently with
// operations on unrelated keys. Returns the number of records removed.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	var stale []string
	for name, expires := range s.expiry {
		if expires.Before(now) {
			stale = append(stale, name)
		}
	}
	s.mu.Unlock()

	for _, name := range stale {
		s.remove(name)
	}
	if len(stale) > 0 {
		s.logger.Info("Swept expired session records.", zap.Int("removed", len(stale)))
	}
	return len(stale)
}

func (s *Store) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFile(name)
}

// removeFile requires s.mu held.
func (s *Store) removeFile(name string) {
	delete(s.expiry, name)
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove session record.", zap.String("record", name), zap.Error(err))
	}
}

// recordFilename maps an arbitrary site identifier (often a URL) onto a
// stable, filesystem-safe name.
func recordFilename(siteID string) string {
	sum := sha256.Sum256([]byte(siteID))
	return hex.EncodeToString(sum[:]) + recordSuffix
}

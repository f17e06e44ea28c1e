// Package disk persists small documents (registry version listings) under the
// extractor cache root so later runs can skip slow registry round trips.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const indexFile = "index.json"

type Config struct {
	Root       string
	MaxEntries int
	TTL        time.Duration
	// Now is the clock used for expiry; defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	File       string    `json:"file"`
	ExpiresAt  time.Time `json:"expires_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

type index struct {
	Entries map[string]entry `json:"entries"`
}

// Store is an LRU store with per-entry TTL. Values live in one file each
// under Root/data; the index is rewritten atomically after every change.
type Store struct {
	mu sync.Mutex

	dataDir    string
	indexPath  string
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	entries map[string]entry
}

func NewStore(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("disk: root is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		dataDir:    filepath.Join(root, "data"),
		indexPath:  filepath.Join(root, indexFile),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		entries:    map[string]entry{},
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create %s: %w", s.dataDir, err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	return s, s.persistLocked()
}

// Get returns the stored bytes for key. Expired or orphaned entries are
// dropped and reported as misses.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("disk: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := s.now()
	if now.After(ent.ExpiresAt) {
		s.removeLocked(key)
		return nil, false, s.persistLocked()
	}
	raw, err := os.ReadFile(filepath.Join(s.dataDir, ent.File))
	if err != nil {
		if os.IsNotExist(err) {
			s.removeLocked(key)
			return nil, false, s.persistLocked()
		}
		return nil, false, err
	}
	ent.AccessedAt = now
	s.entries[key] = ent
	return raw, true, s.persistLocked()
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("disk: key is required")
	}
	file := hashedName(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.dataDir, file), value, 0o644); err != nil {
		return fmt.Errorf("disk: write %s: %w", key, err)
	}
	now := s.now()
	s.entries[key] = entry{File: file, ExpiresAt: now.Add(s.ttl), AccessedAt: now}
	s.evictLocked()
	return s.persistLocked()
}

// GetJSON decodes the value for key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("disk: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[strings.TrimSpace(key)]; !ok {
		return nil
	}
	s.removeLocked(strings.TrimSpace(key))
	return s.persistLocked()
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		s.removeLocked(key)
	}
	return s.persistLocked()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		// A torn index only costs a registry round trip; start over.
		return nil
	}
	if idx.Entries != nil {
		s.entries = idx.Entries
	}
	return nil
}

func (s *Store) evictLocked() {
	now := s.now()
	for key, ent := range s.entries {
		if now.After(ent.ExpiresAt) {
			s.removeLocked(key)
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dataDir, ent.File)); os.IsNotExist(err) {
			s.removeLocked(key)
		}
	}
	if len(s.entries) <= s.maxEntries {
		return
	}
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ai, aj := s.entries[keys[i]].AccessedAt, s.entries[keys[j]].AccessedAt
		if ai.Equal(aj) {
			return keys[i] < keys[j]
		}
		return ai.Before(aj)
	})
	for _, key := range keys[:len(keys)-s.maxEntries] {
		s.removeLocked(key)
	}
}

func (s *Store) removeLocked(key string) {
	ent, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	_ = os.Remove(filepath.Join(s.dataDir, ent.File))
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(index{Entries: s.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

func hashedName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".json"
}

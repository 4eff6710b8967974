// Package store provides a persistent HTTP cookie jar.
// Cookies are held in memory, keyed by domain, path and name, and written to
// a single JSON file on demand.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	portiererrors "github.com/mpwsh/portier-client/errors"
)

// Cookie is the stored form of an HTTP cookie.
type Cookie struct {
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	Value  string `json:"value"`

	// Expires is nil for cookies that live until they are removed.
	Expires *time.Time `json:"expires,omitempty"`

	Secure   bool `json:"secure,omitempty"`
	HttpOnly bool `json:"http_only,omitempty"`

	// HostOnly cookies are only sent to the exact host that set them.
	HostOnly bool `json:"host_only,omitempty"`

	// Created orders cookies with equal path length.
	Created time.Time `json:"created"`
}

// Expired reports whether the cookie has expired at now.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

type key struct {
	domain, path, name string
}

// Store is a cookie jar bound to one file on disk.
// It implements http.CookieJar and is safe for concurrent use; the lock is
// held for a single lookup, update or serialization, never across I/O.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[key]Cookie
	saved   [blake2b.Size256]byte // fingerprint of the last loaded or saved snapshot
}

// Open loads the cookie store at path.
// A missing file is created empty. An empty file is an empty jar.
// Returns errors.ErrStoreCorrupt if the file content cannot be decoded.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    path,
		logger:  logger,
		entries: make(map[key]Cookie),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := createEmpty(path); err != nil {
			return nil, fmt.Errorf("create cookie store: %w", err)
		}
		logger.Debug("created cookie store", slog.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("read cookie store: %w", err)
	default:
		logger.Debug("opening cookie store", slog.String("path", path))
		if err := s.load(data); err != nil {
			return nil, err
		}
	}

	snapshot, err := s.encodeLocked()
	if err != nil {
		return nil, fmt.Errorf("encode cookie store: %w", err)
	}
	s.saved = blake2b.Sum256(snapshot)

	return s, nil
}

// load decodes file content into the jar. Expired and nameless entries are dropped.
func (s *Store) load(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("%w: %s: %w", portiererrors.ErrStoreCorrupt, s.path, err)
	}

	now := time.Now()
	for _, c := range cookies {
		if c.Name == "" || c.Domain == "" {
			s.logger.Warn("skipping invalid stored cookie",
				slog.String("path", s.path),
				slog.String("domain", c.Domain),
				slog.String("name", c.Name))
			continue
		}
		if c.Expired(now) {
			continue
		}
		c.Domain = strings.ToLower(c.Domain)
		if c.Path == "" {
			c.Path = "/"
		}
		s.entries[key{c.Domain, c.Path, c.Name}] = c
	}

	s.logger.Debug("loaded cookies",
		slog.String("path", s.path),
		slog.Int("count", len(s.entries)))
	return nil
}

// Path returns the file the store is bound to.
func (s *Store) Path() string {
	return s.path
}

// Jar returns the store as an http.CookieJar for use in an http.Client.
func (s *Store) Jar() http.CookieJar {
	return s
}

// Save writes the whole jar to the store file, replacing its content.
// Returns errors.ErrStoreWrite on failure; the in-memory jar is unaffected.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := s.encodeLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: encode: %w", portiererrors.ErrStoreWrite, err)
	}

	if err := writeFile(s.path, data); err != nil {
		return fmt.Errorf("%w: %w", portiererrors.ErrStoreWrite, err)
	}

	s.mu.Lock()
	s.saved = blake2b.Sum256(data)
	s.mu.Unlock()

	s.logger.Debug("saved cookie store",
		slog.String("path", s.path),
		slog.Int("bytes", len(data)))
	return nil
}

// Modified reports whether the jar differs from the last loaded or saved file content.
func (s *Store) Modified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.encodeLocked()
	if err != nil {
		return true
	}
	return blake2b.Sum256(data) != s.saved
}

// Lookup returns the value of the cookie stored under domain, path and name.
// Expired cookies are not found.
func (s *Store) Lookup(domain, path, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[key{strings.ToLower(domain), path, name}]
	if !ok || c.Expired(time.Now()) {
		return "", false
	}
	return c.Value, true
}

// Remove deletes the cookie stored under domain, path and name.
// Returns false if there was no such cookie.
func (s *Store) Remove(domain, path, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{strings.ToLower(domain), path, name}
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// All returns a snapshot of the unexpired cookies, sorted by domain, path and name.
func (s *Store) All() []Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(time.Now())
}

// Len returns the number of unexpired cookies.
func (s *Store) Len() int {
	return len(s.All())
}

func (s *Store) sortedLocked(now time.Time) []Cookie {
	cookies := make([]Cookie, 0, len(s.entries))
	for _, c := range s.entries {
		if c.Expired(now) {
			continue
		}
		cookies = append(cookies, c)
	}
	sort.Slice(cookies, func(i, j int) bool {
		a, b := cookies[i], cookies[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Name < b.Name
	})
	return cookies
}

// encodeLocked serializes the jar deterministically. s.mu must be held.
func (s *Store) encodeLocked() ([]byte, error) {
	data, err := json.MarshalIndent(s.sortedLocked(time.Now()), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// createEmpty creates an empty store file, including parent directories.
func createEmpty(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// writeFile replaces path with data through a synced temporary file.
func writeFile(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write store file: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync store file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close store file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

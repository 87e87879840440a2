package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

const (
	configFile   = "config.yaml"
	headersFile  = "headers.json"
	profileFile  = "profile.json"
	cookiesFile  = "cookies.json"
	scheduleFile = "schedule.json"
	storageFile  = "auth.json"
)

// ErrInvalidUserID rejects IDs that cannot name a directory
var ErrInvalidUserID = errors.New("invalid user id")

// volatile headers are never stored or replayed
var volatileHeaders = []string{"content-length", "cookie"}

// Store persists per-user state under root/<userID>/. Writes for one user
// are serialized.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at root
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// Dir returns a user's directory
func (s *Store) Dir(userID string) string {
	return filepath.Join(s.root, userID)
}

// StorageStatePath returns where the browser storage state of a user lives
func (s *Store) StorageStatePath(userID string) string {
	return filepath.Join(s.Dir(userID), storageFile)
}

// ValidUserID reports whether id can be used as a directory name
func ValidUserID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// ReadConfig loads config.yaml. A missing file is reported as os.ErrNotExist.
func (s *Store) ReadConfig(userID string) (models.Config, error) {
	var cfg models.Config
	data, err := os.ReadFile(filepath.Join(s.Dir(userID), configFile))
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", configFile, err)
	}
	return cfg, nil
}

// ReadHeaders loads headers.json without its volatile entries
func (s *Store) ReadHeaders(userID string) (map[string]string, error) {
	raw := make(map[string]string)
	if err := s.readJSON(userID, headersFile, &raw); err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		headers[strings.ToLower(k)] = v
	}
	for _, h := range volatileHeaders {
		delete(headers, h)
	}
	return headers, nil
}

// ReadProfile loads profile.json; a missing file yields an empty profile
func (s *Store) ReadProfile(userID string) (models.Profile, error) {
	var p models.Profile
	if err := s.readJSON(userID, profileFile, &p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return p, err
	}
	return p, nil
}

// ReadCookies loads cookies.json; a missing file yields no cookies
func (s *Store) ReadCookies(userID string) ([]models.Cookie, error) {
	var c []models.Cookie
	if err := s.readJSON(userID, cookiesFile, &c); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return c, nil
}

// ReadSchedule loads the last saved scheduled bookings
func (s *Store) ReadSchedule(userID string) ([]models.Booking, error) {
	var b []models.Booking
	if err := s.readJSON(userID, scheduleFile, &b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteConfig stores config.yaml
func (s *Store) WriteConfig(userID string, cfg models.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", configFile, err)
	}
	return s.write(userID, configFile, data)
}

// WriteHeaders stores headers.json without its volatile entries
func (s *Store) WriteHeaders(userID string, headers map[string]string) error {
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		clean[strings.ToLower(k)] = v
	}
	for _, h := range volatileHeaders {
		delete(clean, h)
	}
	return s.writeJSON(userID, headersFile, clean)
}

// WriteProfile stores profile.json
func (s *Store) WriteProfile(userID string, p models.Profile) error {
	return s.writeJSON(userID, profileFile, p)
}

// WriteCookies stores cookies.json
func (s *Store) WriteCookies(userID string, cookies []models.Cookie) error {
	return s.writeJSON(userID, cookiesFile, cookies)
}

// WriteSchedule stores the derived schedule.json
func (s *Store) WriteSchedule(userID string, bookings []models.Booking) error {
	if bookings == nil {
		bookings = []models.Booking{}
	}
	return s.writeJSON(userID, scheduleFile, bookings)
}

func (s *Store) readJSON(userID, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.Dir(userID), name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Store) writeJSON(userID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.write(userID, name, data)
}

func (s *Store) write(userID, name string, data []byte) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	lock := s.lock(userID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.Dir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, name), data)
}

func (s *Store) lock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

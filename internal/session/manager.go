package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/slotcamper/internal/browser"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

var (
	// ErrNotFound means the user has no session on disk
	ErrNotFound = errors.New("session not found")

	// ErrAuthMissing means the user has a config but never logged in
	ErrAuthMissing = errors.New("authentication files missing, log in first")

	// ErrBusy means another operation holds the user's guard
	ErrBusy = errors.New("another operation is running for this user")
)

// Options configures a Manager
type Options struct {
	Root     string
	Launcher browser.Launcher
	// Client is the template for every user's portal client
	Client   portal.Options
	Location *time.Location
	Logger   *zap.Logger
	Now      func() time.Time
}

// Handle pairs a user's session with its portal client. The guard admits one
// operation at a time; manual commands and camper firings both take it.
type Handle struct {
	Session *models.Session
	Client  *portal.Client

	guard *semaphore.Weighted
}

// NewHandle pairs a session with its client under a fresh guard
func NewHandle(s *models.Session, c *portal.Client) *Handle {
	return &Handle{Session: s, Client: c, guard: semaphore.NewWeighted(1)}
}

// Acquire blocks until the user's guard is free or ctx is done
func (h *Handle) Acquire(ctx context.Context) error {
	return h.guard.Acquire(ctx, 1)
}

// TryAcquire takes the guard only if it is free
func (h *Handle) TryAcquire() bool {
	return h.guard.TryAcquire(1)
}

// Release frees the guard
func (h *Handle) Release() {
	h.guard.Release(1)
}

// Manager loads sessions from disk and hands out one Handle per user
type Manager struct {
	store  *Store
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates a session manager
func NewManager(opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   NewStore(opts.Root),
		opts:    opts,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// Store returns the underlying file store
func (m *Manager) Store() *Store {
	return m.store
}

// Load reads a user's session from disk. Wanted months before the current
// month are dropped.
func (m *Manager) Load(userID string) (*models.Session, error) {
	if !ValidUserID(userID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}

	cfg, err := m.store.ReadConfig(userID)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", userID, err)
	}

	current := int(models.MonthOf(m.opts.Now().In(m.opts.Location)))
	cfg.Months = slices.DeleteFunc(cfg.Months, func(month int) bool { return month < current })

	headers, profile, cookies, err := m.readAuth(userID)
	if err != nil {
		return nil, err
	}

	s := models.NewSession(userID)
	s.Config = cfg
	s.SetAuth(headers, cookies, &profile)

	if bookings, err := m.store.ReadSchedule(userID); err == nil {
		s.ReplaceScheduledBookings(bookings)
	}
	return s, nil
}

func (m *Manager) readAuth(userID string) (map[string]string, models.Profile, []models.Cookie, error) {
	headers, err := m.store.ReadHeaders(userID)
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.Profile{}, nil, fmt.Errorf("%w: %w", ErrNotFound, ErrAuthMissing)
	}
	if err != nil {
		return nil, models.Profile{}, nil, fmt.Errorf("load headers for %s: %w", userID, err)
	}
	profile, err := m.store.ReadProfile(userID)
	if err != nil {
		return nil, models.Profile{}, nil, fmt.Errorf("load profile for %s: %w", userID, err)
	}
	cookies, err := m.store.ReadCookies(userID)
	if err != nil {
		return nil, models.Profile{}, nil, fmt.Errorf("load cookies for %s: %w", userID, err)
	}
	return headers, profile, cookies, nil
}

// Handle returns the user's cached handle, loading the session and creating
// its client on first use
func (m *Manager) Handle(userID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[userID]; ok {
		return h, nil
	}

	s, err := m.Load(userID)
	if err != nil {
		return nil, err
	}

	opts := m.opts.Client
	opts.StorageStatePath = m.store.StorageStatePath(userID)
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	client, err := portal.New(s, m.opts.Launcher, opts)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", userID, err)
	}

	h := NewHandle(s, client)
	m.handles[userID] = h
	m.logger.Info("session loaded",
		zap.String("user_id", userID),
		zap.Ints("months", s.Config.Months),
		zap.String("course_type", s.Profile.CourseType),
	)
	return h, nil
}

// Lookup returns the cached handle without loading
func (m *Manager) Lookup(userID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[userID]
	return h, ok
}

// RefreshAuth re-reads the user's auth files into the session and offers them
// to the client. A stopped client takes them only when force is set. It
// reports whether the client accepted the new headers.
func (m *Manager) RefreshAuth(userID string, force bool) (bool, error) {
	h, err := m.Handle(userID)
	if err != nil {
		return false, err
	}

	headers, profile, cookies, err := m.readAuth(userID)
	if err != nil {
		return false, err
	}
	h.Session.SetAuth(headers, cookies, &profile)
	if !h.Client.UpdateAuth(headers, force) {
		m.logger.Info("auth refresh not applied, client stopped", zap.String("user_id", userID))
		return false, nil
	}
	m.logger.Info("auth refreshed", zap.String("user_id", userID), zap.Bool("force", force))
	return true, nil
}

// Save writes the session's config and auth files
func (m *Manager) Save(s *models.Session) error {
	if err := m.store.WriteConfig(s.UserID, s.CurrentConfig()); err != nil {
		return fmt.Errorf("save config for %s: %w", s.UserID, err)
	}
	if err := m.store.WriteHeaders(s.UserID, s.Headers()); err != nil {
		return fmt.Errorf("save headers for %s: %w", s.UserID, err)
	}
	if err := m.store.WriteCookies(s.UserID, s.StoredCookies()); err != nil {
		return fmt.Errorf("save cookies for %s: %w", s.UserID, err)
	}
	return m.SaveProfile(s)
}

// SaveProfile writes the profile, which carries the last seen account balance
func (m *Manager) SaveProfile(s *models.Session) error {
	if err := m.store.WriteProfile(s.UserID, s.CurrentProfile()); err != nil {
		return fmt.Errorf("save profile for %s: %w", s.UserID, err)
	}
	return nil
}

// SaveSchedule records the scheduled bookings on the session and on disk
func (m *Manager) SaveSchedule(s *models.Session, bookings []models.Booking) error {
	s.ReplaceScheduledBookings(bookings)
	if err := m.store.WriteSchedule(s.UserID, bookings); err != nil {
		return fmt.Errorf("save schedule for %s: %w", s.UserID, err)
	}
	return nil
}

// Close closes the user's client and forgets the handle and its request pacing
func (m *Manager) Close(userID string) error {
	m.mu.Lock()
	h, ok := m.handles[userID]
	delete(m.handles, userID)
	m.mu.Unlock()

	if l := m.opts.Client.Limiter; l != nil {
		l.Forget(userID)
	}
	if !ok {
		return nil
	}
	m.logger.Info("session closed", zap.String("user_id", userID))
	return h.Client.Close(false)
}

// Shutdown closes every client
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	var errs []error
	for userID, h := range handles {
		if err := h.Client.Close(false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

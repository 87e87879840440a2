package models

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// ErrInvalidConfig rejects a config the portal could not act on
var ErrInvalidConfig = errors.New("invalid config")

// AutobookPolicy controls which newly released slots a camper books on its own
type AutobookPolicy struct {
	Advance         bool     `yaml:"advance" json:"advance"`
	TrySell         bool     `yaml:"trysell" json:"trysell"`
	TrySellSessions []string `yaml:"trysell_sessions" json:"trysellSessions"`
	SafeMode        bool     `yaml:"safe_mode" json:"safeMode"`
	AutoCaptcha     bool     `yaml:"auto_captcha" json:"autoCaptcha"`
}

// AllowsTrySellSession reports whether a session code is on the try-sell allow-list
func (p AutobookPolicy) AllowsTrySellSession(session string) bool {
	return slices.Contains(p.TrySellSessions, session)
}

// Config is the user-editable part of a session, persisted as config.yaml
type Config struct {
	Months   []int          `yaml:"month" json:"month"`
	Autobook AutobookPolicy `yaml:"autobook" json:"autobook"`
}

// WantsMonth reports whether a month is in the wanted set
func (c Config) WantsMonth(m MonthCode) bool {
	return slices.Contains(c.Months, int(m))
}

// Validate checks the wanted months and the try-sell session codes
func (c Config) Validate() error {
	for _, m := range c.Months {
		if _, err := ParseMonthCode(strconv.Itoa(m)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	for _, code := range c.Autobook.TrySellSessions {
		n, err := strconv.Atoi(code)
		if err != nil || n < 1 || n > 8 {
			return fmt.Errorf("%w: session %q is not between 1 and 8", ErrInvalidConfig, code)
		}
	}
	return nil
}

// Profile is the account profile captured from the portal
type Profile struct {
	CourseType string  `json:"courseType"`
	AccountBal float64 `json:"accountBal"`
}

// Cookie is a stored browser cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Session is the durable per-user state
type Session struct {
	UserID      string            `json:"userId"`
	AuthHeaders map[string]string `json:"-"`
	Cookies     []Cookie          `json:"-"`
	Profile     Profile           `json:"profile"`
	Config      Config            `json:"config"`

	mu                sync.RWMutex
	releasedSlots     SlotSet
	scheduledBookings map[string]Booking
}

// NewSession creates an empty session for a user
func NewSession(userID string) *Session {
	return &Session{
		UserID:            userID,
		AuthHeaders:       make(map[string]string),
		releasedSlots:     make(SlotSet),
		scheduledBookings: make(map[string]Booking),
	}
}

// HasAuth reports whether the session carries an authorization header
func (s *Session) HasAuth() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AuthHeaders["authorization"] != ""
}

// Headers returns a copy of the auth headers
func (s *Session) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.AuthHeaders))
	for k, v := range s.AuthHeaders {
		out[k] = v
	}
	return out
}

// SetAuth replaces the auth material
func (s *Session) SetAuth(headers map[string]string, cookies []Cookie, profile *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.AuthHeaders = headers
	s.Cookies = cookies
	if profile != nil {
		s.Profile = *profile
	}
}

// CurrentConfig returns a copy of the config
func (s *Session) CurrentConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.Config
	cfg.Months = slices.Clone(cfg.Months)
	cfg.Autobook.TrySellSessions = slices.Clone(cfg.Autobook.TrySellSessions)
	return cfg
}

// SetConfig replaces the config. Callers hold the user's guard so a running
// check never sees it change.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	s.Config = cfg
	s.mu.Unlock()
}

// CurrentProfile returns a copy of the profile
func (s *Session) CurrentProfile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Profile
}

// StoredCookies returns a copy of the cookies
func (s *Session) StoredCookies() []Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.Cookies)
}

// SetAccountBal records the latest account balance seen on the portal
func (s *Session) SetAccountBal(bal float64) {
	s.mu.Lock()
	s.Profile.AccountBal = bal
	s.mu.Unlock()
}

// ReleasedSlots returns a copy of the last completed discovery pass
func (s *Session) ReleasedSlots() SlotSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releasedSlots.Clone()
}

// KnowsSlot reports whether a slot key was seen in the last completed pass
func (s *Session) KnowsSlot(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.releasedSlots[key]
	return ok
}

// ReplaceReleasedSlots swaps in the result of a discovery pass wholesale
func (s *Session) ReplaceReleasedSlots(slots SlotSet) {
	s.mu.Lock()
	s.releasedSlots = slots.Clone()
	s.mu.Unlock()
}

// ScheduledBookings returns a copy of the scheduled bookings keyed by Booking.Key
func (s *Session) ScheduledBookings() map[string]Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Booking, len(s.scheduledBookings))
	for k, v := range s.scheduledBookings {
		out[k] = v
	}
	return out
}

// ReplaceScheduledBookings swaps in a fresh scheduled-bookings view
func (s *Session) ReplaceScheduledBookings(bookings []Booking) {
	m := make(map[string]Booking, len(bookings))
	for _, b := range bookings {
		m[b.Key()] = b
	}
	s.mu.Lock()
	s.scheduledBookings = m
	s.mu.Unlock()
}

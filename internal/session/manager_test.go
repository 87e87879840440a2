package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/internal/portal/portaltest"
	"github.com/shehryarbajwa/slotcamper/internal/ratelimit"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

func newManager(t *testing.T, p *portaltest.Portal) *Manager {
	t.Helper()
	if p == nil {
		p = portaltest.New(202504, 202504)
	}
	return NewManager(Options{
		Root:     t.TempDir(),
		Launcher: p.Launcher(),
		Client:   portal.Options{BaseURL: portaltest.BaseURL},
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2025, 4, 15, 9, 0, 0, 0, time.UTC) },
	})
}

func seed(t *testing.T, m *Manager, userID string) *models.Session {
	t.Helper()
	s := models.NewSession(userID)
	s.Config = models.Config{
		Months: []int{202504, 202505},
		Autobook: models.AutobookPolicy{
			Advance:         true,
			TrySellSessions: []string{"1", "3"},
			SafeMode:        true,
		},
	}
	s.SetAuth(map[string]string{"authorization": "Bearer abc", "jsessionid": "j1"},
		[]models.Cookie{{Name: "JSESSIONID", Value: "j1", Domain: "booking.example", Path: "/"}},
		&models.Profile{CourseType: "3C", AccountBal: 99.5})
	require.NoError(t, m.Save(s))
	return s
}

func TestSaveReloadRoundTrip(t *testing.T) {
	m := newManager(t, nil)
	saved := seed(t, m, "u1")

	loaded, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, saved.Config, loaded.Config)
	assert.Equal(t, saved.Profile, loaded.Profile)
	assert.Equal(t, saved.Headers(), loaded.Headers())
	assert.Equal(t, saved.StoredCookies(), loaded.StoredCookies())
}

func TestSaveProfileKeepsBalance(t *testing.T) {
	m := newManager(t, nil)
	s := seed(t, m, "u1")

	s.SetAccountBal(12.25)
	require.NoError(t, m.SaveProfile(s))

	loaded, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, 12.25, loaded.Profile.AccountBal)
	assert.Equal(t, "3C", loaded.Profile.CourseType)
}

func TestLoadMissingUser(t *testing.T) {
	m := newManager(t, nil)

	_, err := m.Load("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrAuthMissing)

	_, err = m.Load("../etc")
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestLoadWithoutAuth(t *testing.T) {
	m := newManager(t, nil)
	require.NoError(t, m.Store().WriteConfig("u1", models.Config{Months: []int{202504}}))

	_, err := m.Load("u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrAuthMissing)
}

func TestLoadPrunesPastMonthsAndVolatileHeaders(t *testing.T) {
	m := newManager(t, nil)
	dir := m.Store().Dir("u1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(
		"month:\n  - 202502\n  - 202504\n  - 202506\nautobook:\n  trysell: true\n  trysell_sessions: [\"2\"]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, headersFile), []byte(
		`{"Authorization": "Bearer abc", "content-length": "12", "cookie": "a=b"}`), 0o600))

	s, err := m.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, []int{202504, 202506}, s.Config.Months)
	assert.True(t, s.Config.Autobook.TrySell)
	assert.Equal(t, []string{"2"}, s.Config.Autobook.TrySellSessions)
	assert.Equal(t, map[string]string{"authorization": "Bearer abc"}, s.Headers())
}

func TestHandleIsCachedAndGuarded(t *testing.T) {
	m := newManager(t, nil)
	seed(t, m, "u1")

	h, err := m.Handle("u1")
	require.NoError(t, err)
	again, err := m.Handle("u1")
	require.NoError(t, err)
	assert.Same(t, h, again)

	require.True(t, h.TryAcquire())
	assert.False(t, again.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Acquire(ctx), context.DeadlineExceeded)

	h.Release()
	assert.True(t, h.TryAcquire())
	h.Release()
}

func TestRefreshAuthReadsFilesButRespectsStop(t *testing.T) {
	p := portaltest.New(202504, 202504)
	m := newManager(t, p)
	seed(t, m, "u1")

	h, err := m.Handle("u1")
	require.NoError(t, err)
	require.NoError(t, h.Client.Open(context.Background(), true))
	require.NoError(t, h.Client.Close(true))

	require.NoError(t, m.Store().WriteHeaders("u1", map[string]string{"authorization": "Bearer fresh"}))

	applied, err := m.RefreshAuth("u1", false)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "Bearer fresh", h.Session.Headers()["authorization"])
	assert.True(t, h.Client.Stopped())

	applied, err = m.RefreshAuth("u1", true)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "Bearer fresh", h.Session.Headers()["authorization"])
	assert.Equal(t, portal.StateClosed, h.Client.State())
}

func TestSaveSchedule(t *testing.T) {
	m := newManager(t, nil)
	s := seed(t, m, "u1")

	bookings := []models.Booking{{BookingID: "b1", RefDate: "2025-04-29 00:00:00.0", StartTime: "07:30"}}
	require.NoError(t, m.SaveSchedule(s, bookings))
	assert.Contains(t, s.ScheduledBookings(), "2025-04-29, Tue 07:30")

	reloaded, err := m.Load("u1")
	require.NoError(t, err)
	assert.Len(t, reloaded.ScheduledBookings(), 1)
}

func TestCloseForgetsHandle(t *testing.T) {
	m := newManager(t, nil)
	seed(t, m, "u1")

	h, err := m.Handle("u1")
	require.NoError(t, err)
	require.NoError(t, m.Close("u1"))

	_, ok := m.Lookup("u1")
	assert.False(t, ok)

	fresh, err := m.Handle("u1")
	require.NoError(t, err)
	assert.NotSame(t, h, fresh)
	require.NoError(t, m.Shutdown())
}

func TestCloseResetsPacing(t *testing.T) {
	p := portaltest.New(202504, 202504)
	limiter := ratelimit.NewLimiter(3600, 1)
	m := NewManager(Options{
		Root:     t.TempDir(),
		Launcher: p.Launcher(),
		Client:   portal.Options{BaseURL: portaltest.BaseURL, Limiter: limiter},
		Location: time.UTC,
	})
	seed(t, m, "u1")
	_, err := m.Handle("u1")
	require.NoError(t, err)

	require.True(t, limiter.Allow("u1"))
	assert.Less(t, limiter.Tokens("u1"), 1.0)

	require.NoError(t, m.Close("u1"))
	assert.InDelta(t, 1.0, limiter.Tokens("u1"), 0.01)
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, writeFileAtomic(path, []byte("1")))
	require.NoError(t, writeFileAtomic(path, []byte("2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

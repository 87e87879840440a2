package camper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/slotcamper/internal/booking"
	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/notify"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/internal/portal/portaltest"
	"github.com/shehryarbajwa/slotcamper/internal/session"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

var testNow = time.Date(2025, 4, 15, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(userID string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.UserID = userID
	r.events = append(r.events, ev)
}

func (r *recorder) of(typ notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newHandle(t *testing.T, p *portaltest.Portal, policy models.AutobookPolicy) *session.Handle {
	t.Helper()
	s := models.NewSession("u1")
	s.Config = models.Config{Months: []int{202504}, Autobook: policy}
	s.SetAuth(map[string]string{"authorization": "Bearer abc"}, nil, &models.Profile{CourseType: "3C"})

	c, err := portal.New(s, p.Launcher(), portal.Options{BaseURL: portaltest.BaseURL})
	require.NoError(t, err)
	return session.NewHandle(s, c)
}

func newChecker(pub notify.Publisher, solver captcha.Solver) *Checker {
	return NewChecker(pub, CheckerOptions{
		Headless: true,
		Location: time.UTC,
		Solver:   solver,
		Now:      func() time.Time { return testNow },
	})
}

func TestCheckAnnouncesNewSlotsOnce(t *testing.T) {
	p := portaltest.New(202504, 202504)
	slot := p.AddSlot(1000001, "2025-04-29", "3", "11:30", "13:10", 80)
	h := newHandle(t, p, models.AutobookPolicy{})
	rec := &recorder{}
	c := newChecker(rec, nil)

	report, err := c.Check(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []string{slot.Key}, report.New.Keys())
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, []models.MonthCode{202504}, report.Months)
	assert.Empty(t, report.Bookings)
	assert.Equal(t, portal.StateOpen, h.Client.State())

	report, err = c.Check(context.Background(), h)
	require.NoError(t, err)
	assert.Empty(t, report.New)
	assert.Equal(t, 1, report.Released)

	found := rec.of(notify.EventSlotFound)
	require.Len(t, found, 1)
	assert.Equal(t, "u1", found[0].UserID)
	assert.Contains(t, found[0].Text, "Slot available!")
}

func TestCheckAutobooksEligibleSlots(t *testing.T) {
	p := portaltest.New(202504, 202504)
	advance := p.AddSlot(1000001, "2025-04-29", "3", "11:30", "13:10", 80)
	trysell := p.AddSlot(1000002, "2025-04-16", "1", "07:30", "09:10", 80)
	p.AddSlot(1000003, "2025-04-16", "2", "08:50", "10:30", 80)

	h := newHandle(t, p, models.AutobookPolicy{
		Advance:         true,
		TrySell:         true,
		TrySellSessions: []string{"1"},
	})
	rec := &recorder{}
	solver := captcha.SolverFunc(func(ctx context.Context, image []byte) (string, error) {
		return "ABCDE", nil
	})

	report, err := newChecker(rec, solver).Check(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, report.Bookings, 1)

	out := report.Bookings[0]
	assert.Equal(t, booking.Completed, out.State)
	assert.Equal(t, 2, out.Booked())
	assert.Equal(t, []string{"ABCDE"}, p.Answers())
	assert.Len(t, rec.of(notify.EventBookingResult), 1)
	assert.Len(t, rec.of(notify.EventSlotFound), 3)
	assert.ElementsMatch(t, []string{advance.Key, trysell.Key}, keysOf(out.Slots, report.New))
}

func TestCheckAutobookFailureDoesNotEndPass(t *testing.T) {
	p := portaltest.New(202504, 202504)
	p.AddSlot(1000001, "2025-04-29", "3", "11:30", "13:10", 80)
	h := newHandle(t, p, models.AutobookPolicy{Advance: true})
	rec := &recorder{}

	report, err := newChecker(rec, nil).Check(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, report.Bookings, 1)
	assert.Equal(t, booking.Failed, report.Bookings[0].State)
	assert.False(t, h.Client.Stopped())
}

func TestCheckTokenExpiryStopsClient(t *testing.T) {
	p := portaltest.New(202504, 202504)
	h := newHandle(t, p, models.AutobookPolicy{})
	c := newChecker(&recorder{}, nil)

	_, err := c.Check(context.Background(), h)
	require.NoError(t, err)

	p.Expire()
	_, err = c.Check(context.Background(), h)
	assert.ErrorIs(t, err, portal.ErrTokenExpired)
	assert.True(t, h.Client.Stopped())

	_, err = c.Check(context.Background(), h)
	assert.ErrorIs(t, err, portal.ErrSessionStopped)
}

// keysOf maps booked outcomes back to the keys of the slots they came from
func keysOf(outcomes []models.SlotOutcome, slots models.SlotSet) []string {
	var keys []string
	for _, o := range outcomes {
		for key, s := range slots {
			if o.StartTime == s.StartTime && o.RefDate[:10] == s.Date {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

type submitResult struct {
	ok  bool
	res *portal.BookingResult
	err error
}

type fakeClient struct {
	clashing    map[int64]bool
	clashErr    error
	captchaErrs []error
	results     []submitResult

	captchaRequests int
	submissions     []portal.BookingPayload
}

func (f *fakeClient) UpdateClashStatus(ctx context.Context, slots models.SlotSet) ([]int64, error) {
	if f.clashErr != nil {
		return nil, f.clashErr
	}
	var ids []int64
	for _, k := range slots.Keys() {
		if !f.clashing[slots[k].ID] {
			ids = append(ids, slots[k].ID)
		}
	}
	return ids, nil
}

func (f *fakeClient) RequestBookingCaptcha(ctx context.Context, auto bool) (*portal.Challenge, error) {
	f.captchaRequests++
	if len(f.captchaErrs) > 0 {
		err := f.captchaErrs[0]
		f.captchaErrs = f.captchaErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &portal.Challenge{
		Image: []byte("img"),
		Token: portal.CaptchaToken{CaptchaToken: "tok", VerifyCodeID: "vc"},
	}, nil
}

func (f *fakeClient) SubmitBooking(ctx context.Context, payload portal.BookingPayload) (bool, *portal.BookingResult, error) {
	f.submissions = append(f.submissions, payload)
	if len(f.results) == 0 {
		return true, &portal.BookingResult{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.ok, r.res, r.err
}

func refused(msg string) submitResult {
	return submitResult{res: &portal.BookingResult{Message: msg}}
}

func solver(code string) captcha.Solver {
	return captcha.SolverFunc(func(ctx context.Context, image []byte) (string, error) {
		return code, nil
	})
}

func sessionWithSlots(slots ...models.Slot) *models.Session {
	s := models.NewSession("u1")
	set := make(models.SlotSet)
	for _, slot := range slots {
		set[slot.Key] = slot
	}
	s.ReplaceReleasedSlots(set)
	return s
}

func slot(id int64, date, session, start string) models.Slot {
	d, _ := time.Parse("2006-01-02", date)
	return models.Slot{
		Key:       models.SlotKey(d, session, id),
		ID:        id,
		Date:      date,
		Session:   session,
		StartTime: start,
		EndTime:   start,
	}
}

func confirmedTx(t *testing.T, fc *fakeClient, opts Options) *Transaction {
	t.Helper()
	s := sessionWithSlots(slot(1, "2025-04-29", "3", "11:30"))
	tx := New(s, fc, opts)
	require.NoError(t, tx.SelectAll())
	n, total, err := tx.Confirm(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, total)
	return tx
}

func TestClassifyTrySellBoundary(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Singapore")
	require.NoError(t, err)
	now := time.Date(2025, 4, 28, 8, 0, 0, 0, loc)
	policy := models.AutobookPolicy{TrySell: true, Advance: true, TrySellSessions: []string{"3"}}

	at := func(d time.Duration, session string) models.Slot {
		start := now.Add(d)
		return models.Slot{
			Key:       models.SlotKey(start, session, 1),
			Date:      start.Format("2006-01-02"),
			Session:   session,
			StartTime: start.Format("15:04"),
		}
	}

	assert.Equal(t, TrySell, Classify(at(23*time.Hour+59*time.Minute, "3"), now, loc, policy))
	assert.Equal(t, Advance, Classify(at(24*time.Hour+time.Minute, "3"), now, loc, policy))
	assert.Equal(t, Advance, Classify(at(24*time.Hour+time.Minute, "5"), now, loc, policy))
	assert.Equal(t, Ineligible, Classify(at(23*time.Hour, "5"), now, loc, policy))
	assert.Equal(t, Ineligible, Classify(at(-time.Hour, "3"), now, loc, policy))
}

func TestSelectEligible(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 4, 28, 8, 0, 0, 0, loc)
	soon := slot(1, "2025-04-28", "3", "20:00")
	later := slot(2, "2025-05-10", "1", "07:30")
	slots := models.SlotSet{soon.Key: soon, later.Key: later}

	tests := []struct {
		name   string
		policy models.AutobookPolicy
		want   []string
	}{
		{"neither", models.AutobookPolicy{TrySellSessions: []string{"3"}}, nil},
		{"trysell", models.AutobookPolicy{TrySell: true, TrySellSessions: []string{"3"}}, []string{soon.Key}},
		{"advance", models.AutobookPolicy{Advance: true, TrySellSessions: []string{"3"}}, []string{later.Key}},
		{"both", models.AutobookPolicy{TrySell: true, Advance: true, TrySellSessions: []string{"3"}}, []string{soon.Key, later.Key}},
		{"session not allowed", models.AutobookPolicy{TrySell: true, TrySellSessions: []string{"1"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectEligible(slots, now, loc, tt.policy)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, tt.want, got.Keys())
		})
	}
}

func TestIncorrectCaptchaRetriedThreeTimes(t *testing.T) {
	fc := &fakeClient{results: []submitResult{
		refused("Incorrect Captcha"),
		refused("Incorrect Captcha"),
		refused("Incorrect Captcha"),
		{ok: true, res: &portal.BookingResult{}},
	}}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: solver("ab12c")})

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, fc.submissions, 3)
	assert.Equal(t, 3, fc.captchaRequests)
	assert.Equal(t, Failed, tx.State())
}

func TestOtherRefusalFailsImmediately(t *testing.T) {
	fc := &fakeClient{results: []submitResult{refused("Insufficient balance")}}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: solver("ab12c")})

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "Insufficient balance", out.Message)
	assert.Len(t, fc.submissions, 1)
}

func TestPartialSuccessCompletes(t *testing.T) {
	fc := &fakeClient{results: []submitResult{
		refused("Incorrect Captcha"),
		{ok: true, res: &portal.BookingResult{Slots: []models.SlotOutcome{
			{RefDate: "2025-04-29 00:00:00", RefName: "SESSION 3", Success: true, Message: "Booked"},
			{RefDate: "2025-04-30 00:00:00", RefName: "SESSION 1", Success: false, Message: "Slot taken"},
		}}},
	}}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: solver("ab12c")})

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, out.Booked())
	assert.Contains(t, out.Summary(), "Booked 1 of 2 slots")
	assert.Contains(t, out.Summary(), "Slot taken")

	p := fc.submissions[1]
	assert.Equal(t, "ab12c", p.VerifyCodeValue)
	assert.Equal(t, "tok", p.CaptchaToken.CaptchaToken)
	assert.Equal(t, []int64{1}, p.SlotIDList)
}

func TestChallengeTimeoutsDoNotConsumeAttempts(t *testing.T) {
	fc := &fakeClient{captchaErrs: []error{portal.ErrChallengeTimeout, portal.ErrChallengeTimeout, nil}}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: solver("ab12c")})

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 3, fc.captchaRequests)
}

func TestChallengeTimeoutsExhausted(t *testing.T) {
	timeout := portal.ErrChallengeTimeout
	fc := &fakeClient{captchaErrs: []error{timeout, timeout, timeout}}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: solver("ab12c")})

	out, err := tx.Submit(context.Background())
	assert.ErrorIs(t, err, ErrChallengeFailed)
	assert.ErrorIs(t, err, portal.ErrChallengeTimeout)
	assert.Equal(t, Failed, out.State)
	assert.Empty(t, fc.submissions)
}

func TestUnreadableCaptchaIsRefetched(t *testing.T) {
	codes := []string{"ab1", "ab12c"}
	s := captcha.SolverFunc(func(ctx context.Context, image []byte) (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	})
	fc := &fakeClient{}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: s})

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 2, fc.captchaRequests)
	assert.Equal(t, "ab12c", fc.submissions[0].VerifyCodeValue)
}

func TestTransportErrorFails(t *testing.T) {
	boom := errors.New("page crashed")
	fc := &fakeClient{results: []submitResult{{err: boom}}}
	tx := confirmedTx(t, fc, Options{Auto: true, Solver: solver("ab12c")})

	out, err := tx.Submit(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, out.State)
}

type answerer string

func (a answerer) Answer(ctx context.Context, userID string, image []byte) (string, error) {
	return string(a), nil
}

func TestManualCaptcha(t *testing.T) {
	fc := &fakeClient{}
	tx := confirmedTx(t, fc, Options{Answerer: answerer(" zz9zz ")})

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, "zz9zz", fc.submissions[0].VerifyCodeValue)
}

func TestSafeModeDropsClashingSlots(t *testing.T) {
	a := slot(1, "2025-04-29", "1", "07:30")
	b := slot(2, "2025-04-29", "2", "09:20")
	s := sessionWithSlots(a, b)
	s.Config.Autobook.SafeMode = true

	fc := &fakeClient{clashing: map[int64]bool{2: true}}
	tx := New(s, fc, Options{Auto: true, Solver: solver("ab12c")})
	require.NoError(t, tx.SelectAll())

	n, total, err := tx.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, total)

	out, err := tx.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, []int64{1}, fc.submissions[0].SlotIDList)
}

func TestSafeModeAllClashing(t *testing.T) {
	a := slot(1, "2025-04-29", "1", "07:30")
	s := sessionWithSlots(a)
	s.Config.Autobook.SafeMode = true

	tx := New(s, &fakeClient{clashing: map[int64]bool{1: true}}, Options{})
	require.NoError(t, tx.Select(a.Key))

	out, err := tx.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, out.Confirmed)
	assert.Equal(t, 1, out.Requested)
}

func TestSelection(t *testing.T) {
	a := slot(1, "2025-04-29", "1", "07:30")
	b := slot(2, "2025-04-30", "2", "09:20")
	tx := New(sessionWithSlots(a, b), &fakeClient{}, Options{})

	require.NoError(t, tx.Select(a.Key))
	assert.Equal(t, []string{a.Key}, tx.Chosen().Keys())

	assert.ErrorIs(t, tx.Select("202501011-9"), ErrUnknownSlot)
	assert.ErrorIs(t, tx.Select(a.Key, "nope"), ErrUnknownSlot)

	require.NoError(t, tx.SelectAll())
	assert.Equal(t, []string{a.Key, b.Key}, tx.Chosen().Keys())
}

func TestConfirmRequiresSelection(t *testing.T) {
	tx := New(sessionWithSlots(), &fakeClient{}, Options{})
	_, _, err := tx.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrNothingChosen)
	assert.Equal(t, Selecting, tx.State())
}

func TestCancel(t *testing.T) {
	fc := &fakeClient{}
	tx := confirmedTx(t, fc, Options{})
	require.NoError(t, tx.Cancel())
	assert.Equal(t, Cancelled, tx.State())
	assert.Equal(t, Cancelled, tx.Outcome().State)

	_, err := tx.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, tx.Cancel(), ErrInvalidState)
}

func TestMaxDatesKeepsEarliest(t *testing.T) {
	a := slot(1, "2025-04-29", "1", "07:30")
	b := slot(2, "2025-04-30", "1", "07:30")
	c := slot(3, "2025-05-01", "1", "07:30")
	d := slot(4, "2025-04-29", "2", "09:20")

	fc := &fakeClient{}
	tx := New(sessionWithSlots(a, b, c, d), fc, Options{Auto: true, Solver: solver("ab12c"), MaxDates: 2})
	require.NoError(t, tx.SelectAll())

	n, total, err := tx.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 4, total)

	_, err = tx.Submit(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 4}, fc.submissions[0].SlotIDList)
}

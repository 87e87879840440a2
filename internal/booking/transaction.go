// Package booking runs the select, confirm, captcha and submit flow that books
// released slots.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

const (
	// MaxAttempts bounds booking submissions that fail on the captcha
	MaxAttempts = 3

	// MaxChallengeTries bounds captcha fetches per submission
	MaxChallengeTries = 3

	incorrectCaptcha = "Incorrect Captcha"
)

var (
	ErrNothingChosen     = errors.New("no slot chosen")
	ErrUnknownSlot       = errors.New("slot is not among the released slots")
	ErrInvalidState      = errors.New("operation not allowed in this state")
	ErrChallengeFailed   = errors.New("could not obtain a usable captcha")
	ErrNoAnswerer        = errors.New("no captcha answerer configured")
	ErrNoSlotsConfirmed  = errors.New("no chosen slot passed the clash check")
	errTransactionClosed = errors.New("transaction already finished")
)

// State is a booking transaction's position in its flow
type State int

const (
	Selecting State = iota
	Confirming
	AwaitingCaptcha
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Selecting:
		return "SELECTING"
	case Confirming:
		return "CONFIRMING"
	case AwaitingCaptcha:
		return "AWAITING_CAPTCHA"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Client is the part of the portal client a transaction drives
type Client interface {
	UpdateClashStatus(ctx context.Context, slots models.SlotSet) ([]int64, error)
	RequestBookingCaptcha(ctx context.Context, auto bool) (*portal.Challenge, error)
	SubmitBooking(ctx context.Context, payload portal.BookingPayload) (bool, *portal.BookingResult, error)
}

// Options configures a transaction
type Options struct {
	// Auto solves captchas with Solver instead of asking through Answerer
	Auto     bool
	Solver   captcha.Solver
	Answerer captcha.Answerer
	// MaxDates limits the distinct dates in one request; 0 is unlimited
	MaxDates int
	Logger   *zap.Logger
}

// Outcome is the result of a finished transaction
type Outcome struct {
	State     State                `json:"state"`
	Requested int                  `json:"requested"`
	Confirmed int                  `json:"confirmed"`
	Attempts  int                  `json:"attempts"`
	Slots     []models.SlotOutcome `json:"slots,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// Booked counts the slots that were booked
func (o *Outcome) Booked() int {
	n := 0
	for _, s := range o.Slots {
		if s.Success {
			n++
		}
	}
	return n
}

// Summary renders the outcome slot by slot for the user
func (o *Outcome) Summary() string {
	if len(o.Slots) == 0 {
		if o.Message != "" {
			return fmt.Sprintf("Booking %s: %s", strings.ToLower(o.State.String()), o.Message)
		}
		return fmt.Sprintf("Booking %s", strings.ToLower(o.State.String()))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Booked %d of %d slots:", o.Booked(), len(o.Slots))
	for _, s := range o.Slots {
		mark := "✗"
		if s.Success {
			mark = "✓"
		}
		date := s.RefDate
		if len(date) > 10 {
			date = date[:10]
		}
		fmt.Fprintf(&b, "\n%s %s %s %s-%s %s", mark, date, s.RefName, s.StartTime, s.EndTime, s.Message)
	}
	return b.String()
}

// Transaction books a chosen subset of a session's released slots. It is
// not safe for use by more than one flow at a time; callers hold the
// session's guard.
type Transaction struct {
	session *models.Session
	client  Client
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	chosen    models.SlotSet
	confirmed models.SlotSet
	outcome   *Outcome
}

// New starts a transaction in Selecting
func New(session *models.Session, client Client, opts Options) *Transaction {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transaction{
		session: session,
		client:  client,
		opts:    opts,
		logger:  logger.With(zap.String("user_id", session.UserID)),
		chosen:  make(models.SlotSet),
	}
}

// State returns the current state
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns the result once the transaction is terminal
func (t *Transaction) Outcome() *Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Select adds released slots to the selection
func (t *Transaction) Select(keys ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Selecting {
		return fmt.Errorf("select in %s: %w", t.state, ErrInvalidState)
	}
	released := t.session.ReleasedSlots()
	for _, key := range keys {
		slot, ok := released[key]
		if !ok {
			return fmt.Errorf("%s: %w", key, ErrUnknownSlot)
		}
		t.chosen[key] = slot
	}
	return nil
}

// SelectSlots adds slots directly, for automatic flows that already hold them
func (t *Transaction) SelectSlots(slots models.SlotSet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Selecting {
		return fmt.Errorf("select in %s: %w", t.state, ErrInvalidState)
	}
	t.chosen.Merge(slots)
	return nil
}

// SelectAll replaces the selection with every released slot
func (t *Transaction) SelectAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Selecting {
		return fmt.Errorf("select all in %s: %w", t.state, ErrInvalidState)
	}
	t.chosen = t.session.ReleasedSlots()
	return nil
}

// Chosen returns a copy of the current selection
func (t *Transaction) Chosen() models.SlotSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chosen.Clone()
}

// Cancel aborts the transaction before the captcha step
func (t *Transaction) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Selecting && t.state != Confirming {
		return fmt.Errorf("cancel in %s: %w", t.state, ErrInvalidState)
	}
	t.finish(Cancelled, 0, nil, "cancelled by user")
	return nil
}

// Confirm moves the selection to Confirming. In safe mode each slot is
// re-checked against the portal and the ones that clash are dropped. It
// returns how many slots remain and how many were chosen.
func (t *Transaction) Confirm(ctx context.Context) (confirmed, total int, err error) {
	t.mu.Lock()
	if t.state != Selecting {
		state := t.state
		t.mu.Unlock()
		return 0, 0, fmt.Errorf("confirm in %s: %w", state, ErrInvalidState)
	}
	if len(t.chosen) == 0 {
		t.mu.Unlock()
		return 0, 0, ErrNothingChosen
	}
	t.state = Confirming
	chosen := t.chosen.Clone()
	t.mu.Unlock()

	total = len(chosen)
	limited, dropped := limitDates(chosen, t.opts.MaxDates)
	if len(dropped) > 0 {
		t.logger.Warn("too many booking dates, later dates dropped",
			zap.Int("max_dates", t.opts.MaxDates),
			zap.Strings("dropped", dropped),
		)
	}

	passed := limited
	if t.session.Config.Autobook.SafeMode {
		ids, err := t.client.UpdateClashStatus(ctx, limited)
		if err != nil {
			t.mu.Lock()
			t.finish(Failed, 0, nil, err.Error())
			t.mu.Unlock()
			return 0, total, fmt.Errorf("clash check: %w", err)
		}
		passed = keepIDs(limited, ids)
		if n := len(limited) - len(passed); n > 0 {
			t.logger.Info("slots dropped by clash check", zap.Int("dropped", n))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Confirming {
		// cancelled while checking
		return 0, total, fmt.Errorf("confirm: %w", errTransactionClosed)
	}
	t.confirmed = passed
	if len(passed) == 0 {
		t.finish(Failed, 0, nil, ErrNoSlotsConfirmed.Error())
		return 0, total, nil
	}
	return len(passed), total, nil
}

// Submit runs the captcha and booking exchange for the confirmed slots. A
// rejected captcha is retried with a fresh challenge up to MaxAttempts
// submissions; any other refusal fails at once. Portal refusals end in
// Failed with a nil error; errors are reserved for failed exchanges.
func (t *Transaction) Submit(ctx context.Context) (*Outcome, error) {
	t.mu.Lock()
	if t.state != Confirming {
		state := t.state
		t.mu.Unlock()
		return nil, fmt.Errorf("submit in %s: %w", state, ErrInvalidState)
	}
	t.state = AwaitingCaptcha
	confirmed := t.confirmed
	requested := len(t.chosen)
	t.mu.Unlock()

	payload := portal.NewBookingPayload(t.session.Profile.CourseType, confirmed)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		answer, token, err := t.challenge(ctx)
		if err != nil {
			return t.fail(requested, len(confirmed), attempt, err.Error(), err)
		}

		ok, res, err := t.client.SubmitBooking(ctx, payload.WithAnswer(token, answer))
		if err != nil {
			return t.fail(requested, len(confirmed), attempt, err.Error(), err)
		}

		if ok {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.finish(Completed, attempt, res.Slots, res.Message)
			t.outcome.Requested = requested
			t.outcome.Confirmed = len(confirmed)
			t.logger.Info("booking completed",
				zap.Int("attempts", attempt),
				zap.Int("booked", t.outcome.Booked()),
				zap.Int("requested", len(confirmed)),
			)
			return t.outcome, nil
		}

		if !strings.Contains(res.Message, incorrectCaptcha) {
			return t.fail(requested, len(confirmed), attempt, res.Message, nil)
		}
		t.logger.Info("captcha rejected", zap.Int("attempt", attempt))
	}

	return t.fail(requested, len(confirmed), MaxAttempts,
		fmt.Sprintf("%s after %d attempts", incorrectCaptcha, MaxAttempts), nil)
}

// Run confirms and submits in one go, for automatic flows
func (t *Transaction) Run(ctx context.Context) (*Outcome, error) {
	confirmed, _, err := t.Confirm(ctx)
	if err != nil {
		return t.Outcome(), err
	}
	if confirmed == 0 {
		return t.Outcome(), nil
	}
	return t.Submit(ctx)
}

// challenge fetches a captcha and answers it. Timeouts and unreadable
// images are retried up to MaxChallengeTries.
func (t *Transaction) challenge(ctx context.Context) (string, portal.CaptchaToken, error) {
	var lastErr error
	for try := 1; try <= MaxChallengeTries; try++ {
		ch, err := t.client.RequestBookingCaptcha(ctx, t.opts.Auto)
		if errors.Is(err, portal.ErrChallengeTimeout) {
			lastErr = err
			t.logger.Info("captcha request timed out", zap.Int("try", try))
			continue
		}
		if err != nil {
			return "", portal.CaptchaToken{}, err
		}

		answer, err := t.answer(ctx, ch.Image)
		if errors.Is(err, captcha.ErrLowConfidence) {
			lastErr = err
			t.logger.Info("captcha unreadable", zap.Int("try", try), zap.Error(err))
			continue
		}
		if err != nil {
			return "", portal.CaptchaToken{}, err
		}
		return answer, ch.Token, nil
	}
	return "", portal.CaptchaToken{}, fmt.Errorf("%w: %w", ErrChallengeFailed, lastErr)
}

func (t *Transaction) answer(ctx context.Context, image []byte) (string, error) {
	if t.opts.Auto {
		if t.opts.Solver == nil {
			return "", captcha.ErrNoSolver
		}
		code, err := t.opts.Solver.Solve(ctx, image)
		if err != nil {
			return "", err
		}
		return captcha.Check(code)
	}

	if t.opts.Answerer == nil {
		return "", ErrNoAnswerer
	}
	code, err := t.opts.Answerer.Answer(ctx, t.session.UserID, image)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

func (t *Transaction) fail(requested, confirmed, attempts int, msg string, err error) (*Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finish(Failed, attempts, nil, msg)
	t.outcome.Requested = requested
	t.outcome.Confirmed = confirmed
	t.logger.Warn("booking failed", zap.Int("attempts", attempts), zap.String("message", msg), zap.Error(err))
	return t.outcome, err
}

// finish must be called with t.mu held
func (t *Transaction) finish(state State, attempts int, slots []models.SlotOutcome, msg string) {
	t.state = state
	t.outcome = &Outcome{
		State:     state,
		Requested: len(t.chosen),
		Confirmed: len(t.confirmed),
		Attempts:  attempts,
		Slots:     slots,
		Message:   msg,
	}
}

func keepIDs(slots models.SlotSet, ids []int64) models.SlotSet {
	ok := make(map[int64]bool, len(ids))
	for _, id := range ids {
		ok[id] = true
	}
	out := make(models.SlotSet)
	for k, s := range slots {
		if ok[s.ID] {
			out[k] = s
		}
	}
	return out
}

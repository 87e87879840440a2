package portal

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/browser"
	"github.com/shehryarbajwa/slotcamper/internal/ratelimit"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

// State is the lifecycle of a Client
type State int

const (
	StateClosed State = iota
	StateOpen
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Client
type Options struct {
	BaseURL          string
	Headless         bool
	ResponseTimeout  time.Duration
	Jitter           time.Duration // upper bound of the random delay before each request
	StorageStatePath string
	Limiter          *ratelimit.Limiter
	Logger           *zap.Logger
}

// Client performs portal operations for one session through a page driver
type Client struct {
	session  *models.Session
	launcher browser.Launcher
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	closing bool
	driver  browser.Driver
}

// New binds a client to a session. The session must carry auth headers.
func New(session *models.Session, launcher browser.Launcher, opts Options) (*Client, error) {
	if !session.HasAuth() {
		return nil, ErrNoAuth
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		session:  session,
		launcher: launcher,
		opts:     opts,
		logger:   logger.With(zap.String("user_id", session.UserID)),
	}, nil
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stopped reports whether the client was stopped and needs re-authentication
func (c *Client) Stopped() bool {
	return c.State() == StateStopped
}

// URL returns the page URL, or "" when closed
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil {
		return ""
	}
	return c.driver.URL()
}

// Open launches the page driver and navigates to the booking entry point
func (c *Client) Open(ctx context.Context, headless bool) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrSessionStopped
	case StateOpen:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("opening browser", zap.Bool("headless", headless))
	driver, err := c.launcher.Launch(ctx, browser.LaunchOptions{
		UserID:           c.session.UserID,
		Headless:         headless,
		BaseURL:          c.opts.BaseURL,
		StorageStatePath: c.opts.StorageStatePath,
		BackendPattern:   BackendPattern,
		ExtraHeaders:     backendHeaders(c.session.Headers()),
	})
	if err != nil {
		return fmt.Errorf("%w: launch browser: %w", ErrTransient, err)
	}

	c.mu.Lock()
	if c.state == StateStopped {
		// stopped while launching
		c.mu.Unlock()
		driver.Close()
		return ErrSessionStopped
	}
	c.driver = driver
	c.state = StateOpen
	c.mu.Unlock()

	if err := driver.Navigate(ctx, c.opts.BaseURL+entryPath(c.session.Profile.CourseType)); err != nil {
		return c.transient("open", "entry", err)
	}
	return nil
}

// Close releases the page driver. stop=true leaves the client stopped until
// a forced auth refresh. A call made while another close is in progress only
// records the stop.
func (c *Client) Close(stop bool) error {
	c.mu.Lock()
	if stop {
		c.state = StateStopped
	}
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	if !stop && c.state == StateOpen {
		c.state = StateClosed
	}
	d := c.driver
	c.driver = nil
	c.closing = d != nil
	c.mu.Unlock()

	if d == nil {
		return nil
	}

	c.logger.Info("browser closing", zap.Bool("stop", stop))
	err := d.Close()

	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// UpdateAuth applies refreshed headers. They take effect if the client is not
// stopped, or if force is set, in which case a stopped client becomes usable
// again. It reports whether the headers were applied.
func (c *Client) UpdateAuth(headers map[string]string, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped && !force {
		return false
	}
	if c.state == StateStopped {
		c.state = StateClosed
	}
	if hs, ok := c.driver.(browser.HeaderSetter); ok {
		hs.SetHeaders(backendHeaders(headers))
	}
	return true
}

// ListReleasedSlots returns the released slots of month. CurrentMonth
// reloads the choose-slot page and reads whatever month it displays.
func (c *Client) ListReleasedSlots(ctx context.Context, month models.MonthCode) (*ReleasedSlots, error) {
	d, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	if isLoginURL(d.URL()) {
		return nil, c.expire("list released", month.String(), "login redirect")
	}

	var trigger func() error
	if month == models.CurrentMonth {
		entry := c.opts.BaseURL + entryPath(c.session.Profile.CourseType)
		trigger = func() error { return d.Navigate(ctx, entry) }
	} else {
		sel := monthButtonSelector(month)
		trigger = func() error { return d.Click(ctx, sel) }
	}

	resp, err := d.AwaitResponse(ctx, slotsReleasedPattern, c.opts.ResponseTimeout, trigger)
	if err != nil {
		if isLoginURL(d.URL()) {
			return nil, c.expire("list released", month.String(), "login redirect")
		}
		if month != models.CurrentMonth && errors.Is(err, browser.ErrTimeout) {
			// the month tab is not clickable, nothing released for it
			c.logger.Warn("month not available", zap.Stringer("month", month), zap.Error(err))
			return &ReleasedSlots{Slots: make(models.SlotSet)}, nil
		}
		return nil, c.transient("list released", month.String(), err)
	}

	env, err := c.envelope("list released", resp)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, c.expire("list released", month.String(), env.Message)
	}

	out, err := parseReleasedSlots(env.Data)
	if err != nil {
		return nil, &RequestError{Op: "list released", Endpoint: month.String(), Err: err}
	}
	if out.AccountBal != nil {
		c.session.SetAccountBal(*out.AccountBal)
	}
	c.logger.Debug("released slots", zap.Stringer("month", month), zap.Int("slots", len(out.Slots)), zap.Int("months", len(out.AvailableMonths)))
	return out, nil
}

// ListScheduledBookings returns the user's active bookings
func (c *Client) ListScheduledBookings(ctx context.Context) ([]models.Booking, error) {
	env, err := c.post(ctx, "list scheduled", pathListManageBooking, map[string]any{
		"courseType": c.courseType(),
	})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, c.expire("list scheduled", pathListManageBooking, env.Message)
	}

	bookings, err := parseScheduled(env.Data)
	if err != nil {
		return nil, &RequestError{Op: "list scheduled", Endpoint: pathListManageBooking, Err: err}
	}
	return bookings, nil
}

// UpdateClashStatus re-checks slots with the portal and returns the IDs that
// can still be booked
func (c *Client) UpdateClashStatus(ctx context.Context, slots models.SlotSet) ([]int64, error) {
	ids := make([]int64, 0, len(slots))
	for _, k := range slots.Keys() {
		ids = append(ids, slots[k].ID)
	}

	env, err := c.post(ctx, "clash status", pathUpdateClashStatus, map[string]any{
		"courseType": c.courseType(),
		"slotIdList": ids,
	})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &RequestError{Op: "clash status", Endpoint: pathUpdateClashStatus, Err: fmt.Errorf("%w: %s", ErrRejected, env.Message)}
	}

	ok, err := parseClashStatus(env.Data)
	if err != nil {
		return nil, &RequestError{Op: "clash status", Endpoint: pathUpdateClashStatus, Err: err}
	}
	return ok, nil
}

// RequestBookingCaptcha fetches a captcha challenge for a booking call
func (c *Client) RequestBookingCaptcha(ctx context.Context, auto bool) (*Challenge, error) {
	c.logger.Debug("requesting booking captcha", zap.Bool("auto", auto))
	env, err := c.post(ctx, "captcha", pathBookingCaptcha, map[string]any{})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &RequestError{Op: "captcha", Endpoint: pathBookingCaptcha, Err: fmt.Errorf("%w: %s", ErrRejected, env.Message)}
	}

	ch, err := parseChallenge(env.Data)
	if err != nil {
		return nil, &RequestError{Op: "captcha", Endpoint: pathBookingCaptcha, Err: err}
	}
	return ch, nil
}

// SubmitBooking sends a booking call. ok=false means the portal refused the
// whole call and result.Message says why; ok=true means result.Slots holds
// the per-slot outcomes, which can be mixed.
func (c *Client) SubmitBooking(ctx context.Context, payload BookingPayload) (bool, *BookingResult, error) {
	env, err := c.post(ctx, "book", pathBookSlot, payload)
	if err != nil {
		return false, nil, err
	}
	if !env.Success {
		c.logger.Warn("booking refused", zap.String("message", env.Message))
		return false, &BookingResult{Message: env.Message}, nil
	}

	res, err := parseBookingResult(env.Data)
	if err != nil {
		return false, nil, &RequestError{Op: "book", Endpoint: pathBookSlot, Err: err}
	}
	return true, res, nil
}

// CancelBooking cancels a scheduled booking and returns the portal's message
func (c *Client) CancelBooking(ctx context.Context, bookingID, dataType string) (string, error) {
	env, err := c.post(ctx, "cancel", pathCancelBooking, map[string]any{
		"bookingId": bookingID,
		"dataType":  dataType,
	})
	if err != nil {
		return "", err
	}
	if !env.Success {
		return env.Message, &RequestError{Op: "cancel", Endpoint: pathCancelBooking, Err: fmt.Errorf("%w: %s", ErrRejected, env.Message)}
	}
	if env.Message == "" {
		return "Booking cancelled.", nil
	}
	return env.Message, nil
}

func (c *Client) courseType() string {
	if c.session.Profile.CourseType == "" {
		return defaultCourseType
	}
	return c.session.Profile.CourseType
}

// begin checks the lifecycle and applies pacing before a network call
func (c *Client) begin(ctx context.Context) (browser.Driver, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx, c.session.UserID); err != nil {
			return nil, err
		}
	}
	if c.opts.Jitter > 0 {
		delay := time.Duration(rand.Int64N(int64(c.opts.Jitter)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	// the client may have been closed while waiting
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver, nil
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStopped:
		return ErrSessionStopped
	case StateClosed:
		return ErrNotOpen
	}
	if c.driver == nil {
		return ErrNotOpen
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, body any) (*envelope, error) {
	d, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := d.RawPost(ctx, c.opts.BaseURL+path, c.session.Headers(), body)
	if err != nil {
		if errors.Is(err, browser.ErrTimeout) && path == pathBookingCaptcha {
			return nil, &RequestError{Op: op, Endpoint: path, Err: ErrChallengeTimeout}
		}
		return nil, c.transient(op, path, err)
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return nil, c.expire(op, path, http.StatusText(resp.Status))
	}
	return c.envelope(op, resp)
}

func (c *Client) envelope(op string, resp *browser.Response) (*envelope, error) {
	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		if isLoginURL(resp.URL) {
			return nil, c.expire(op, resp.URL, "login page")
		}
		return nil, c.transient(op, resp.URL, err)
	}
	return env, nil
}

// expire stops the client and reports token expiry
func (c *Client) expire(op, endpoint, reason string) error {
	c.logger.Warn("suspected token expiry", zap.String("op", op), zap.String("endpoint", endpoint), zap.String("reason", reason))
	c.Close(true)
	return &RequestError{Op: op, Endpoint: endpoint, Err: fmt.Errorf("%w: %s", ErrTokenExpired, reason)}
}

// transient stops the client after an unexpected driver failure
func (c *Client) transient(op, endpoint string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Error("request failed", zap.String("op", op), zap.String("endpoint", endpoint), zap.Error(err))
	c.Close(true)
	return &RequestError{Op: op, Endpoint: endpoint, Err: fmt.Errorf("%w: %w", ErrTransient, err)}
}

// backendHeaders picks the headers the page must attach to backend requests
func backendHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, 2)
	for _, k := range []string{"authorization", "jsessionid"} {
		if v, ok := h[k]; ok {
			out[k] = v
		}
	}
	return out
}

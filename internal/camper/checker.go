// Package camper runs recurring slot checks per user and books what the
// user's autobook policy allows.
package camper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/booking"
	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/discovery"
	"github.com/shehryarbajwa/slotcamper/internal/notify"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/internal/session"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

// ProfileSaver persists a session's profile
type ProfileSaver interface {
	SaveProfile(s *models.Session) error
}

// CheckerOptions configures a Checker
type CheckerOptions struct {
	// Profiles, when set, receives the profile after every completed pass so
	// the account balance seen on the portal is kept
	Profiles ProfileSaver
	Headless bool
	Pause    time.Duration
	Location *time.Location
	MaxDates int
	Solver   captcha.Solver
	Logger   *zap.Logger
	Now      func() time.Time
}

// Report summarizes one check
type Report struct {
	New      models.SlotSet     `json:"new"`
	Released int                `json:"released"`
	Months   []models.MonthCode `json:"months"`
	Bookings []*booking.Outcome `json:"bookings,omitempty"`
}

// Checker runs discovery for a user, announces new slots and autobooks
type Checker struct {
	pub    notify.Publisher
	opts   CheckerOptions
	logger *zap.Logger
}

// NewChecker creates a checker publishing to pub
func NewChecker(pub notify.Publisher, opts CheckerOptions) *Checker {
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
	return &Checker{pub: pub, opts: opts, logger: logger}
}

// Check runs one discovery pass. The caller must hold the handle's guard.
// Slots not seen in the previous pass are announced; every increment with
// slots goes through the autobook policy.
func (c *Checker) Check(ctx context.Context, h *session.Handle) (*Report, error) {
	userID := h.Session.UserID
	logger := c.logger.With(zap.String("user_id", userID))

	if h.Client.State() == portal.StateClosed {
		if err := h.Client.Open(ctx, c.opts.Headless); err != nil {
			return nil, err
		}
	}

	report := &Report{New: make(models.SlotSet)}
	tr := discovery.New(h.Session, h.Client, discovery.Options{Pause: c.opts.Pause, Logger: c.logger})
	defer func() { report.Months = tr.Visited() }()

	for {
		slots, ok, err := tr.Next(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}

		for _, key := range slots.Keys() {
			if h.Session.KnowsSlot(key) {
				logger.Debug("slot found again", zap.String("slot", key))
				continue
			}
			slot := slots[key]
			report.New[key] = slot
			c.pub.Publish(userID, notify.Event{
				Type: notify.EventSlotFound,
				Text: "Slot available!\n" + slot.Summary(),
				Data: map[string]any{"slot": slot},
			})
		}

		out, err := c.autobook(ctx, h, slots)
		if out != nil {
			report.Bookings = append(report.Bookings, out)
		}
		if err != nil {
			return report, err
		}
	}

	report.Released = len(h.Session.ReleasedSlots())
	if c.opts.Profiles != nil {
		if err := c.opts.Profiles.SaveProfile(h.Session); err != nil {
			logger.Warn("save profile", zap.Error(err))
		}
	}
	logger.Info("check complete", zap.Int("new", len(report.New)), zap.Int("released", report.Released))
	return report, nil
}

// autobook books the eligible part of an increment without human input
func (c *Checker) autobook(ctx context.Context, h *session.Handle, slots models.SlotSet) (*booking.Outcome, error) {
	policy := h.Session.Config.Autobook
	eligible := booking.SelectEligible(slots, c.opts.Now(), c.opts.Location, policy)
	if len(eligible) == 0 {
		return nil, nil
	}

	c.logger.Info("autobooking",
		zap.String("user_id", h.Session.UserID),
		zap.Strings("slots", eligible.Keys()),
	)
	tx := booking.New(h.Session, h.Client, booking.Options{
		Auto:     true,
		Solver:   c.opts.Solver,
		MaxDates: c.opts.MaxDates,
		Logger:   c.logger,
	})
	if err := tx.SelectSlots(eligible); err != nil {
		return nil, err
	}

	out, err := tx.Run(ctx)
	if out != nil {
		c.pub.Publish(h.Session.UserID, notify.Event{
			Type: notify.EventBookingResult,
			Text: out.Summary(),
			Data: map[string]any{"outcome": out},
		})
	}
	if err != nil && portal.IsFatal(err) {
		return out, err
	}
	if err != nil {
		// a failed autobook does not end the pass
		c.logger.Warn("autobook failed", zap.String("user_id", h.Session.UserID), zap.Error(err))
	}
	return out, nil
}

// Run is Check as a scheduler firing
func (c *Checker) Run(ctx context.Context, h *session.Handle) error {
	_, err := c.Check(ctx, h)
	return err
}

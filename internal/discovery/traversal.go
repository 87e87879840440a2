// Package discovery crawls the portal's month tabs for released slots.
package discovery

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

// SlotLister fetches one month of released slots
type SlotLister interface {
	ListReleasedSlots(ctx context.Context, month models.MonthCode) (*portal.ReleasedSlots, error)
}

// Options configures a traversal
type Options struct {
	// Pause is the wait between two month requests
	Pause  time.Duration
	Logger *zap.Logger
}

// Traversal is a single breadth-first pass over the months a user wants.
// It yields one SlotSet per wanted month that has slots, and cannot be
// restarted once finished.
type Traversal struct {
	session *models.Session
	lister  SlotLister
	opts    Options
	logger  *zap.Logger

	toVisit []models.MonthCode
	queued  map[models.MonthCode]bool
	visited map[models.MonthCode]bool
	found   models.SlotSet
	fetched int
	done    bool
	err     error
}

// New starts a traversal at the month the portal currently displays
func New(session *models.Session, lister SlotLister, opts Options) *Traversal {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Traversal{
		session: session,
		lister:  lister,
		opts:    opts,
		logger:  logger.With(zap.String("user_id", session.UserID)),
		toVisit: []models.MonthCode{models.CurrentMonth},
		queued:  map[models.MonthCode]bool{models.CurrentMonth: true},
		visited: make(map[models.MonthCode]bool),
		found:   make(models.SlotSet),
	}
}

// Next fetches months until one yields slots. ok=false with a nil error means
// the traversal completed and the session's released slots were replaced with
// everything yielded. On error the session is left untouched and the slots
// yielded so far are provisional.
func (t *Traversal) Next(ctx context.Context) (models.SlotSet, bool, error) {
	if t.done {
		return nil, false, t.err
	}

	for len(t.toVisit) > 0 {
		if t.fetched > 0 && t.opts.Pause > 0 {
			if err := sleep(ctx, t.opts.Pause); err != nil {
				return nil, false, t.fail(err)
			}
		}

		month := t.pop()
		res, err := t.lister.ListReleasedSlots(ctx, month)
		t.fetched++
		if err != nil {
			return nil, false, t.fail(err)
		}

		resolved, ok := resolve(month, res)
		if !ok {
			t.logger.Warn("could not resolve displayed month", zap.Stringer("month", month))
			continue
		}
		t.visited[resolved] = true

		for _, m := range res.AvailableMonths {
			if t.session.Config.WantsMonth(m) && !t.visited[m] && !t.queued[m] {
				t.queued[m] = true
				t.toVisit = append(t.toVisit, m)
			}
		}

		t.logger.Debug("month visited",
			zap.Stringer("month", resolved),
			zap.Int("slots", len(res.Slots)),
			zap.Int("queued", len(t.toVisit)),
		)

		if len(res.Slots) > 0 && t.session.Config.WantsMonth(resolved) {
			t.found.Merge(res.Slots)
			return res.Slots.Clone(), true, nil
		}
	}

	t.done = true
	t.session.ReplaceReleasedSlots(t.found)
	t.logger.Info("discovery complete", zap.Int("months", len(t.visited)), zap.Int("slots", len(t.found)))
	return nil, false, nil
}

// Done reports whether the traversal has finished, successfully or not
func (t *Traversal) Done() bool {
	return t.done
}

// Err returns the error that ended the traversal, if any
func (t *Traversal) Err() error {
	return t.err
}

// Visited returns the months visited so far, ascending
func (t *Traversal) Visited() []models.MonthCode {
	return slices.Sorted(maps.Keys(t.visited))
}

// pop takes the earliest queued month; CurrentMonth sorts first
func (t *Traversal) pop() models.MonthCode {
	i := slices.Index(t.toVisit, slices.Min(t.toVisit))
	m := t.toVisit[i]
	t.toVisit = slices.Delete(t.toVisit, i, i+1)
	return m
}

func (t *Traversal) fail(err error) error {
	t.done = true
	t.err = err
	t.toVisit = nil
	t.logger.Warn("discovery failed", zap.Error(err), zap.Int("provisional_slots", len(t.found)))
	return err
}

// resolve maps CurrentMonth to the month the portal actually displayed
func resolve(month models.MonthCode, res *portal.ReleasedSlots) (models.MonthCode, bool) {
	if month != models.CurrentMonth {
		return month, true
	}
	if m, ok := res.Slots.Month(); ok {
		return m, true
	}
	if len(res.AvailableMonths) > 0 {
		return res.AvailableMonths[0], true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

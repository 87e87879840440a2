package camper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/notify"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/internal/session"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

const (
	// MinInterval is the shortest allowed camping interval
	MinInterval = 30 * time.Second

	// DefaultWindow is how long a camper runs when no end is given
	DefaultWindow = 4 * time.Hour
)

var (
	ErrInvalidSpec = errors.New("invalid camper schedule")
	ErrShutdown    = errors.New("scheduler is shut down")
)

// Spec describes a camping schedule relative to its start
type Spec struct {
	Interval    time.Duration
	StartOffset time.Duration
	EndOffset   time.Duration
}

// Validate checks the spec, applying the default window. An end before the
// start moves the start to now.
func (s *Spec) Validate(minInterval time.Duration) error {
	if s.Interval < minInterval {
		return fmt.Errorf("%w: minimum interval is %s", ErrInvalidSpec, minInterval)
	}
	if s.StartOffset < 0 || s.EndOffset < 0 {
		return fmt.Errorf("%w: offsets must not be negative", ErrInvalidSpec)
	}
	if s.EndOffset == 0 {
		s.EndOffset = DefaultWindow
	}
	if s.EndOffset < s.StartOffset {
		s.StartOffset = 0
	}
	return nil
}

// RunFunc is one firing. It is called with the handle's guard held.
type RunFunc func(ctx context.Context, h *session.Handle) error

// Scheduler runs at most one camper job per user
type Scheduler struct {
	run    RunFunc
	pub    notify.Publisher
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

type job struct {
	handle *session.Handle
	spec   Spec
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	snapshot models.CamperJob
	firing   sync.WaitGroup
}

// NewScheduler creates a scheduler that calls run on every firing
func NewScheduler(run RunFunc, pub notify.Publisher, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		run:    run,
		pub:    pub,
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Start schedules a camper for the handle's user, replacing any running job.
// It reports whether a job was replaced.
func (s *Scheduler) Start(h *session.Handle, spec Spec) (bool, error) {
	if spec.Interval <= 0 {
		return false, fmt.Errorf("%w: interval must be positive", ErrInvalidSpec)
	}
	if spec.EndOffset == 0 {
		spec.EndOffset = DefaultWindow
	}
	userID := h.Session.UserID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrShutdown
	}
	prev := s.jobs[userID]
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	j := &job{
		handle: h,
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
		snapshot: models.CamperJob{
			UserID:      userID,
			Interval:    spec.Interval,
			StartOffset: spec.StartOffset,
			EndOffset:   spec.EndOffset,
			State:       models.JobPending,
			StartedAt:   now,
			EndsAt:      now.Add(spec.EndOffset),
		},
	}
	s.jobs[userID] = j
	s.mu.Unlock()

	replaced := false
	if prev != nil && prev.stop(models.CauseManual) {
		<-prev.done
		replaced = true
	}

	s.logger.Info("camper scheduled",
		zap.String("user_id", userID),
		zap.Duration("interval", spec.Interval),
		zap.Duration("start", spec.StartOffset),
		zap.Duration("end", spec.EndOffset),
		zap.Bool("replaced", replaced),
	)
	go s.loop(ctx, j)
	return replaced, nil
}

// Stop cancels the user's job. It reports whether a job was running.
func (s *Scheduler) Stop(userID string) bool {
	s.mu.Lock()
	j := s.jobs[userID]
	s.mu.Unlock()

	if j == nil || !j.stop(models.CauseManual) {
		return false
	}
	<-j.done
	s.pub.Publish(userID, notify.Event{Type: notify.EventInfo, Text: "Camping schedule cancelled."})
	return true
}

// Job returns a snapshot of the user's latest job
func (s *Scheduler) Job(userID string) (models.CamperJob, bool) {
	s.mu.Lock()
	j := s.jobs[userID]
	s.mu.Unlock()

	if j == nil {
		return models.CamperJob{}, false
	}
	return j.view(), true
}

// Shutdown stops every job and waits for them
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		j.stop(models.CauseManual)
	}
	for _, j := range jobs {
		<-j.done
	}
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer close(j.done)
	userID := j.handle.Session.UserID
	logger := s.logger.With(zap.String("user_id", userID))

	end := time.NewTimer(j.spec.EndOffset)
	defer end.Stop()
	first := time.NewTimer(j.spec.StartOffset)
	defer first.Stop()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	errs := make(chan error, 1)

	for {
		select {
		case <-ctx.Done():
			j.firing.Wait()
			select {
			case err := <-errs:
				s.terminate(j, err)
			default:
			}
			logger.Info("camper stopped", zap.String("cause", string(j.view().Cause)))
			return

		case <-end.C:
			if !j.finish(models.CauseWindowEnded, nil) {
				continue
			}
			j.cancel()
			j.firing.Wait()
			if err := j.handle.Client.Close(false); err != nil {
				logger.Warn("close client at window end", zap.Error(err))
			}
			logger.Info("camper window ended")
			s.pub.Publish(userID, notify.Event{Type: notify.EventCamperEnded, Text: "Camping window ended."})
			return

		case err := <-errs:
			j.cancel()
			j.firing.Wait()
			s.terminate(j, err)
			return

		case <-first.C:
			ticker = time.NewTicker(j.spec.Interval)
			tick = ticker.C
			j.setState(models.JobRunning)
			s.fire(ctx, j, errs)

		case <-tick:
			s.fire(ctx, j, errs)
		}
	}
}

// fire starts a firing unless the previous one, or a manual command, still
// holds the guard
func (s *Scheduler) fire(ctx context.Context, j *job, errs chan<- error) {
	if ctx.Err() != nil {
		return
	}
	h := j.handle
	if !h.TryAcquire() {
		j.mu.Lock()
		j.snapshot.Skipped++
		j.mu.Unlock()
		s.logger.Debug("firing skipped, previous still running", zap.String("user_id", h.Session.UserID))
		return
	}
	if ctx.Err() != nil {
		h.Release()
		return
	}

	j.mu.Lock()
	j.snapshot.Firings++
	j.mu.Unlock()

	j.firing.Add(1)
	go func() {
		defer j.firing.Done()
		defer h.Release()

		err := s.run(ctx, h)
		if err == nil || ctx.Err() != nil {
			return
		}
		// no firing may start once one has failed
		j.cancel()
		select {
		case errs <- err:
		default:
		}
	}()
}

func (s *Scheduler) terminate(j *job, err error) {
	userID := j.handle.Session.UserID
	if errors.Is(err, portal.ErrTokenExpired) || errors.Is(err, portal.ErrSessionStopped) {
		if !j.finish(models.CauseTokenExpiry, err) {
			return
		}
		s.logger.Warn("camper stopped, token expired", zap.String("user_id", userID), zap.Error(err))
		s.pub.Publish(userID, notify.Event{
			Type: notify.EventCamperStopped,
			Text: "Token expired. Camping schedule cancelled.",
		})
		return
	}

	if !j.finish(models.CauseError, err) {
		return
	}
	s.logger.Error("camper stopped on error", zap.String("user_id", userID), zap.Error(err))
	s.pub.Publish(userID, notify.Event{
		Type: notify.EventCamperStopped,
		Text: fmt.Sprintf("Camping schedule cancelled due to errors: %v", err),
	})
}

// stop cancels a job that has not finished yet
func (j *job) stop(cause models.TerminationCause) bool {
	if !j.finish(cause, nil) {
		return false
	}
	j.cancel()
	return true
}

// finish records the terminal state once; later calls report false
func (j *job) finish(cause models.TerminationCause, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.snapshot.State == models.JobStopped {
		return false
	}
	j.snapshot.State = models.JobStopped
	j.snapshot.Cause = cause
	if err != nil {
		j.snapshot.Err = err.Error()
	}
	return true
}

func (j *job) setState(state models.JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snapshot.State != models.JobStopped {
		j.snapshot.State = state
	}
}

func (j *job) view() models.CamperJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot
}

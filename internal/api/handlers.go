package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/booking"
	"github.com/shehryarbajwa/slotcamper/internal/camper"
	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/notify"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/internal/session"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

// bookingTimeout bounds a booking started over the API, including the time a
// human takes to answer the captcha
const bookingTimeout = 10 * time.Minute

// Deps are the services the handlers drive
type Deps struct {
	Sessions  *session.Manager
	Checker   *camper.Checker
	Scheduler *camper.Scheduler
	Hub       *notify.Hub
	Prompt    *captcha.Prompt
	Solver    captcha.Solver
	Headless  bool
	MaxDates  int
	// MinCampInterval defaults to camper.MinInterval
	MinCampInterval time.Duration
	Logger          *zap.Logger
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger

	// bookings run past the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	if deps.MinCampInterval == 0 {
		deps.MinCampInterval = camper.MinInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels running bookings and waits for them
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

type sessionResponse struct {
	UserID     string                `json:"userId"`
	CourseType string                `json:"courseType"`
	AccountBal float64               `json:"accountBal"`
	Months     []int                 `json:"months"`
	Autobook   models.AutobookPolicy `json:"autobook"`
	State      string                `json:"state"`
	Scheduled  int                   `json:"scheduled"`
	Released   int                   `json:"released"`
}

func newSessionResponse(hd *session.Handle) sessionResponse {
	s := hd.Session
	cfg, profile := s.CurrentConfig(), s.CurrentProfile()
	return sessionResponse{
		UserID:     s.UserID,
		CourseType: profile.CourseType,
		AccountBal: profile.AccountBal,
		Months:     cfg.Months,
		Autobook:   cfg.Autobook,
		State:      hd.Client.State().String(),
		Scheduled:  len(s.ScheduledBookings()),
		Released:   len(s.ReleasedSlots()),
	}
}

// LoadSession handles POST /v1/users/{id}/session
func (h *Handler) LoadSession(w http.ResponseWriter, r *http.Request) {
	hd, ok := h.handle(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(hd))
}

// CloseSession handles DELETE /v1/users/{id}/session. It waits for the
// user's running command, such as a booking, to finish.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	h.deps.Scheduler.Stop(userID)
	if hd, ok := h.deps.Sessions.Lookup(userID); ok {
		if err := hd.Acquire(r.Context()); err != nil {
			h.fail(w, err)
			return
		}
		defer hd.Release()
	}
	if err := h.deps.Sessions.Close(userID); err != nil {
		h.logger.Warn("close session", zap.String("user_id", userID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshAuth handles POST /v1/users/{id}/auth/refresh?force=
func (h *Handler) RefreshAuth(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		var err error
		if force, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
	}

	applied, err := h.deps.Sessions.RefreshAuth(userID, force)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := map[string]any{"applied": applied}
	if hd, ok := h.deps.Sessions.Lookup(userID); ok {
		resp["state"] = hd.Client.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Check handles POST /v1/users/{id}/check
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	hd, ok := h.guarded(w, r)
	if !ok {
		return
	}
	defer hd.Release()

	report, err := h.deps.Checker.Check(r.Context(), hd)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListSlots handles GET /v1/users/{id}/slots
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	hd, ok := h.handle(w, r)
	if !ok {
		return
	}
	slots := hd.Session.ReleasedSlots()
	out := make([]models.Slot, 0, len(slots))
	for _, key := range slots.Keys() {
		out = append(out, slots[key])
	}
	writeJSON(w, http.StatusOK, out)
}

// Schedule handles GET /v1/users/{id}/schedule. The user's bookings are
// fetched from the portal and saved.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	hd, ok := h.guarded(w, r)
	if !ok {
		return
	}
	defer hd.Release()

	bookings, err := h.refreshSchedule(r.Context(), hd)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

type bookRequest struct {
	Slots []string `json:"slots"`
	All   bool     `json:"all"`
	Auto  bool     `json:"auto"`
}

// Book handles POST /v1/users/{id}/book. The transaction runs in the
// background; captcha prompts and the outcome arrive as events.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Auto && h.deps.Solver == nil {
		writeError(w, http.StatusBadRequest, captcha.ErrNoSolver.Error())
		return
	}

	hd, ok := h.guarded(w, r)
	if !ok {
		return
	}

	tx := booking.New(hd.Session, hd.Client, booking.Options{
		Auto:     req.Auto,
		Solver:   h.deps.Solver,
		Answerer: h.deps.Prompt,
		MaxDates: h.deps.MaxDates,
		Logger:   h.logger,
	})
	var err error
	if req.All {
		err = tx.SelectAll()
	} else {
		err = tx.Select(req.Slots...)
	}
	if err == nil && len(tx.Chosen()) == 0 {
		err = booking.ErrNothingChosen
	}
	if err != nil {
		hd.Release()
		h.fail(w, err)
		return
	}

	runID := uuid.NewString()
	chosen := tx.Chosen().Keys()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer hd.Release()
		h.runBooking(hd, tx, runID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":  runID,
		"chosen": chosen,
	})
}

func (h *Handler) runBooking(hd *session.Handle, tx *booking.Transaction, runID string) {
	userID := hd.Session.UserID
	logger := h.logger.With(zap.String("user_id", userID), zap.String("run_id", runID))
	ctx, cancel := context.WithTimeout(h.ctx, bookingTimeout)
	defer cancel()

	if err := h.ensureOpen(ctx, hd); err != nil {
		logger.Warn("booking not started", zap.Error(err))
		h.deps.Hub.Publish(userID, notify.Event{Type: notify.EventBookingResult, Text: "Booking failed: " + err.Error()})
		return
	}

	confirmed, total, err := tx.Confirm(ctx)
	if err == nil && confirmed > 0 {
		h.deps.Hub.Publish(userID, notify.Event{
			Type: notify.EventInfo,
			Text: strconv.Itoa(confirmed) + " of " + strconv.Itoa(total) + " chosen slots can be booked.",
		})
		_, err = tx.Submit(ctx)
	}

	out := tx.Outcome()
	if out != nil {
		h.deps.Hub.Publish(userID, notify.Event{
			Type: notify.EventBookingResult,
			Text: out.Summary(),
			Data: map[string]any{"outcome": out, "runId": runID},
		})
	}
	if err != nil {
		logger.Warn("booking failed", zap.Error(err))
		return
	}

	if out != nil && out.Booked() > 0 {
		if _, err := h.refreshSchedule(ctx, hd); err != nil {
			logger.Warn("refresh schedule after booking", zap.Error(err))
		}
	}
}

type captchaRequest struct {
	Code string `json:"code"`
}

// AnswerCaptcha handles POST /v1/users/{id}/captcha
func (h *Handler) AnswerCaptcha(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req captchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if err := h.deps.Prompt.Submit(userID, req.Code); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelBooking handles POST /v1/users/{id}/bookings/{bookingId}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["bookingId"]

	hd, ok := h.guarded(w, r)
	if !ok {
		return
	}
	defer hd.Release()

	var target *models.Booking
	for _, b := range hd.Session.ScheduledBookings() {
		if b.BookingID == bookingID {
			target = &b
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "booking not found in the saved schedule")
		return
	}

	if err := h.ensureOpen(r.Context(), hd); err != nil {
		h.fail(w, err)
		return
	}
	msg, err := hd.Client.CancelBooking(r.Context(), target.BookingID, target.DataType)
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.refreshSchedule(r.Context(), hd); err != nil {
		h.logger.Warn("refresh schedule after cancel", zap.String("user_id", hd.Session.UserID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (h *Handler) refreshSchedule(ctx context.Context, hd *session.Handle) ([]models.Booking, error) {
	if err := h.ensureOpen(ctx, hd); err != nil {
		return nil, err
	}
	bookings, err := hd.Client.ListScheduledBookings(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Sessions.SaveSchedule(hd.Session, bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (h *Handler) ensureOpen(ctx context.Context, hd *session.Handle) error {
	if hd.Client.State() != portal.StateClosed {
		return nil
	}
	return hd.Client.Open(ctx, h.deps.Headless)
}

// handle loads the path user's handle, writing the error response on failure
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) (*session.Handle, bool) {
	hd, err := h.deps.Sessions.Handle(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	return hd, true
}

// guarded is handle plus the user's guard; the caller releases it
func (h *Handler) guarded(w http.ResponseWriter, r *http.Request) (*session.Handle, bool) {
	hd, ok := h.handle(w, r)
	if !ok {
		return nil, false
	}
	if !hd.TryAcquire() {
		h.fail(w, session.ErrBusy)
		return nil, false
	}
	return hd, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidUserID),
		errors.Is(err, booking.ErrUnknownSlot),
		errors.Is(err, booking.ErrNothingChosen),
		errors.Is(err, camper.ErrInvalidSpec),
		errors.Is(err, models.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, portal.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, portal.ErrSessionStopped),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, captcha.ErrNoPendingChallenge):
		return http.StatusConflict
	case errors.Is(err, portal.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, portal.ErrTransient):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

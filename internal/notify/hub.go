// Package notify fans out per-user events to live subscribers such as
// websocket clients.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the type of notification event
type EventType string

const (
	// EventSlotFound announces a newly released slot
	EventSlotFound EventType = "slot_found"

	// EventBookingResult reports the outcome of a booking transaction
	EventBookingResult EventType = "booking_result"

	// EventCaptchaRequired carries a captcha image awaiting a human answer
	EventCaptchaRequired EventType = "captcha_required"

	// EventCamperStopped is sent when a camper job ends on an error
	EventCamperStopped EventType = "camper_stopped"

	// EventCamperEnded is sent when a camper job reaches the end of its window
	EventCamperEnded EventType = "camper_ended"

	// EventInfo is a free-form status message
	EventInfo EventType = "info"
)

const defaultBuffer = 64

// Event is a notification for one user
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	Text      string         `json:"text"`
	Image     []byte         `json:"image,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JSON returns the event encoded as JSON
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Publisher publishes events to a user
type Publisher interface {
	Publish(userID string, ev Event)
}

// Subscription receives a user's events until cancelled
type Subscription struct {
	ID     string
	UserID string
	Events <-chan Event

	events chan Event
	hub    *Hub
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub delivers events to every subscriber of a user without blocking the
// publisher
type Hub struct {
	logger *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

// NewHub creates a hub. buffer <= 0 selects the default per-subscriber buffer.
func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Publish stamps ev and delivers it. A subscriber whose buffer is full misses
// the event.
func (h *Hub) Publish(userID string, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.UserID = userID

	h.logger.Info("event",
		zap.String("user_id", userID),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("text", ev.Text),
	)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[userID] {
		select {
		case sub.events <- ev:
		default:
			h.logger.Warn("subscriber buffer full, event dropped",
				zap.String("user_id", userID),
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", ev.ID),
			)
		}
	}
}

// Subscribe registers a new subscriber for a user
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		Events: ch,
		events: ch,
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[string]*Subscription)
	}
	h.subs[userID][sub.ID] = sub
	h.logger.Debug("subscribed", zap.String("user_id", userID), zap.String("subscription_id", sub.ID))
	return sub
}

// Subscribers counts a user's live subscribers
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close detaches every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for userID, subs := range h.subs {
		for _, sub := range subs {
			close(sub.events)
		}
		delete(h.subs, userID)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.UserID]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	close(sub.events)
	if len(subs) == 0 {
		delete(h.subs, sub.UserID)
	}
}

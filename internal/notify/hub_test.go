package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesUserSubscribers(t *testing.T) {
	h := NewHub(nil, 4)
	a := h.Subscribe("u1")
	b := h.Subscribe("u1")
	other := h.Subscribe("u2")

	h.Publish("u1", Event{Type: EventSlotFound, Text: "2025-04-29 Session 3"})

	for _, sub := range []*Subscription{a, b} {
		ev := <-sub.Events
		assert.Equal(t, EventSlotFound, ev.Type)
		assert.Equal(t, "u1", ev.UserID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Empty(t, other.Events)
}

func TestFullBufferDropsEvent(t *testing.T) {
	h := NewHub(nil, 1)
	sub := h.Subscribe("u1")

	h.Publish("u1", Event{Type: EventInfo, Text: "first"})
	h.Publish("u1", Event{Type: EventInfo, Text: "second"})

	ev := <-sub.Events
	assert.Equal(t, "first", ev.Text)
	assert.Empty(t, sub.Events)
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(nil, 0)
	sub := h.Subscribe("u1")
	require.Equal(t, 1, h.Subscribers("u1"))

	sub.Cancel()
	sub.Cancel()

	_, ok := <-sub.Events
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers("u1"))

	// publishing with no subscribers is fine
	h.Publish("u1", Event{Type: EventInfo})
}

func TestCloseDetachesAll(t *testing.T) {
	h := NewHub(nil, 0)
	sub := h.Subscribe("u1")
	h.Close()

	_, ok := <-sub.Events
	assert.False(t, ok)

	late := h.Subscribe("u1")
	_, ok = <-late.Events
	assert.False(t, ok)
	late.Cancel()
}

func TestEventJSON(t *testing.T) {
	ev := Event{ID: "e1", Type: EventCaptchaRequired, UserID: "u1", Image: []byte("png")}

	var m map[string]any
	require.NoError(t, json.Unmarshal(ev.JSON(), &m))
	assert.Equal(t, "captcha_required", m["type"])
	assert.Equal(t, "cG5n", m["image"])
}

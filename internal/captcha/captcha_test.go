package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/slotcamper/internal/notify"
)

func TestHTTPSolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req solveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		img, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)

		text := "ab12c"
		if string(img) == "blurry" {
			text = "ab1"
		}
		json.NewEncoder(w).Encode(solveResponse{Text: text})
	}))
	defer srv.Close()

	s := NewHTTPSolver(srv.URL, time.Second)

	code, err := s.Solve(context.Background(), []byte("clear"))
	require.NoError(t, err)
	assert.Equal(t, "ab12c", code)

	_, err = s.Solve(context.Background(), []byte("blurry"))
	assert.ErrorIs(t, err, ErrLowConfidence)
}

func TestHTTPSolverServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSolver(srv.URL, time.Second).Solve(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCheck(t *testing.T) {
	code, err := Check(" 1a2b3 ")
	require.NoError(t, err)
	assert.Equal(t, "1a2b3", code)

	_, err = Check("123456")
	assert.ErrorIs(t, err, ErrLowConfidence)
}

func TestPromptRoundTrip(t *testing.T) {
	hub := notify.NewHub(nil, 4)
	sub := hub.Subscribe("u1")
	p := NewPrompt(hub, nil)

	done := make(chan string, 1)
	go func() {
		code, err := p.Answer(context.Background(), "u1", []byte("img"))
		assert.NoError(t, err)
		done <- code
	}()

	ev := <-sub.Events
	assert.Equal(t, notify.EventCaptchaRequired, ev.Type)
	assert.Equal(t, []byte("img"), ev.Image)

	require.Eventually(t, func() bool { return p.Pending("u1") }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit("u1", "zz9zz"))
	assert.Equal(t, "zz9zz", <-done)
	assert.False(t, p.Pending("u1"))
}

func TestPromptSubmitWithoutChallenge(t *testing.T) {
	p := NewPrompt(notify.NewHub(nil, 0), nil)
	assert.ErrorIs(t, p.Submit("u1", "abcde"), ErrNoPendingChallenge)
}

func TestPromptCancelled(t *testing.T) {
	p := NewPrompt(notify.NewHub(nil, 0), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Answer(ctx, "u1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.Pending("u1"))
}

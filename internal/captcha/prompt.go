package captcha

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/notify"
)

// ErrNoPendingChallenge means an answer arrived with nobody waiting for it
var ErrNoPendingChallenge = errors.New("no captcha is awaiting an answer")

// Prompt asks the user for captcha answers through notifications. One
// challenge can be pending per user.
type Prompt struct {
	pub    notify.Publisher
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan string
}

// NewPrompt creates a prompt that publishes challenges to pub
func NewPrompt(pub notify.Publisher, logger *zap.Logger) *Prompt {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prompt{
		pub:     pub,
		logger:  logger,
		pending: make(map[string]chan string),
	}
}

// Answer publishes the image and blocks until Submit or ctx is done
func (p *Prompt) Answer(ctx context.Context, userID string, image []byte) (string, error) {
	ch := make(chan string, 1)

	p.mu.Lock()
	p.pending[userID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending[userID] == ch {
			delete(p.pending, userID)
		}
		p.mu.Unlock()
	}()

	p.pub.Publish(userID, notify.Event{
		Type:  notify.EventCaptchaRequired,
		Text:  "Enter the captcha code",
		Image: image,
	})

	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		p.logger.Info("captcha prompt abandoned", zap.String("user_id", userID), zap.Error(ctx.Err()))
		return "", ctx.Err()
	}
}

// Submit delivers a user's answer to the pending challenge
func (p *Prompt) Submit(userID, code string) error {
	p.mu.Lock()
	ch, ok := p.pending[userID]
	if ok {
		delete(p.pending, userID)
	}
	p.mu.Unlock()

	if !ok {
		return ErrNoPendingChallenge
	}
	ch <- code
	return nil
}

// Pending reports whether a user has a challenge awaiting an answer
func (p *Prompt) Pending(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[userID]
	return ok
}

// Package captcha turns booking captcha images into answers, either through an
// external OCR service or by asking the user.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CodeLength is the length of every portal captcha code
const CodeLength = 5

var (
	// ErrLowConfidence means the solver produced something that cannot be a code
	ErrLowConfidence = errors.New("captcha answer has wrong length")

	// ErrNoSolver means automatic solving was requested without a solver
	ErrNoSolver = errors.New("no captcha solver configured")
)

// Solver reads a captcha image and returns its code
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Answerer obtains a captcha answer for a user, possibly from a human
type Answerer interface {
	Answer(ctx context.Context, userID string, image []byte) (string, error)
}

// Check normalizes a code and rejects answers of the wrong length
func Check(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != CodeLength {
		return "", fmt.Errorf("%w: %q", ErrLowConfidence, code)
	}
	return code, nil
}

// HTTPSolver posts captcha images to an OCR endpoint
type HTTPSolver struct {
	url    string
	client *http.Client
}

// NewHTTPSolver creates a solver for the OCR service at url
func NewHTTPSolver(url string, timeout time.Duration) *HTTPSolver {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSolver{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type solveRequest struct {
	Image string `json:"image"`
}

type solveResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Solve sends the image base64-encoded and validates the returned text
func (s *HTTPSolver) Solve(ctx context.Context, image []byte) (string, error) {
	body, err := json.Marshal(solveRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return "", fmt.Errorf("encode solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("solve captcha: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read solve response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("solver returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out solveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode solve response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("solver: %s", out.Error)
	}
	return Check(out.Text)
}

// SolverFunc adapts a function to Solver
type SolverFunc func(ctx context.Context, image []byte) (string, error)

func (f SolverFunc) Solve(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

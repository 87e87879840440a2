package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout = errors.New("timed out waiting for response")
	ErrClosed  = errors.New("browser closed")
)

// Response is a captured network response
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// JSON decodes the response body into v
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response from %s: %w", r.URL, err)
	}
	return nil
}

// Driver drives one browser page against the portal
type Driver interface {
	// Navigate loads url in the page
	Navigate(ctx context.Context, url string) error

	// AwaitResponse runs trigger and waits up to timeout for a response whose
	// URL matches the glob pattern
	AwaitResponse(ctx context.Context, pattern string, timeout time.Duration, trigger func() error) (*Response, error)

	// Click clicks the first element matching selector
	Click(ctx context.Context, selector string) error

	// Fill types value into the element matching selector
	Fill(ctx context.Context, selector, value string) error

	// RawPost issues a POST from the page's request context, sharing its cookies
	RawPost(ctx context.Context, url string, headers map[string]string, body any) (*Response, error)

	// URL returns the page's current URL
	URL() string

	// Close releases the page and everything behind it
	Close() error
}

// LaunchOptions configures a new driver
type LaunchOptions struct {
	UserID           string
	Headless         bool
	BaseURL          string
	UserAgent        string
	StorageStatePath string
	// BackendPattern selects requests that get ExtraHeaders attached
	BackendPattern string
	ExtraHeaders   map[string]string
}

// Launcher creates drivers
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Driver, error)
}

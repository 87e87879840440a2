package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

// PlaywrightLauncher launches Chromium pages through playwright-go, either
// locally or on a container from a Pool
type PlaywrightLauncher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	initialized bool
	pool        *Pool
	logger      *zap.Logger
}

// NewPlaywrightLauncher creates a launcher. A nil pool launches browsers locally.
func NewPlaywrightLauncher(pool *Pool, logger *zap.Logger) *PlaywrightLauncher {
	return &PlaywrightLauncher{pool: pool, logger: logger}
}

// Initialize installs and starts the playwright driver
func (l *PlaywrightLauncher) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if l.pool != nil {
		// remote browsers only need the driver
		opts.SkipInstallBrowsers = true
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	l.pw = pw
	l.initialized = true
	return nil
}

// Launch starts a browser, context and page for one user
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	if err := l.Initialize(); err != nil {
		return nil, err
	}

	var (
		browser  playwright.Browser
		instance *Instance
		err      error
	)
	if l.pool != nil {
		instance, err = l.pool.LaunchBrowser(ctx, opts.UserID)
		if err != nil {
			return nil, err
		}
		browser, err = l.pw.Chromium.ConnectOverCDP(instance.ConnectURL)
		if err != nil {
			l.stopInstance(instance)
			return nil, fmt.Errorf("failed to connect to remote browser: %w", err)
		}
	} else {
		browser, err = l.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(opts.Headless),
			Args:     []string{"--window-size=1280,900", "--disable-infobars"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(ua),
		Viewport:  &playwright.Size{Width: 1280, Height: 900},
	}
	if opts.BaseURL != "" {
		contextOpts.BaseURL = playwright.String(opts.BaseURL)
	}
	if opts.StorageStatePath != "" {
		if _, err := os.Stat(opts.StorageStatePath); err == nil {
			contextOpts.StorageStatePath = playwright.String(opts.StorageStatePath)
		}
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		l.stopInstance(instance)
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	d := &playwrightDriver{
		browser:  browser,
		context:  bctx,
		instance: instance,
		launcher: l,
		logger:   l.logger.With(zap.String("user_id", opts.UserID)),
	}
	d.headers.Store(opts.ExtraHeaders)

	if opts.BackendPattern != "" {
		err := bctx.Route(opts.BackendPattern, func(route playwright.Route) {
			h := route.Request().Headers()
			if extra, _ := d.headers.Load().(map[string]string); extra != nil {
				for k, v := range extra {
					h[k] = v
				}
			}
			if err := route.Fallback(playwright.RouteFallbackOptions{Headers: h}); err != nil {
				d.logger.Debug("route fallback failed", zap.Error(err))
			}
		})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to install header route: %w", err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	d.page = page

	return d, nil
}

// Shutdown stops playwright
func (l *PlaywrightLauncher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized && l.pw != nil {
		if err := l.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		l.initialized = false
	}
	return nil
}

func (l *PlaywrightLauncher) stopInstance(instance *Instance) {
	if instance == nil || l.pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.pool.StopBrowser(ctx, instance.ContainerID); err != nil {
		l.logger.Warn("failed to stop browser container", zap.String("container_id", instance.ContainerID), zap.Error(err))
	}
}

type playwrightDriver struct {
	browser  playwright.Browser
	context  playwright.BrowserContext
	page     playwright.Page
	instance *Instance
	launcher *PlaywrightLauncher
	logger   *zap.Logger
	headers  atomicHeaders

	closeOnce sync.Once
	closeErr  error
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.page.Goto(url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (d *playwrightDriver) AwaitResponse(ctx context.Context, pattern string, timeout time.Duration, trigger func() error) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := d.page.ExpectResponse(pattern, trigger, playwright.PageExpectResponseOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, pattern)
		}
		return nil, fmt.Errorf("await %s: %w", pattern, err)
	}
	body, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{URL: resp.URL(), Status: resp.Status(), Body: body}, nil
}

func (d *playwrightDriver) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.page.Locator(selector).First().Click()
}

func (d *playwrightDriver) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.page.Locator(selector).First().Fill(value)
}

func (d *playwrightDriver) RawPost(ctx context.Context, url string, headers map[string]string, body any) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := d.page.Request().Post(url, playwright.APIRequestContextPostOptions{
		Headers: headers,
		Data:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Dispose()

	data, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{URL: resp.URL(), Status: resp.Status(), Body: data}, nil
}

func (d *playwrightDriver) URL() string {
	if d.page == nil {
		return ""
	}
	return d.page.URL()
}

// SetHeaders swaps the headers attached to backend requests
func (d *playwrightDriver) SetHeaders(h map[string]string) {
	d.headers.Store(h)
}

func (d *playwrightDriver) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.page != nil {
			errs = append(errs, d.page.Close())
		}
		errs = append(errs, d.context.Close(), d.browser.Close())
		d.launcher.stopInstance(d.instance)
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

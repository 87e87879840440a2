package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/slotcamper/internal/api"
	"github.com/shehryarbajwa/slotcamper/internal/browser"
	"github.com/shehryarbajwa/slotcamper/internal/camper"
	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/config"
	"github.com/shehryarbajwa/slotcamper/internal/logging"
	"github.com/shehryarbajwa/slotcamper/internal/notify"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
	"github.com/shehryarbajwa/slotcamper/internal/ratelimit"
	"github.com/shehryarbajwa/slotcamper/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, dotenv, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !dotenv {
		logger.Info("no .env file found, using system environment variables")
	}
	logger.Info("starting slotcamper",
		zap.String("portal", cfg.PortalBaseURL),
		zap.String("data_dir", cfg.DataDir),
		zap.String("browser_mode", string(cfg.BrowserMode)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Browser launcher, locally or in docker containers
	var pool *browser.Pool
	if cfg.BrowserMode == config.BrowserDocker {
		pool, err = browser.NewPool(browser.PoolOptions{
			Image:    cfg.BrowserImage,
			Timezone: cfg.Location.String(),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err = pool.EnsureImage(pullCtx)
		if err == nil {
			_, err = pool.Sweep(pullCtx)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("prepare browser containers: %w", err)
		}
		logger.Info("browser image ready", zap.String("image", cfg.BrowserImage))
	}
	launcher := browser.NewPlaywrightLauncher(pool, logger)
	defer launcher.Shutdown()

	// Portal calls are paced per user
	limiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RequestBurst)

	sessions := session.NewManager(session.Options{
		Root:     cfg.DataDir,
		Launcher: launcher,
		Client: portal.Options{
			BaseURL:         cfg.PortalBaseURL,
			Headless:        cfg.Headless,
			ResponseTimeout: cfg.ResponseTimeout,
			Jitter:          cfg.JitterMax,
			Limiter:         limiter,
		},
		Location: cfg.Location,
		Logger:   logger,
	})

	hub := notify.NewHub(logger, 0)
	prompt := captcha.NewPrompt(hub, logger)

	var solver captcha.Solver
	if cfg.CaptchaSolverURL != "" {
		solver = captcha.NewHTTPSolver(cfg.CaptchaSolverURL, 30*time.Second)
	} else {
		logger.Warn("CAPTCHA_SOLVER_URL not set, autobooking will fail at the captcha")
	}

	checker := camper.NewChecker(hub, camper.CheckerOptions{
		Profiles: sessions,
		Headless: cfg.Headless,
		Pause:    cfg.DiscoveryPause,
		Location: cfg.Location,
		MaxDates: cfg.MaxBookingDates,
		Solver:   solver,
		Logger:   logger,
	})
	scheduler := camper.NewScheduler(checker.Run, hub, logger)

	handler := api.NewHandler(api.Deps{
		Sessions:  sessions,
		Checker:   checker,
		Scheduler: scheduler,
		Hub:       hub,
		Prompt:    prompt,
		Solver:    solver,
		Headless:  cfg.Headless,
		MaxDates:  cfg.MaxBookingDates,
		Logger:    logger,
	})

	// A check walks several months with pauses in between, so writes get a
	// long timeout
	apiLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RequestBurst)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.SetupRoutes(apiLimiter, cfg.RequestsPerHour),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		scheduler.Shutdown()
		handler.Close()
		hub.Close()
		if cerr := sessions.Shutdown(); cerr != nil {
			logger.Warn("closing sessions", zap.Error(cerr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

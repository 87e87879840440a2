package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// BrowserMode selects where the headless browser runs
type BrowserMode string

const (
	BrowserLocal  BrowserMode = "local"
	BrowserDocker BrowserMode = "docker"
)

// Config holds process-wide settings read from the environment
type Config struct {
	ListenAddr       string
	DataDir          string
	PortalBaseURL    string
	Headless         bool
	BrowserMode      BrowserMode
	BrowserImage     string
	CaptchaSolverURL string
	RequestsPerHour  int
	RequestBurst     int
	JitterMax        time.Duration
	DiscoveryPause   time.Duration
	ResponseTimeout  time.Duration
	Location         *time.Location
	MaxBookingDates  int
	LogLevel         string
	LogFormat        string
}

// Load reads .env (if present) and the process environment
func Load() (*Config, bool, error) {
	dotenv := godotenv.Load() == nil

	loc, err := time.LoadLocation(getenv("TIMEZONE", "Asia/Singapore"))
	if err != nil {
		return nil, dotenv, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	cfg := &Config{
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		DataDir:          getenv("DATA_DIR", "./user"),
		PortalBaseURL:    getenv("PORTAL_BASE_URL", "https://booking.bbdc.sg"),
		BrowserImage:     getenv("BROWSER_IMAGE", "browserless/chrome:latest"),
		BrowserMode:      BrowserMode(getenv("BROWSER_MODE", string(BrowserLocal))),
		CaptchaSolverURL: os.Getenv("CAPTCHA_SOLVER_URL"),
		Location:         loc,
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "console"),
	}

	if cfg.Headless, err = getBool("HEADLESS", true); err != nil {
		return nil, dotenv, err
	}
	if cfg.RequestsPerHour, err = getInt("REQUESTS_PER_HOUR", 600); err != nil {
		return nil, dotenv, err
	}
	if cfg.RequestBurst, err = getInt("REQUEST_BURST", 10); err != nil {
		return nil, dotenv, err
	}
	if cfg.MaxBookingDates, err = getInt("MAX_BOOKING_DATES", 0); err != nil {
		return nil, dotenv, err
	}
	if cfg.JitterMax, err = getDuration("JITTER_MAX", 20*time.Second); err != nil {
		return nil, dotenv, err
	}
	if cfg.DiscoveryPause, err = getDuration("DISCOVERY_PAUSE", 10*time.Second); err != nil {
		return nil, dotenv, err
	}
	if cfg.ResponseTimeout, err = getDuration("RESPONSE_TIMEOUT", 30*time.Second); err != nil {
		return nil, dotenv, err
	}

	switch cfg.BrowserMode {
	case BrowserLocal, BrowserDocker:
	default:
		return nil, dotenv, fmt.Errorf("invalid BROWSER_MODE %q", cfg.BrowserMode)
	}

	return cfg, dotenv, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

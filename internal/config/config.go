package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tabvolume daemon.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// HTTP control API
	BindAddr       string
	PortCandidates []string
	AutoFallback   bool

	// Logging
	LogLevel string
	LogFile  string

	// Timing
	EvalTimeoutMS    int
	RequestTimeoutMS int
	PollIntervalMS   int
	ScanIntervalMS   int

	// Volume ceiling exposed to the control surface, in percent.
	MaxVolume float64

	// Browser lifecycle
	LaunchBrowser     bool
	BrowserProfileDir string

	// Optional YAML file with URL filters and startup URLs.
	FilterFile string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:          getEnvOrDefault("TABVOLUME_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("TABVOLUME_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}),
		AutoFallback:      getEnvBoolOrDefault("TABVOLUME_PORT_AUTO_FALLBACK", true),
		LogLevel:          strings.ToLower(getEnvOrDefault("TABVOLUME_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("TABVOLUME_LOG_FILE", "logs/tabvolume.log"),
		EvalTimeoutMS:     getEnvIntOrDefault("TABVOLUME_EVAL_TIMEOUT_MS", 5000),
		RequestTimeoutMS:  getEnvIntOrDefault("TABVOLUME_REQUEST_TIMEOUT_MS", 5000),
		PollIntervalMS:    getEnvIntOrDefault("TABVOLUME_POLL_INTERVAL_MS", 1000),
		ScanIntervalMS:    getEnvIntOrDefault("TABVOLUME_SCAN_INTERVAL_MS", 5000),
		MaxVolume:         getEnvFloatOrDefault("TABVOLUME_MAX_VOLUME", 600),
		LaunchBrowser:     getEnvBoolOrDefault("TABVOLUME_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("TABVOLUME_BROWSER_PROFILE_DIR", "./browser_profile"),
		FilterFile:        getEnvOrDefault("TABVOLUME_FILTER_FILE", ""),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.RequestTimeoutMS < 100 {
		cfg.RequestTimeoutMS = 100
	}
	if cfg.PollIntervalMS < 250 {
		cfg.PollIntervalMS = 250
	}
	if cfg.ScanIntervalMS < 500 {
		cfg.ScanIntervalMS = 500
	}
	if cfg.MaxVolume < 100 {
		return nil, fmt.Errorf("config: TABVOLUME_MAX_VOLUME must be at least 100, got %v", cfg.MaxVolume)
	}
	return cfg, nil
}

// CDPURL returns the full CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

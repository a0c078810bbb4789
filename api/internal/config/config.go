package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultListen is the control API address the desktop clients expect.
const DefaultListen = "127.0.0.1:49490"

// MinSecretLength is the shortest API secret accepted off loopback.
const MinSecretLength = 32

// Config holds all dynamic configuration for the daemon.
// Precedence: defaults < YAML file < environment < command-line flags.
type Config struct {
	Environment    string   `yaml:"environment"` // "development" or "production"
	Listen         string   `yaml:"listen"`
	StateDir       string   `yaml:"state_dir"`
	EngineBinary   string   `yaml:"engine_binary"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Autostart      bool     `yaml:"autostart"`
	LogLevel       string   `yaml:"log_level"`

	// 🛡️ Zero-Trust Identity: empty disables bearer auth (loopback only).
	APISecret string `yaml:"api_secret"`

	RateLimit float64 `yaml:"rate_limit"` // requests per second per client, 0 disables
	RateBurst int     `yaml:"rate_burst"`

	StartTimeout time.Duration `yaml:"start_timeout"`
	StopGrace    time.Duration `yaml:"stop_grace"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	stateDir := ".proxyctl"
	if dir, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "proxyctl")
	}
	return &Config{
		Environment:    "production",
		Listen:         DefaultListen,
		StateDir:       stateDir,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		Autostart:      true,
		LogLevel:       "info",
		RateLimit:      20,
		RateBurst:      40,
		StartTimeout:   2 * time.Second,
		StopGrace:      3 * time.Second,
	}
}

// RegisterFlags declares every flag Load understands on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "path to a YAML config file (env PROXYCTL_CONFIG)")
	fs.String("env", d.Environment, "environment: development or production")
	fs.String("listen", d.Listen, "control API listen address")
	fs.String("state-dir", d.StateDir, "directory holding the registry and runtime config")
	fs.String("engine-binary", "", "engine executable (default: xray next to this binary)")
	fs.StringSlice("cors-origins", d.AllowedOrigins, "allowed browser origins")
	fs.Bool("autostart", d.Autostart, "start the engine at boot when a config is active")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Float64("rate-limit", d.RateLimit, "requests per second per client (0 disables)")
	fs.Int("rate-burst", d.RateBurst, "rate limiter burst")
	fs.Duration("start-timeout", d.StartTimeout, "how long to wait for the engine to report it started")
	fs.Duration("stop-grace", d.StopGrace, "how long a stopping engine may take before it is killed")
}

// Load builds the configuration. fs may be nil; otherwise it must have been
// prepared with RegisterFlags and parsed, and only flags set explicitly
// override lower layers.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// A missing .env file is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()

	path := getEnv("PROXYCTL_CONFIG", "")
	if fs != nil && fs.Changed("config") {
		path, _ = fs.GetString("config")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := cfg.mergeFlags(fs); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	c.Environment = getEnv("PROXYCTL_ENV", c.Environment)
	c.Listen = getEnv("PROXYCTL_LISTEN", c.Listen)
	c.StateDir = getEnv("PROXYCTL_STATE_DIR", c.StateDir)
	c.EngineBinary = getEnv("PROXYCTL_ENGINE_BINARY", c.EngineBinary)
	c.APISecret = getEnv("PROXYCTL_API_SECRET", c.APISecret)
	c.LogLevel = getEnv("PROXYCTL_LOG_LEVEL", c.LogLevel)

	if origins := getEnv("PROXYCTL_CORS_ORIGINS", ""); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}

	var err error
	if v := getEnv("PROXYCTL_AUTOSTART", ""); v != "" {
		if c.Autostart, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("PROXYCTL_AUTOSTART: %w", err)
		}
	}
	if v := getEnv("PROXYCTL_RATE_LIMIT", ""); v != "" {
		if c.RateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("PROXYCTL_RATE_LIMIT: %w", err)
		}
	}
	if v := getEnv("PROXYCTL_RATE_BURST", ""); v != "" {
		if c.RateBurst, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("PROXYCTL_RATE_BURST: %w", err)
		}
	}
	if v := getEnv("PROXYCTL_START_TIMEOUT", ""); v != "" {
		if c.StartTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("PROXYCTL_START_TIMEOUT: %w", err)
		}
	}
	if v := getEnv("PROXYCTL_STOP_GRACE", ""); v != "" {
		if c.StopGrace, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("PROXYCTL_STOP_GRACE: %w", err)
		}
	}
	return nil
}

func (c *Config) mergeFlags(fs *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetDuration(name)
		}
	}

	str("env", &c.Environment)
	str("listen", &c.Listen)
	str("state-dir", &c.StateDir)
	str("engine-binary", &c.EngineBinary)
	str("log-level", &c.LogLevel)
	dur("start-timeout", &c.StartTimeout)
	dur("stop-grace", &c.StopGrace)

	if err == nil && fs.Changed("cors-origins") {
		c.AllowedOrigins, err = fs.GetStringSlice("cors-origins")
	}
	if err == nil && fs.Changed("autostart") {
		c.Autostart, err = fs.GetBool("autostart")
	}
	if err == nil && fs.Changed("rate-limit") {
		c.RateLimit, err = fs.GetFloat64("rate-limit")
	}
	if err == nil && fs.Changed("rate-burst") {
		c.RateBurst, err = fs.GetInt("rate-burst")
	}
	return err
}

// Validate rejects configurations the daemon must not boot with.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen address %q: %w", c.Listen, err)
	}
	if c.StateDir == "" {
		return errors.New("state dir must not be empty")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit and burst must not be negative")
	}

	// 🛡️ Zero-Trust: an API reachable from the network must demand a token.
	if c.Environment == "production" && !c.IsLoopback() {
		if c.APISecret == "" {
			return fmt.Errorf("PROXYCTL_API_SECRET is required when listening on %s in production", c.Listen)
		}
		if len(c.APISecret) < MinSecretLength {
			return fmt.Errorf("PROXYCTL_API_SECRET must be at least %d characters", MinSecretLength)
		}
	}
	return nil
}

// IsLoopback reports whether the listener only accepts local connections.
func (c *Config) IsLoopback() bool {
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenPort is the numeric port of the listener, 0 when it cannot be parsed.
func (c *Config) ListenPort() int {
	_, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

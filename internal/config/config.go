// Package config handles loading and validation of aipulse configuration.
// It loads from .env files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/onllm-dev/aipulse/internal/notify"
)

// Config holds process configuration. Runtime settings (refresh mode,
// thresholds, DND) live in the database, not here.
type Config struct {
	DBPath         string // AIPULSE_DB_PATH
	DBPathExplicit bool   // true if set by --db or AIPULSE_DB_PATH
	LogLevel       string // AIPULSE_LOG_LEVEL
	Secret         string // AIPULSE_SECRET, encrypts stored credentials

	// Claude provider
	ClaudeBaseURL string        // AIPULSE_CLAUDE_BASE_URL
	ClaudeTimeout time.Duration // AIPULSE_CLAUDE_TIMEOUT (seconds → Duration)

	// Claude Code OAuth provider
	OAuthUsageURL string // AIPULSE_OAUTH_USAGE_URL

	// Metrics and health endpoint
	Host           string // AIPULSE_HOST (bind address, default: 127.0.0.1)
	Port           int    // AIPULSE_PORT
	MetricsEnabled bool   // AIPULSE_METRICS (default on)
	AdminUser      string // AIPULSE_ADMIN_USER, Basic Auth for everything but /healthz
	AdminPass      string // AIPULSE_ADMIN_PASS

	// Email alerts
	SMTPHost     string   // AIPULSE_SMTP_HOST
	SMTPPort     int      // AIPULSE_SMTP_PORT
	SMTPUser     string   // AIPULSE_SMTP_USER
	SMTPPass     string   // AIPULSE_SMTP_PASS
	SMTPProtocol string   // AIPULSE_SMTP_PROTOCOL (tls, starttls, none)
	SMTPFrom     string   // AIPULSE_SMTP_FROM
	SMTPFromName string   // AIPULSE_SMTP_FROM_NAME
	SMTPTo       []string // AIPULSE_SMTP_TO (comma separated)

	DebugMode bool // --debug flag (foreground mode)
	TestMode  bool // --test flag (test mode isolation)
}

// Flags are CLI overrides; zero values mean "not set".
type Flags struct {
	Port  int
	DB    string
	Debug bool
	Test  bool
}

// Load reads configuration from .env file, environment variables, and CLI flags.
// Flags take precedence over environment variables.
func Load(flags Flags) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	if flags.DB != "" {
		cfg.DBPath = flags.DB
		cfg.DBPathExplicit = true
	} else if env := os.Getenv("AIPULSE_DB_PATH"); env != "" {
		cfg.DBPath = env
		cfg.DBPathExplicit = true
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("AIPULSE_LOG_LEVEL"))
	cfg.Secret = os.Getenv("AIPULSE_SECRET")

	cfg.ClaudeBaseURL = strings.TrimRight(os.Getenv("AIPULSE_CLAUDE_BASE_URL"), "/")
	cfg.OAuthUsageURL = os.Getenv("AIPULSE_OAUTH_USAGE_URL")
	if secs, ok := envInt("AIPULSE_CLAUDE_TIMEOUT"); ok {
		cfg.ClaudeTimeout = time.Duration(secs) * time.Second
	}

	cfg.Host = os.Getenv("AIPULSE_HOST")
	if flags.Port > 0 {
		cfg.Port = flags.Port
	} else if v, ok := envInt("AIPULSE_PORT"); ok {
		cfg.Port = v
	}
	cfg.MetricsEnabled = !isOff(os.Getenv("AIPULSE_METRICS"))
	cfg.AdminUser = os.Getenv("AIPULSE_ADMIN_USER")
	cfg.AdminPass = os.Getenv("AIPULSE_ADMIN_PASS")

	cfg.SMTPHost = os.Getenv("AIPULSE_SMTP_HOST")
	if v, ok := envInt("AIPULSE_SMTP_PORT"); ok {
		cfg.SMTPPort = v
	}
	cfg.SMTPUser = os.Getenv("AIPULSE_SMTP_USER")
	cfg.SMTPPass = os.Getenv("AIPULSE_SMTP_PASS")
	cfg.SMTPProtocol = strings.ToLower(os.Getenv("AIPULSE_SMTP_PROTOCOL"))
	cfg.SMTPFrom = os.Getenv("AIPULSE_SMTP_FROM")
	cfg.SMTPFromName = os.Getenv("AIPULSE_SMTP_FROM_NAME")
	cfg.SMTPTo = splitList(os.Getenv("AIPULSE_SMTP_TO"))

	cfg.DebugMode = flags.Debug
	cfg.TestMode = flags.Test

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(name string) (int, bool) {
	env := os.Getenv(name)
	if env == "" {
		return 0, false
	}
	v, err := strconv.Atoi(env)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isOff(v string) bool {
	switch strings.ToLower(v) {
	case "0", "false", "off", "no":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		if c.IsDockerEnvironment() {
			c.DBPath = "/data/aipulse.db"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DBPath = "./aipulse.db"
			} else {
				c.DBPath = filepath.Join(home, ".aipulse", "data", "aipulse.db")
			}
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ClaudeBaseURL == "" {
		c.ClaudeBaseURL = "https://claude.ai/api"
	}
	if c.ClaudeTimeout == 0 {
		c.ClaudeTimeout = 30 * time.Second
	}
	if c.OAuthUsageURL == "" {
		c.OAuthUsageURL = "https://api.anthropic.com/api/oauth/usage"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 9212
	}
	if c.SMTPProtocol == "" {
		c.SMTPProtocol = "starttls"
	}
	if c.SMTPPort == 0 {
		switch c.SMTPProtocol {
		case "tls":
			c.SMTPPort = 465
		case "none":
			c.SMTPPort = 25
		default:
			c.SMTPPort = 587
		}
	}
	if c.SMTPFromName == "" {
		c.SMTPFromName = "aipulse"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	if !strings.HasPrefix(c.ClaudeBaseURL, "http://") && !strings.HasPrefix(c.ClaudeBaseURL, "https://") {
		return fmt.Errorf("AIPULSE_CLAUDE_BASE_URL must be an http(s) URL")
	}

	if !strings.HasPrefix(c.OAuthUsageURL, "http://") && !strings.HasPrefix(c.OAuthUsageURL, "https://") {
		return fmt.Errorf("AIPULSE_OAUTH_USAGE_URL must be an http(s) URL")
	}

	if c.ClaudeTimeout < time.Second || c.ClaudeTimeout > 5*time.Minute {
		return fmt.Errorf("claude timeout must be between 1s and 5m")
	}

	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}

	if (c.AdminUser == "") != (c.AdminPass == "") {
		return fmt.Errorf("AIPULSE_ADMIN_USER and AIPULSE_ADMIN_PASS must be set together")
	}

	switch c.SMTPProtocol {
	case "tls", "starttls", "none":
	default:
		return fmt.Errorf("AIPULSE_SMTP_PROTOCOL must be tls, starttls or none")
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("SMTP port must be between 1 and 65535")
	}
	if c.SMTPHost != "" && (c.SMTPFrom == "" || len(c.SMTPTo) == 0) {
		return fmt.Errorf("AIPULSE_SMTP_HOST is set: AIPULSE_SMTP_FROM and AIPULSE_SMTP_TO are required")
	}

	return nil
}

// SlogLevel returns the configured level for slog handlers.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SMTP returns the email channel settings.
func (c *Config) SMTP() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUser,
		Password: c.SMTPPass,
		Protocol: c.SMTPProtocol,
		FromAddr: c.SMTPFrom,
		FromName: c.SMTPFromName,
		ToAddrs:  c.SMTPTo,
	}
}

// ListenAddr is the metrics server bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  Secret: %s,\n", redactSecret(c.Secret))
	fmt.Fprintf(&sb, "  ClaudeBaseURL: %s,\n", c.ClaudeBaseURL)
	fmt.Fprintf(&sb, "  ClaudeTimeout: %v,\n", c.ClaudeTimeout)
	fmt.Fprintf(&sb, "  OAuthUsageURL: %s,\n", c.OAuthUsageURL)
	fmt.Fprintf(&sb, "  Listen: %s,\n", c.ListenAddr())
	fmt.Fprintf(&sb, "  MetricsEnabled: %v,\n", c.MetricsEnabled)
	if c.AdminUser != "" {
		fmt.Fprintf(&sb, "  AdminUser: %s,\n", c.AdminUser)
		fmt.Fprintf(&sb, "  AdminPass: ****,\n")
	}
	if c.SMTPHost != "" {
		fmt.Fprintf(&sb, "  SMTP: %s:%d (%s),\n", c.SMTPHost, c.SMTPPort, c.SMTPProtocol)
		fmt.Fprintf(&sb, "  SMTPUser: %s,\n", c.SMTPUser)
		fmt.Fprintf(&sb, "  SMTPPass: %s,\n", redactSecret(c.SMTPPass))
		fmt.Fprintf(&sb, "  SMTPTo: %v,\n", c.SMTPTo)
	} else {
		fmt.Fprintf(&sb, "  SMTP: (not set),\n")
	}
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// redactSecret masks a secret for display.
func redactSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 7 {
		return "***...***"
	}
	return s[:4] + "***...***" + s[len(s)-3:]
}

// LogWriter returns the log destination.
// In debug mode and in Docker it is os.Stdout; otherwise a file next to the DB.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode || c.IsDockerEnvironment() {
		return os.Stdout, nil
	}

	logPath := c.LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// LogPath is the background-mode log file.
func (c *Config) LogPath() string {
	logName := ".aipulse.log"
	if c.TestMode {
		logName = ".aipulse-test.log"
	}
	return filepath.Join(filepath.Dir(c.DBPath), logName)
}

// IsDockerEnvironment detects if running inside a Docker container.
// Checks for /.dockerenv or the DOCKER_CONTAINER environment variable.
func (c *Config) IsDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("DOCKER_CONTAINER") != ""
}

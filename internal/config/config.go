package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mail source kinds.
const (
	SourceIMAP  = "imap"
	SourceGmail = "gmail"
	SourceFiles = "files"
)

// History drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Result stores for the web server.
const (
	ResultsMemory = "memory"
	ResultsRedis  = "redis"
)

// Secrets that may be supplied through the environment or a .env file
// instead of the config file.
const (
	EnvIMAPPassword      = "TRAINALYZE_IMAP_PASSWORD"
	EnvGmailClientSecret = "TRAINALYZE_GMAIL_CLIENT_SECRET"
	EnvGmailRefreshToken = "TRAINALYZE_GMAIL_REFRESH_TOKEN"
	EnvCSRFKey           = "TRAINALYZE_CSRF_KEY"
	EnvSMTPPassword      = "TRAINALYZE_SMTP_PASSWORD"
)

const (
	defaultLookbackDays = 365
	defaultMaxMessages  = 300
	defaultWorkers      = 4
	defaultKeywordLimit = 10
	defaultRateLimitMs  = 100
	defaultWebPort      = 8080
	defaultSessionTTL   = 24 * time.Hour
	defaultScansPerMin  = 6
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Source      string        `yaml:"source"` // "imap", "gmail" or "files"
	Inbox       InboxConfig   `yaml:"inbox,omitempty"`
	Gmail       GmailConfig   `yaml:"gmail,omitempty"`
	Files       FilesConfig   `yaml:"files,omitempty"`
	Scan        ScanConfig    `yaml:"scan"`
	CatalogFile string        `yaml:"catalog_file,omitempty"` // replaces the built-in catalogue
	History     HistoryConfig `yaml:"history"`
	Web         WebConfig     `yaml:"web"`
	Notify      NotifyConfig  `yaml:"notify,omitempty"`
}

// InboxConfig holds IMAP settings
type InboxConfig struct {
	Provider string `yaml:"provider"` // "gmail", "outlook", "imap"
	Server   string `yaml:"server"`   // e.g., "imap.gmail.com"
	Port     int    `yaml:"port"`     // e.g., 993
	Email    string `yaml:"email"`
	Password string `yaml:"password"` // App password (not main password)
	Folder   string `yaml:"folder"`   // default: "INBOX"
}

// GmailConfig holds the OAuth client and refresh token for the Gmail API.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	User         string `yaml:"user"`               // default: "me"
	BaseURL      string `yaml:"base_url,omitempty"` // API root, for testing
}

type FilesConfig struct {
	Paths []string `yaml:"paths"`
}

type ScanConfig struct {
	LookbackDays int  `yaml:"lookback_days"`
	MaxMessages  int  `yaml:"max_messages"`
	Workers      int  `yaml:"workers"`
	KeywordLimit int  `yaml:"keyword_limit"`
	RateLimitMs  int  `yaml:"rate_limit_ms"` // minimum gap between provider requests
	HTMLFallback bool `yaml:"html_fallback"`
}

type HistoryConfig struct {
	Disabled bool   `yaml:"disabled"`
	Driver   string `yaml:"driver"` // "sqlite" or "postgres"
	DSN      string `yaml:"dsn"`    // file path for sqlite, connection URL for postgres
}

type WebConfig struct {
	Host           string        `yaml:"host"` // default: "127.0.0.1"
	Port           int           `yaml:"port"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	Results        string        `yaml:"results"` // "memory" or "redis"
	RedisURL       string        `yaml:"redis_url,omitempty"`
	ScansPerMinute int           `yaml:"scans_per_minute"`
	CSRFKey        string        `yaml:"csrf_key,omitempty"` // 32 bytes; random per process when empty
	TrustedOrigins []string      `yaml:"trusted_origins,omitempty"`
}

// NotifyConfig controls the digest mailed after a scan. Empty To disables it.
type NotifyConfig struct {
	To   string     `yaml:"to"`
	From string     `yaml:"from"`
	SMTP SMTPConfig `yaml:"smtp,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Enabled reports whether a digest recipient is configured.
func (n NotifyConfig) Enabled() bool {
	return n.To != ""
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".trainalyze", "config.yaml")
}

// Default returns a configuration with every default filled in and no
// mail source.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a config file. A .env file in the working directory is loaded
// into the environment first, and ${VAR} references in the file are
// expanded before parsing.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := checkFilePermissions(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("insecure config file", "error", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scan.LookbackDays == 0 {
		c.Scan.LookbackDays = defaultLookbackDays
	}
	if c.Scan.MaxMessages == 0 {
		c.Scan.MaxMessages = defaultMaxMessages
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = defaultWorkers
	}
	if c.Scan.KeywordLimit == 0 {
		c.Scan.KeywordLimit = defaultKeywordLimit
	}
	if c.Scan.RateLimitMs == 0 {
		c.Scan.RateLimitMs = defaultRateLimitMs
	}

	// Set inbox defaults
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Password == "" {
		c.Inbox.Password = os.Getenv(EnvIMAPPassword)
	}

	if c.Gmail.User == "" {
		c.Gmail.User = "me"
	}
	if c.Gmail.ClientSecret == "" {
		c.Gmail.ClientSecret = os.Getenv(EnvGmailClientSecret)
	}
	if c.Gmail.RefreshToken == "" {
		c.Gmail.RefreshToken = os.Getenv(EnvGmailRefreshToken)
	}

	if c.History.Driver == "" {
		c.History.Driver = DriverSQLite
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = defaultWebPort
	}
	if c.Web.SessionTTL == 0 {
		c.Web.SessionTTL = defaultSessionTTL
	}
	if c.Web.Results == "" {
		c.Web.Results = ResultsMemory
	}
	if c.Web.ScansPerMinute == 0 {
		c.Web.ScansPerMinute = defaultScansPerMin
	}
	if c.Web.CSRFKey == "" {
		c.Web.CSRFKey = os.Getenv(EnvCSRFKey)
	}

	if c.Notify.Enabled() {
		if c.Notify.From == "" {
			c.Notify.From = c.Notify.To
		}
		if c.Notify.SMTP.Port == 0 {
			c.Notify.SMTP.Port = 587
		}
		if c.Notify.SMTP.Password == "" {
			c.Notify.SMTP.Password = os.Getenv(EnvSMTPPassword)
		}
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// RateLimit is the minimum gap between requests to the mail provider.
func (s ScanConfig) RateLimit() time.Duration {
	return time.Duration(s.RateLimitMs) * time.Millisecond
}

func (c *Config) Validate() error {
	if c.Scan.LookbackDays < 0 {
		return fmt.Errorf("scan: lookback_days must not be negative")
	}
	if c.Scan.MaxMessages < 0 {
		return fmt.Errorf("scan: max_messages must not be negative")
	}
	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan: workers must be at least 1")
	}

	switch c.History.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if !c.History.Disabled && c.History.DSN == "" {
			return fmt.Errorf("history: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history: unknown driver %q (sqlite or postgres)", c.History.Driver)
	}

	switch c.Web.Results {
	case ResultsMemory:
	case ResultsRedis:
		if c.Web.RedisURL == "" {
			return fmt.Errorf("web: redis_url is required when results is redis")
		}
	default:
		return fmt.Errorf("web: unknown results store %q (memory or redis)", c.Web.Results)
	}
	if c.Web.CSRFKey != "" && len(c.Web.CSRFKey) != 32 {
		return fmt.Errorf("web: csrf_key must be exactly 32 bytes")
	}

	if c.Notify.Enabled() && c.Notify.SMTP.Host == "" {
		return fmt.Errorf("notify.smtp: host is required")
	}

	return nil
}

// ValidateSource checks the settings of the configured mail source (only
// called when a scan needs one).
func (c *Config) ValidateSource() error {
	switch c.Source {
	case SourceIMAP:
		return c.ValidateInbox()
	case SourceGmail:
		return c.ValidateGmail()
	case SourceFiles:
		if len(c.Files.Paths) == 0 {
			return fmt.Errorf("files: at least one path is required")
		}
		return nil
	case "":
		return fmt.Errorf("source: no mail source configured (imap, gmail or files)")
	default:
		return fmt.Errorf("source: unknown mail source %q (imap, gmail or files)", c.Source)
	}
}

// ValidateInbox validates IMAP configuration
func (c *Config) ValidateInbox() error {
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

func (c *Config) ValidateGmail() error {
	if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" {
		return fmt.Errorf("gmail: client_id and client_secret are required")
	}
	if c.Gmail.RefreshToken == "" {
		return fmt.Errorf("gmail: refresh_token is required")
	}
	return nil
}

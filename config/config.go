package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DriverFile     = "file"
	DriverPostgres = "postgres"

	EnvAPIKey       = "BLOCKBERRY_API_KEY"
	EnvBotToken     = "BOT_TOKEN"
	EnvSnapshotDSN  = "SNAPSHOT_DSN"
	EnvTriggerToken = "DASHBOARD_TOKEN"
)

const (
	defaultAccountsFile      = "db/accounts.json"
	defaultPollInterval      = time.Minute
	defaultFetchTimeout      = 20 * time.Second
	defaultBalanceURL        = "https://api.blockberry.one/sui/v1"
	defaultRequestsPerSecond = 2.0
	defaultStorageDir        = "db"
	defaultJournalDir        = "wal/changes"
	defaultMaxRetries        = 3
	defaultDashboardAddr     = ":8080"
	defaultCertCache         = "cert-cache"
)

type Config struct {
	AccountsFile          string
	PollInterval          time.Duration
	ReportInitialBalances bool
	FetchTimeout          time.Duration
	LogLevel              zapcore.Level
	BalanceAPI            BalanceAPI
	Storage               Storage
	Journal               Journal
	Notify                Notify
	Dashboard             Dashboard
}

type BalanceAPI struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
}

type Storage struct {
	Driver string
	Dir    string
	DSN    string
}

type Journal struct {
	Dir string
}

type Notify struct {
	Telegram   bool
	ChatID     string
	BotToken   string
	MaxRetries int
	DedupeTTL  time.Duration
}

// Dashboard an empty Addr disables the HTTP server.
// Without a TriggerToken, cycles can only be triggered from loopback.
type Dashboard struct {
	Addr         string
	TLSDomains   []string
	CertCache    string
	TriggerToken string
}

// ConfigTmp is the raw yaml layout before defaults and validation.
type ConfigTmp struct {
	AccountsFile          string        `yaml:"accounts_file"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	ReportInitialBalances *bool         `yaml:"report_initial_balances,omitempty"`
	FetchTimeout          time.Duration `yaml:"fetch_timeout"`
	LogLevel              string        `yaml:"log_level"`
	BalanceAPI            struct {
		BaseURL              string `yaml:"base_url"`
		RequestsPerSecondStr string `yaml:"requests_per_second,omitempty"`
	} `yaml:"balance_api"`
	Storage struct {
		Driver string `yaml:"driver"`
		Dir    string `yaml:"dir"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Journal struct {
		Dir string `yaml:"dir"`
	} `yaml:"journal"`
	Notify struct {
		Telegram   *bool         `yaml:"telegram,omitempty"`
		ChatID     string        `yaml:"chat_id"`
		MaxRetries *int          `yaml:"max_retries,omitempty"`
		DedupeTTL  time.Duration `yaml:"dedupe_ttl"`
	} `yaml:"notify"`
	Dashboard struct {
		Addr       *string  `yaml:"addr,omitempty"`
		TLSDomains []string `yaml:"tls_domains"`
		CertCache  string   `yaml:"cert_cache"`
	} `yaml:"dashboard"`
}

// Load reads the yaml file at path. Secrets are taken from getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	return Parse(data, getenv)
}

// Parse decodes yaml data, applies defaults and validates the result.
func Parse(data []byte, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}

	c := Config{
		AccountsFile: orDefault(tmp.AccountsFile, defaultAccountsFile),
		PollInterval: tmp.PollInterval,
		FetchTimeout: tmp.FetchTimeout,
		LogLevel:     zapcore.InfoLevel,
		BalanceAPI: BalanceAPI{
			BaseURL:           orDefault(tmp.BalanceAPI.BaseURL, defaultBalanceURL),
			APIKey:            getenv(EnvAPIKey),
			RequestsPerSecond: defaultRequestsPerSecond,
		},
		Storage: Storage{
			Driver: strings.ToLower(orDefault(tmp.Storage.Driver, DriverFile)),
			Dir:    orDefault(tmp.Storage.Dir, defaultStorageDir),
			DSN:    tmp.Storage.DSN,
		},
		Journal: Journal{Dir: orDefault(tmp.Journal.Dir, defaultJournalDir)},
		Notify: Notify{
			Telegram:   true,
			ChatID:     strings.TrimSpace(tmp.Notify.ChatID),
			BotToken:   getenv(EnvBotToken),
			MaxRetries: defaultMaxRetries,
			DedupeTTL:  tmp.Notify.DedupeTTL,
		},
		Dashboard: Dashboard{
			Addr:         defaultDashboardAddr,
			TLSDomains:   tmp.Dashboard.TLSDomains,
			CertCache:    orDefault(tmp.Dashboard.CertCache, defaultCertCache),
			TriggerToken: strings.TrimSpace(getenv(EnvTriggerToken)),
		},
	}

	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if tmp.ReportInitialBalances != nil {
		c.ReportInitialBalances = *tmp.ReportInitialBalances
	}
	if tmp.Notify.Telegram != nil {
		c.Notify.Telegram = *tmp.Notify.Telegram
	}
	if tmp.Notify.MaxRetries != nil {
		c.Notify.MaxRetries = *tmp.Notify.MaxRetries
	}
	if tmp.Dashboard.Addr != nil {
		c.Dashboard.Addr = strings.TrimSpace(*tmp.Dashboard.Addr)
	}
	if dsn := getenv(EnvSnapshotDSN); dsn != "" {
		c.Storage.DSN = dsn
	}

	if tmp.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(tmp.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("incorrect 'log_level' param in yaml config: %s, error: %w", tmp.LogLevel, err)
		}
	}

	if tmp.BalanceAPI.RequestsPerSecondStr != "" {
		rps, err := strconv.ParseFloat(tmp.BalanceAPI.RequestsPerSecondStr, 64)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'requests_per_second' param in yaml config (must be a number), error: %w", err)
		}
		c.BalanceAPI.RequestsPerSecond = rps
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks cross field constraints.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("'poll_interval' must be positive, got %s", c.PollInterval)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("'fetch_timeout' must not be negative, got %s", c.FetchTimeout)
	}
	if c.BalanceAPI.RequestsPerSecond <= 0 {
		return fmt.Errorf("'requests_per_second' must be positive, got %v", c.BalanceAPI.RequestsPerSecond)
	}

	switch c.Storage.Driver {
	case DriverFile:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage driver %q requires 'dsn' or %s", DriverPostgres, EnvSnapshotDSN)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Notify.Telegram {
		if c.Notify.ChatID == "" {
			return errors.New("telegram notifications require 'chat_id'")
		}
		if c.Notify.BotToken == "" {
			return fmt.Errorf("telegram notifications require %s", EnvBotToken)
		}
	}
	if c.Notify.MaxRetries < 0 {
		return fmt.Errorf("'max_retries' must not be negative, got %d", c.Notify.MaxRetries)
	}
	if c.Notify.DedupeTTL < 0 {
		return fmt.Errorf("'dedupe_ttl' must not be negative, got %s", c.Notify.DedupeTTL)
	}

	return nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

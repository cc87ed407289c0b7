package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte("notify:\n  chat_id: \"-100\"\n"), env(map[string]string{
		EnvBotToken: "bot",
		EnvAPIKey:   "key",
	}))
	require.NoError(t, err)

	assert.Equal(t, "db/accounts.json", c.AccountsFile)
	assert.Equal(t, time.Minute, c.PollInterval)
	assert.Equal(t, 20*time.Second, c.FetchTimeout)
	assert.False(t, c.ReportInitialBalances)
	assert.Equal(t, zapcore.InfoLevel, c.LogLevel)
	assert.Equal(t, "https://api.blockberry.one/sui/v1", c.BalanceAPI.BaseURL)
	assert.Equal(t, "key", c.BalanceAPI.APIKey)
	assert.Equal(t, 2.0, c.BalanceAPI.RequestsPerSecond)
	assert.Equal(t, DriverFile, c.Storage.Driver)
	assert.Equal(t, "db", c.Storage.Dir)
	assert.Equal(t, "wal/changes", c.Journal.Dir)
	assert.True(t, c.Notify.Telegram)
	assert.Equal(t, "bot", c.Notify.BotToken)
	assert.Equal(t, 3, c.Notify.MaxRetries)
	assert.Equal(t, ":8080", c.Dashboard.Addr)
	assert.Equal(t, "cert-cache", c.Dashboard.CertCache)
	assert.Empty(t, c.Dashboard.TriggerToken)
}

func TestParse_FullConfig(t *testing.T) {
	data := []byte(`
accounts_file: accounts.json
poll_interval: 30s
report_initial_balances: true
fetch_timeout: 5s
log_level: debug
balance_api:
  base_url: http://localhost:9000
  requests_per_second: 0.5
storage:
  driver: postgres
  dsn: postgres://from-file
journal:
  dir: /tmp/journal
notify:
  telegram: false
  max_retries: 0
  dedupe_ttl: 10m
dashboard:
  addr: ""
  tls_domains: [watch.example.com]
`)
	c, err := Parse(data, env(map[string]string{
		EnvSnapshotDSN:  "postgres://from-env",
		EnvTriggerToken: " s3cret ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "accounts.json", c.AccountsFile)
	assert.Equal(t, 30*time.Second, c.PollInterval)
	assert.True(t, c.ReportInitialBalances)
	assert.Equal(t, 5*time.Second, c.FetchTimeout)
	assert.Equal(t, zapcore.DebugLevel, c.LogLevel)
	assert.Equal(t, 0.5, c.BalanceAPI.RequestsPerSecond)
	assert.Equal(t, DriverPostgres, c.Storage.Driver)
	assert.Equal(t, "postgres://from-env", c.Storage.DSN)
	assert.Equal(t, "/tmp/journal", c.Journal.Dir)
	assert.False(t, c.Notify.Telegram)
	assert.Equal(t, 0, c.Notify.MaxRetries)
	assert.Equal(t, 10*time.Minute, c.Notify.DedupeTTL)
	assert.Empty(t, c.Dashboard.Addr)
	assert.Equal(t, []string{"watch.example.com"}, c.Dashboard.TLSDomains)
	assert.Equal(t, "s3cret", c.Dashboard.TriggerToken)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
		msg  string
	}{
		{name: "negative poll interval", yaml: "poll_interval: -1s\nnotify: {telegram: false}", msg: "poll_interval"},
		{name: "unknown driver", yaml: "storage: {driver: redis}\nnotify: {telegram: false}", msg: "unknown storage driver"},
		{name: "postgres without dsn", yaml: "storage: {driver: postgres}\nnotify: {telegram: false}", msg: "dsn"},
		{name: "telegram without chat", yaml: "notify: {telegram: true}", env: map[string]string{EnvBotToken: "x"}, msg: "chat_id"},
		{name: "telegram without token", yaml: "notify: {chat_id: \"1\"}", msg: EnvBotToken},
		{name: "zero rps", yaml: "balance_api: {requests_per_second: 0}\nnotify: {telegram: false}", msg: "requests_per_second"},
		{name: "bad rps", yaml: "balance_api: {requests_per_second: fast}\nnotify: {telegram: false}", msg: "requests_per_second"},
		{name: "bad log level", yaml: "log_level: loud\nnotify: {telegram: false}", msg: "log_level"},
		{name: "negative retries", yaml: "notify: {telegram: false, max_retries: -1}", msg: "max_retries"},
		{name: "not yaml", yaml: "poll_interval: [", msg: "decode yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), env(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: 2m\nnotify: {telegram: false}\n"), 0o644))

	c, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, c.PollInterval)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	require.Error(t, err)
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", f.ConfigPath)
	assert.False(t, f.Setup)

	f, err = ParseFlags([]string{"-config", "/etc/coinwatch.yaml", "-setup"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/coinwatch.yaml", f.ConfigPath)
	assert.True(t, f.Setup)

	_, err = ParseFlags([]string{"-unknown"})
	require.Error(t, err)
}

package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/coinwatch/config"
	"github.com/vadiminshakov/coinwatch/internal/accounts"
	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// GeneratedConfig is the file written by the wizard.
const GeneratedConfig = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collected by the wizard.
type Answers struct {
	AccountsFile          string
	AccountAddress        string
	AccountName           string
	PollInterval          string
	ReportInitialBalances bool
	StorageDriver         string
	StorageDir            string
	StorageDSN            string
	Telegram              bool
	ChatID                string
	DedupeTTL             string
	DashboardAddr         string
}

// DefaultAnswers pre-filled wizard values.
func DefaultAnswers() Answers {
	return Answers{
		AccountsFile:  "db/accounts.json",
		PollInterval:  "1m",
		StorageDriver: config.DriverFile,
		StorageDir:    "db",
		Telegram:      true,
		DedupeTTL:     "0s",
		DashboardAddr: ":8080",
	}
}

func screen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("COINWATCH CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and returns the path of the generated config.
func RunTUI() (string, error) {
	a := DefaultAnswers()
	var confirm bool

	screen("STEP 1: ACCOUNTS")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Tracked Sui addresses live in a JSON file.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Accounts file").
				Value(&a.AccountsFile).
				Validate(notEmpty("accounts file")),
			huh.NewInput().
				Title("First account address").
				Description("Leave empty to keep an existing accounts file").
				Value(&a.AccountAddress),
			huh.NewInput().
				Title("First account name").
				Description("Used in notifications and snapshot file names").
				Value(&a.AccountName),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 2: TIMING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Poll interval").
				Description("Duration string (e.g. 30s, 1m, 5m)").
				Value(&a.PollInterval).
				Validate(validatePositiveDuration),
			huh.NewConfirm().
				Title("Report balances of newly seen accounts?").
				Description("No: the first observation only records a baseline").
				Value(&a.ReportInitialBalances),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 3: STORAGE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Snapshot storage").
				Options(
					huh.NewOption("JSON files", config.DriverFile),
					huh.NewOption("PostgreSQL", config.DriverPostgres),
				).
				Value(&a.StorageDriver),
		),
	).Run()
	if err != nil {
		return "", err
	}

	storageField := huh.NewInput().
		Title("Snapshot directory").
		Value(&a.StorageDir)
	if a.StorageDriver == config.DriverPostgres {
		storageField = huh.NewInput().
			Title("PostgreSQL DSN").
			Description("May also be provided later via " + config.EnvSnapshotDSN).
			Value(&a.StorageDSN)
	}
	if err := huh.NewForm(huh.NewGroup(storageField)).Run(); err != nil {
		return "", err
	}

	screen("STEP 4: NOTIFICATIONS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Send changes to Telegram?").
				Description("Bot token is read from " + config.EnvBotToken).
				Value(&a.Telegram),
		),
	).Run()
	if err != nil {
		return "", err
	}

	notifyFields := []huh.Field{
		huh.NewInput().
			Title("Suppress repeated changes for").
			Description("0s disables").
			Value(&a.DedupeTTL).
			Validate(validateDuration),
	}
	if a.Telegram {
		notifyFields = append([]huh.Field{
			huh.NewInput().
				Title("Telegram chat id").
				Value(&a.ChatID).
				Validate(notEmpty("chat id")),
		}, notifyFields...)
	}
	if err := huh.NewForm(huh.NewGroup(notifyFields...)).Run(); err != nil {
		return "", err
	}

	screen("STEP 5: DASHBOARD")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Dashboard listen address").
				Description("Empty disables the dashboard").
				Value(&a.DashboardAddr),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Accounts: %s\nInterval: %s\nStorage: %s\nTelegram: %v\nDashboard: %s\n",
		a.AccountsFile, a.PollInterval, a.StorageDriver, a.Telegram, a.DashboardAddr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	path, err := Write(".", a)
	if err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting monitor...", path)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return path, nil
}

// BuildConfig converts wizard answers into the yaml layout.
func BuildConfig(a Answers) (config.ConfigTmp, error) {
	var tmp config.ConfigTmp

	poll, err := time.ParseDuration(a.PollInterval)
	if err != nil {
		return tmp, fmt.Errorf("invalid poll interval: %w", err)
	}
	dedupe, err := time.ParseDuration(orZero(a.DedupeTTL))
	if err != nil {
		return tmp, fmt.Errorf("invalid dedupe ttl: %w", err)
	}

	report := a.ReportInitialBalances
	telegram := a.Telegram
	addr := strings.TrimSpace(a.DashboardAddr)

	tmp.AccountsFile = a.AccountsFile
	tmp.PollInterval = poll
	tmp.ReportInitialBalances = &report
	tmp.LogLevel = "info"
	tmp.Storage.Driver = a.StorageDriver
	tmp.Storage.Dir = a.StorageDir
	tmp.Storage.DSN = a.StorageDSN
	tmp.Notify.Telegram = &telegram
	tmp.Notify.ChatID = a.ChatID
	tmp.Notify.DedupeTTL = dedupe
	tmp.Dashboard.Addr = &addr

	return tmp, nil
}

// Write stores the generated config in dir and seeds the accounts file when an account was given
// and the file does not exist yet.
func Write(dir string, a Answers) (string, error) {
	tmp, err := BuildConfig(a)
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to generate yaml: %w", err)
	}

	path := filepath.Join(dir, GeneratedConfig)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save config file: %w", err)
	}

	if a.AccountAddress == "" || a.AccountName == "" {
		return path, nil
	}

	accountsPath := a.AccountsFile
	if !filepath.IsAbs(accountsPath) {
		accountsPath = filepath.Join(dir, accountsPath)
	}
	if _, err := os.Stat(accountsPath); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(accountsPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create accounts dir: %w", err)
	}
	list := []domain.Account{{Address: strings.TrimSpace(a.AccountAddress), Name: strings.TrimSpace(a.AccountName)}}
	if err := accounts.Save(accountsPath, list); err != nil {
		return "", err
	}

	return path, nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}

func validateDuration(s string) error {
	_, err := time.ParseDuration(orZero(s))
	return err
}

func validatePositiveDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func orZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0s"
	}
	return s
}

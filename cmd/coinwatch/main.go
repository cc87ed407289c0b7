// Command coinwatch polls Sui account balances and reports every change to Telegram.
//
// Usage:
//
//	coinwatch -config config.yaml
//	coinwatch -setup (interactive wizard, writes config.gen.yaml)
//
// Environment variables:
//
//	BLOCKBERRY_API_KEY  balance API key
//	BOT_TOKEN           Telegram bot token, required when notify.telegram is on
//	SNAPSHOT_DSN        PostgreSQL DSN, overrides storage.dsn
//	DASHBOARD_TOKEN     bearer token for POST /api/cycles; without it only loopback may trigger
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/coinwatch/config"
	"github.com/vadiminshakov/coinwatch/dashboard"
	"github.com/vadiminshakov/coinwatch/internal/accounts"
	"github.com/vadiminshakov/coinwatch/internal/clients"
	"github.com/vadiminshakov/coinwatch/internal/diff"
	"github.com/vadiminshakov/coinwatch/internal/events"
	"github.com/vadiminshakov/coinwatch/internal/metrics"
	"github.com/vadiminshakov/coinwatch/internal/monitor"
	"github.com/vadiminshakov/coinwatch/internal/notifier"
	"github.com/vadiminshakov/coinwatch/internal/setup"
	"github.com/vadiminshakov/coinwatch/internal/storage/changelog"
	"github.com/vadiminshakov/coinwatch/internal/storage/snapshots"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	configPath := flags.ConfigPath
	if flags.Setup {
		configPath, err = setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
	}

	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("coinwatch stopped", zap.Error(err))
	}

	logger.Info("coinwatch stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zcfg.Build()
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	tracked, err := accounts.Load(cfg.AccountsFile)
	if err != nil {
		return errors.Wrap(err, "load accounts")
	}

	store, closeStore, err := openSnapshotStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	journal, err := changelog.NewWALStore(cfg.Journal.Dir)
	if err != nil {
		return err
	}
	defer journal.Close()

	sender, err := newSender(logger, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fetcher := clients.NewBlockberryClient(cfg.BalanceAPI.BaseURL, cfg.BalanceAPI.APIKey,
		cfg.BalanceAPI.RequestsPerSecond, cfg.FetchTimeout)
	engine := diff.NewEngine(logger.Named("diff"), diff.Policy{ReportInitialBalances: cfg.ReportInitialBalances})

	feed := events.NewChangeBroadcaster(64)

	opts := []monitor.Option{
		monitor.WithJournal(journal),
		monitor.WithPublisher(feed),
		monitor.WithMetrics(metrics.New(reg)),
		monitor.WithFetchTimeout(cfg.FetchTimeout),
	}
	if deduper := notifier.NewDeduper(cfg.Notify.DedupeTTL); deduper != nil {
		opts = append(opts, monitor.WithFilter(deduper))
	}

	mon := monitor.NewMonitor(logger.Named("monitor"), tracked, fetcher, store, engine, sender, opts...)

	logger.Info("coinwatch started",
		zap.Int("accounts", len(tracked)),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("telegram", cfg.Notify.Telegram),
		zap.Duration("poll_interval", cfg.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx, cfg.PollInterval)
	})

	if cfg.Dashboard.Addr != "" {
		srv := dashboard.NewServer(logger.Named("dashboard"), cfg.Dashboard.Addr, mon, store, journal, tracked, reg)
		srv.Feed = feed
		srv.TriggerToken = cfg.Dashboard.TriggerToken
		g.Go(func() error {
			if len(cfg.Dashboard.TLSDomains) > 0 {
				return srv.StartWithAutoTLS(gctx, cfg.Dashboard.TLSDomains, cfg.Dashboard.CertCache)
			}
			return srv.Start(gctx)
		})
	}

	return g.Wait()
}

func openSnapshotStore(ctx context.Context, cfg config.Config) (snapshots.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := snapshots.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open postgres snapshot store")
		}
		return pg, pg.Close, nil
	default:
		fs, err := snapshots.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func newSender(logger *zap.Logger, cfg config.Config) (notifier.Sender, error) {
	if !cfg.Notify.Telegram {
		return notifier.NewLogSender(logger.Named("notify")), nil
	}

	return notifier.NewTelegram(logger.Named("telegram"), cfg.Notify.BotToken, cfg.Notify.ChatID, cfg.Notify.MaxRetries)
}

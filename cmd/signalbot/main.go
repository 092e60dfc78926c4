package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/api"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/archive"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/config"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/engine"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/exchange"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/lifecycle"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/notify"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/risk"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/strategy"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/util"
)

const version = "2.0"

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	envPath := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := config.LoadEnvFile(*envPath); err != nil {
		boot.Fatal().Err(err).Msg("load env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}

	log, closer, err := util.NewLogger(cfg.App.LogLevel, cfg.Resolve(cfg.App.LogFile))
	if err != nil {
		boot.Fatal().Err(err).Msg("open log")
	}
	defer closer.Close()

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("signal bot stopped")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	interval, err := cfg.BarInterval()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.App.DataDir, 0o755); err != nil {
		return err
	}
	lock, err := util.AcquireInstanceLock(cfg.App.DataDir)
	if err != nil {
		return err
	}
	defer lock.Close()

	storeOpts := []store.Option{
		store.WithLockTimeout(cfg.LockTimeout()),
		store.WithBookmarkMaxAge(cfg.MaxCandleAge()),
	}
	if cfg.Store.BackupDir != "" {
		storeOpts = append(storeOpts, store.WithBackups(
			cfg.Resolve(cfg.Store.BackupDir),
			time.Duration(cfg.Store.BackupIntervalSec)*time.Second,
			time.Duration(cfg.Store.BackupRetentionDay)*24*time.Hour,
		))
	}
	st, err := store.Open(cfg.Resolve(cfg.Store.File), log, storeOpts...)
	if err != nil {
		return err
	}

	deps := engine.Deps{Store: st}

	var arch *archive.Archive
	if cfg.Store.ArchiveFile != "" {
		if arch, err = archive.Open(cfg.Resolve(cfg.Store.ArchiveFile)); err != nil {
			return err
		}
		defer arch.Close()
		deps.Archive = arch
	}
	if cfg.Store.JournalFile != "" {
		journal, err := position.NewJSONLJournal(cfg.Resolve(cfg.Store.JournalFile))
		if err != nil {
			return err
		}
		defer journal.Close()
		deps.Journal = journal
	}

	hub := notify.NewHub(cfg.API.WSBuffer, log)
	multi := notify.NewMulti(log, notify.NewLogNotifier(log), hub)

	var commands *notify.Commands
	if cfg.Telegram.BotToken != "" {
		subs, err := notify.OpenSubscribers(cfg.Resolve(cfg.Telegram.SubscribersFile), time.Now)
		if err != nil {
			return err
		}
		tgOpts := []notify.TelegramOption{notify.WithSendRate(cfg.Telegram.SendRatePerSec)}
		if cfg.Telegram.BaseURL != "" {
			tgOpts = append(tgOpts, notify.WithTelegramURL(cfg.Telegram.BaseURL))
		}
		tg := notify.NewTelegram(cfg.Telegram.BotToken, subs, log, tgOpts...)
		multi.Add(tg)
		commands = notify.NewCommands(tg, subs, st, log)
	} else {
		log.Warn().Msg("telegram token not set, chat delivery disabled")
	}
	deps.Notifier = multi

	source, err := exchange.NewSource(cfg.Exchange.Provider, log,
		exchange.WithBaseURL(cfg.Exchange.BaseURL),
		exchange.WithCredentials(cfg.Exchange.APIKey, cfg.Exchange.APISecret),
		exchange.WithRetry(cfg.Exchange.RetryAttempts, time.Duration(cfg.Exchange.RetryBaseMs)*time.Millisecond),
		exchange.WithRateLimit(cfg.Exchange.RateLimitPerSec, 1),
	)
	if err != nil {
		return err
	}
	deps.Market = exchange.NewPoller(source, log,
		exchange.WithInterval(cfg.Strategy.Timeframe),
		exchange.WithKlineLimit(cfg.Exchange.KlineLimit),
		exchange.WithConcurrency(cfg.Exchange.Concurrency),
	)
	deps.Universe = exchange.NewUniverse(log, source, exchange.UniverseConfig{
		Count:           cfg.Universe.SymbolCount,
		MinVolume:       decimal.NewFromFloat(cfg.Universe.MinVolumeUSDT),
		Priority:        cfg.Universe.Priority,
		ExcludePatterns: cfg.Universe.Exclude,
		Manual:          cfg.Universe.Symbols,
		RefreshInterval: time.Duration(cfg.Universe.RefreshInterval) * time.Second,
	})

	strat := strategy.Build(cfg.Strategy.Mode, strategy.Params{
		Tolerance: cfg.Strategy.TouchTolerance,
		Epsilon:   cfg.Strategy.SideEpsilon,
		MaxAge:    cfg.MaxCandleAge(),
		Now:       time.Now,
	})
	if _, slope := strat.(*strategy.SlopeFiltered); cfg.Strategy.RequireSlopeAlignment && !slope {
		strat = strategy.NewSlopeFiltered(strat)
	}
	deps.Strategy = strat

	deps.Monitor = position.NewMonitor(
		position.WithPolicy(position.ParseWideBarPolicy(cfg.Monitor.WideBarPolicy)),
		position.WithCooldown(cfg.Cooldown()),
		position.WithNotional(decimal.NewFromFloat(cfg.Monitor.Notional)),
	)
	deps.Manager = lifecycle.NewManager(st, log,
		lifecycle.WithInterval(interval),
		lifecycle.WithThrottle(risk.NewThrottle(cfg.Signals.GlobalLimitPerMin, time.Minute, time.Now)),
		lifecycle.WithBookmarks(lifecycle.NewBookmarks(cfg.MaxCandleAge(), time.Now)),
	)
	deps.Ledger = position.NewLedger(cfg.Monitor.LedgerSize)

	eng, err := engine.New(deps, log,
		engine.WithPollInterval(cfg.PollInterval()),
		engine.WithEMAPeriod(cfg.Strategy.EMAPeriod, cfg.Strategy.Timeframe),
		engine.WithHousekeeping(cfg.Signals.BookmarkFlushEvery, cfg.Signals.CleanupEvery,
			time.Duration(cfg.Signals.CleanupAfterDays)*24*time.Hour),
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("provider", cfg.Exchange.Provider).
		Str("strategy", strat.Name()).
		Str("timeframe", cfg.Strategy.Timeframe).
		Int("ema_period", cfg.Strategy.EMAPeriod).
		Msg("signal bot started")

	if cfg.App.MetricsAddr != "" {
		msrv := metrics.Serve(cfg.App.MetricsAddr)
		defer msrv.Close()
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if commands != nil {
		g.Go(func() error { return commands.Run(gctx) })
	}
	if cfg.API.Addr != "" {
		srv := api.NewServer(st, eng, eng.Ledger(), hub, arch, api.Meta{
			Version:   version,
			Provider:  cfg.Exchange.Provider,
			Timeframe: cfg.Strategy.Timeframe,
			EMAPeriod: cfg.Strategy.EMAPeriod,
		}, log)
		g.Go(func() error { return srv.Run(gctx, cfg.API.Addr) })
	}
	return g.Wait()
}

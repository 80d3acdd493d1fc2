package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"candle-move-alerts/internal/alerting"
	"candle-move-alerts/internal/config"
	"candle-move-alerts/internal/fetcher"
	"candle-move-alerts/internal/scheduler"
	"candle-move-alerts/internal/service"
	"candle-move-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newService opens the alert store and wires the scan orchestrator.
func (a *App) newService() (*service.Service, func(), error) {
	db, err := storage.Open(a.Config.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := storage.Close(db); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close alert store")
		}
	}

	market := fetcher.NewBinance(fetcher.BinanceOptions{
		BaseURL:  a.Config.Market.BaseURL,
		Interval: a.Config.Market.Interval,
		Quote:    a.Config.Market.Quote,
		Excluded: a.Config.Market.ExcludedSet(),
		Timeout:  a.Config.Market.RequestTimeout,
	}, a.Logger)

	notifier := alerting.NewTelegramNotifier(alerting.TelegramOptions{
		BotToken: a.Config.Alerting.Telegram.BotToken,
		ChatID:   a.Config.Alerting.Telegram.ChatID,
		APIBase:  a.Config.Alerting.Telegram.APIBase,
	}, a.Logger)

	svc := service.New(a.Config, market, market, storage.NewAlertRepo(db), notifier, a.Logger)
	return svc, closer, nil
}

func (a *App) openRepo() (storage.AlertRepo, func(), error) {
	db, err := storage.Open(a.Config.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := storage.Close(db); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close alert store")
		}
	}
	return storage.NewAlertRepo(db), closer, nil
}

// Run executes the long-running watcher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, closeStore, err := a.newService()
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.PollInterval(),
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().
		Str("interval", a.Config.Market.Interval).
		Float64("threshold_pct", a.Config.Alerting.ThresholdPct).
		Int("poll_seconds", a.Config.Scheduler.PollSeconds).
		Str("quote", a.Config.Market.Quote).
		Msg("starting watcher")

	err = sched.Run(ctx, func(ctx context.Context) error {
		results, err := svc.Scan(ctx)
		if err != nil {
			return err
		}
		a.logSummary(results)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("watcher stopped")
	return nil
}

// Scan runs a single cycle and exits.
func (a *App) Scan(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, closeStore, err := a.newService()
	if err != nil {
		return err
	}
	defer closeStore()

	results, err := svc.Scan(ctx)
	if err != nil {
		return err
	}
	a.logSummary(results)
	return nil
}

func (a *App) logSummary(results []service.Result) {
	if len(results) == 0 {
		a.Logger.Info().Msg("no new alerts this cycle")
		return
	}
	parts := lo.Map(results, func(r service.Result, _ int) string {
		return fmt.Sprintf("%s:%s%%", r.Symbol, r.MovePct.Abs().StringFixed(2))
	})
	a.Logger.Info().
		Int("sent", len(results)).
		Str("alerts", strings.Join(parts, ", ")).
		Msg("alerts sent this cycle")
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"candle-move-alerts/internal/alerting"
	"candle-move-alerts/internal/config"
	"candle-move-alerts/internal/fetcher"
	"candle-move-alerts/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Result is one alert emitted during a scan cycle.
type Result struct {
	Symbol  string
	MovePct decimal.Decimal
}

// Service runs one scan cycle: symbol universe, bounded candle fan-out,
// move-threshold rule, dedup lookup, notification, record.
type Service struct {
	symbols  fetcher.SymbolLister
	candles  fetcher.CandleFetcher
	repo     storage.AlertRepo
	notifier alerting.Notifier
	logger   zerolog.Logger

	threshold   decimal.Decimal
	interval    string
	concurrency int
}

// New constructs the scan orchestrator.
func New(cfg *config.Config, symbols fetcher.SymbolLister, candles fetcher.CandleFetcher, repo storage.AlertRepo, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		symbols:     symbols,
		candles:     candles,
		repo:        repo,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		threshold:   decimal.NewFromFloat(cfg.Alerting.ThresholdPct),
		interval:    cfg.Market.Interval,
		concurrency: cfg.Market.Concurrency,
	}
}

// Scan executes one cycle and returns the alerts that were delivered.
// A universe fetch failure aborts the whole cycle; everything past that
// point is symbol-local and never affects sibling symbols.
func (s *Service) Scan(ctx context.Context) ([]Result, error) {
	symbols, err := s.symbols.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch symbol universe: %w", err)
	}

	var (
		mu   sync.Mutex
		sent []Result
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if res, ok := s.evaluate(ctx, symbol); ok {
				mu.Lock()
				sent = append(sent, res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return sent, nil
}

// evaluate applies the move rule to one symbol. It reports whether an
// alert was delivered for this candle.
func (s *Service) evaluate(ctx context.Context, symbol string) (Result, bool) {
	candle, err := s.candles.LatestCandle(ctx, symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("candle fetch failed")
		return Result{}, false
	}
	if candle == nil {
		return Result{}, false
	}

	if candle.Open.IsZero() {
		s.logger.Debug().Str("symbol", symbol).Msg("zero open price, skipping")
		return Result{}, false
	}

	pct := candle.Close.Sub(candle.Open).Div(candle.Open).Mul(hundred)
	if pct.Abs().LessThan(s.threshold) {
		return Result{}, false
	}

	openTime := candle.OpenTime.UnixMilli()

	// Fast path only; the store's unique key is the real guarantee. A read
	// error fails open so a corrupt lookup cannot suppress every alert.
	seen, err := s.repo.Exists(ctx, symbol, openTime)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("dedup lookup failed")
	}
	if seen {
		return Result{}, false
	}

	note := alerting.Notification{
		Symbol:       symbol,
		Interval:     s.interval,
		MovePct:      pct,
		ThresholdPct: s.threshold,
		Candle:       *candle,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		// Not recorded: the candle stays eligible for retry on the next
		// cycle while its open interval is still the latest.
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to deliver alert")
		return Result{}, false
	}

	if err := s.repo.Record(ctx, storage.Alert{
		Symbol:    symbol,
		OpenTime:  openTime,
		MovePct:   pct.StringFixed(2),
		Direction: note.Direction(),
		Interval:  s.interval,
	}); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to record alert")
	}

	return Result{Symbol: symbol, MovePct: pct}, true
}

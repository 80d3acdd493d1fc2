package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultRetryBase   = time.Second
)

// BinanceOptions parameterise the USDT-M futures fetcher.
type BinanceOptions struct {
	BaseURL     string
	Interval    string
	Quote       string
	Excluded    []string
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

// Binance fetches the perpetual symbol universe and per-symbol candles
// from the Binance futures REST API.
type Binance struct {
	cli      *futures.Client
	opts     BinanceOptions
	excluded map[string]struct{}
	logger   zerolog.Logger
}

// NewBinance constructs a futures market data fetcher.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	if opts.Interval == "" {
		opts.Interval = "15m"
	}

	cli := futures.NewClient("", "")
	if opts.BaseURL != "" {
		cli.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cli.HTTPClient = &http.Client{Timeout: opts.Timeout}

	return &Binance{
		cli:  cli,
		opts: opts,
		excluded: lo.SliceToMap(opts.Excluded, func(s string) (string, struct{}) {
			return strings.ToUpper(s), struct{}{}
		}),
		logger: logger.With().Str("component", "binance_fetcher").Logger(),
	}
}

// ListSymbols returns every symbol that is actively trading, is a perpetual
// contract, is quoted in the configured quote asset, and is not excluded.
func (b *Binance) ListSymbols(ctx context.Context) ([]string, error) {
	info, err := b.cli.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}

	symbols := lo.FilterMap(info.Symbols, func(s futures.Symbol, _ int) (string, bool) {
		if s.Status != "TRADING" {
			return "", false
		}
		if s.ContractType != "PERPETUAL" {
			return "", false
		}
		if s.QuoteAsset != b.opts.Quote {
			return "", false
		}
		if _, ok := b.excluded[s.Symbol]; ok {
			return "", false
		}
		return s.Symbol, s.Symbol != ""
	})

	return symbols, nil
}

// LatestCandle returns the most recent candle at the configured interval.
// Rate-limit and transport failures are retried with a linear backoff; once
// the retry budget is exhausted the symbol is reported as absent so that a
// single slow contract never aborts a whole scan.
func (b *Binance) LatestCandle(ctx context.Context, symbol string) (*Candle, error) {
	var lastErr error
	for attempt := 0; attempt < b.opts.MaxAttempts; attempt++ {
		klines, err := b.cli.NewKlinesService().
			Symbol(symbol).
			Interval(b.opts.Interval).
			Limit(1).
			Do(ctx)
		if err == nil {
			if len(klines) == 0 {
				return nil, nil
			}
			return b.convertKline(symbol, klines[0]), nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}

		// 1s, 3s, 5s...
		delay := b.opts.RetryBase * time.Duration(1+2*attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	b.logger.Warn().Err(lastErr).Str("symbol", symbol).Msg("giving up on candle fetch")
	return nil, nil
}

func (b *Binance) convertKline(symbol string, k *futures.Kline) *Candle {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		b.logger.Warn().Err(err).Str("symbol", symbol).Msg("unparseable kline, skipping")
		return nil
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		b.logger.Warn().Err(err).Str("symbol", symbol).Msg("unparseable kline, skipping")
		return nil
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		b.logger.Warn().Err(err).Str("symbol", symbol).Msg("unparseable kline, skipping")
		return nil
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		b.logger.Warn().Err(err).Str("symbol", symbol).Msg("unparseable kline, skipping")
		return nil
	}

	return &Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		CloseTime: time.UnixMilli(k.CloseTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
	}
}

// isRetryable reports whether an API failure is worth another attempt.
// Binance signals rate limiting and IP bans (HTTP 429/418) with code -1003
// and request-weight pressure with -1015; blocked responses (HTTP 451 and
// friends) come back as unparseable bodies with code 0. Anything else, e.g.
// an invalid symbol, will not improve on retry.
func isRetryable(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015, 0:
			return true
		}
		return false
	}
	// transport-level failure
	return true
}

var (
	_ SymbolLister  = (*Binance)(nil)
	_ CandleFetcher = (*Binance)(nil)
)

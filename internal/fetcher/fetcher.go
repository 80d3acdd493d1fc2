package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one fixed-interval price bar for a single contract.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
}

// SymbolLister retrieves the tradable perpetual symbol universe.
type SymbolLister interface {
	ListSymbols(ctx context.Context) ([]string, error)
}

// CandleFetcher retrieves the latest candle for one symbol.
// A nil candle with a nil error means the exchange has no data for the
// symbol (or retries were exhausted); the caller skips the symbol.
type CandleFetcher interface {
	LatestCandle(ctx context.Context, symbol string) (*Candle, error)
}

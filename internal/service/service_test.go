package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candle-move-alerts/internal/alerting"
	"candle-move-alerts/internal/config"
	"candle-move-alerts/internal/fetcher"
	"candle-move-alerts/internal/storage"
)

type fakeUniverse struct {
	symbols []string
	err     error
}

func (f *fakeUniverse) ListSymbols(ctx context.Context) ([]string, error) {
	return f.symbols, f.err
}

type fakeCandles struct {
	candles map[string]*fetcher.Candle
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeCandles) LatestCandle(ctx context.Context, symbol string) (*fetcher.Candle, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.candles[symbol], nil
}

type fakeRepo struct {
	mu        sync.Mutex
	rows      map[string]storage.Alert
	existsErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]storage.Alert{}}
}

func alertKey(symbol string, openTime int64) string {
	return fmt.Sprintf("%s|%d", symbol, openTime)
}

func (f *fakeRepo) Exists(ctx context.Context, symbol string, openTime int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.rows[alertKey(symbol, openTime)]
	return ok, nil
}

func (f *fakeRepo) Record(ctx context.Context, alert storage.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := alertKey(alert.Symbol, alert.OpenTime)
	if _, ok := f.rows[key]; ok {
		return nil
	}
	f.rows[key] = alert
	return nil
}

func (f *fakeRepo) ListRecent(ctx context.Context, limit int) ([]storage.Alert, error) {
	return nil, nil
}

func (f *fakeRepo) ListBetween(ctx context.Context, from, to time.Time) ([]storage.Alert, error) {
	return nil, nil
}

func (f *fakeRepo) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []alerting.Notification
	failures int
	calls    int
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("telegram down")
	}
	f.sent = append(f.sent, note)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Market:   config.MarketConfig{Interval: "15m", Concurrency: 4},
		Alerting: config.AlertingConfig{ThresholdPct: 6},
	}
}

func candle(openTime int64, open, close float64) *fetcher.Candle {
	return &fetcher.Candle{
		OpenTime:  time.UnixMilli(openTime),
		CloseTime: time.UnixMilli(openTime + 15*60*1000 - 1),
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(open).Add(decimal.NewFromInt(1)),
		Low:       decimal.NewFromFloat(close).Sub(decimal.NewFromInt(1)),
		Close:     decimal.NewFromFloat(close),
	}
}

func newService(universe *fakeUniverse, candles *fakeCandles, repo *fakeRepo, notifier *fakeNotifier) *Service {
	return New(testConfig(), universe, candles, repo, notifier, zerolog.Nop())
}

func TestScanAlertsOnceAboveThreshold(t *testing.T) {
	universe := &fakeUniverse{symbols: []string{"ABCUSDT"}}
	candles := &fakeCandles{candles: map[string]*fetcher.Candle{
		"ABCUSDT": candle(1000, 100.0, 94.0),
	}}
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newService(universe, candles, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(results))
	}
	if !results[0].MovePct.Equal(decimal.NewFromInt(-6)) {
		t.Fatalf("expected move -6, got %s", results[0].MovePct)
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.sent))
	}
	note := notifier.sent[0]
	if note.Direction() != "DOWN" {
		t.Fatalf("expected direction DOWN, got %s", note.Direction())
	}
	if note.MovePct.Abs().StringFixed(2) != "6.00" {
		t.Fatalf("expected move 6.00, got %s", note.MovePct.Abs().StringFixed(2))
	}

	if count, _ := repo.Count(context.Background()); count != 1 {
		t.Fatalf("expected 1 alert record, got %d", count)
	}

	// Same latest candle on the next cycle: dedup suppresses a resend.
	results, err = svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 alerts on second cycle, got %d", len(results))
	}
	if notifier.calls != 1 {
		t.Fatalf("expected no second notification attempt, got %d calls", notifier.calls)
	}
}

func TestScanBelowThresholdNoAlert(t *testing.T) {
	universe := &fakeUniverse{symbols: []string{"XYZUSDT"}}
	candles := &fakeCandles{candles: map[string]*fetcher.Candle{
		"XYZUSDT": candle(2000, 50.0, 51.0),
	}}
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newService(universe, candles, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no alerts, got %d", len(results))
	}
	if notifier.calls != 0 {
		t.Fatalf("expected no notification attempts, got %d", notifier.calls)
	}
	if count, _ := repo.Count(context.Background()); count != 0 {
		t.Fatalf("expected no records, got %d", count)
	}
}

func TestScanZeroOpenSkipped(t *testing.T) {
	universe := &fakeUniverse{symbols: []string{"NEWUSDT"}}
	candles := &fakeCandles{candles: map[string]*fetcher.Candle{
		"NEWUSDT": candle(3000, 0, 10.0),
	}}
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newService(universe, candles, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 0 || notifier.calls != 0 {
		t.Fatalf("zero-open candle must be skipped, got %d results %d calls", len(results), notifier.calls)
	}
}

func TestScanAbsentCandleSkipped(t *testing.T) {
	universe := &fakeUniverse{symbols: []string{"GHOSTUSDT"}}
	candles := &fakeCandles{candles: map[string]*fetcher.Candle{}}
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newService(universe, candles, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 0 || notifier.calls != 0 {
		t.Fatal("absent candle must be skipped without side effects")
	}
}

func TestScanUniverseErrorAbortsCycle(t *testing.T) {
	universe := &fakeUniverse{err: errors.New("network down")}
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newService(universe, &fakeCandles{}, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err == nil {
		t.Fatal("expected cycle-fatal error")
	}
	if len(results) != 0 || notifier.calls != 0 {
		t.Fatal("failed universe fetch must produce no alerts")
	}
	if count, _ := repo.Count(context.Background()); count != 0 {
		t.Fatalf("expected no records, got %d", count)
	}
}

func TestScanSendFailureRetriedNextCycle(t *testing.T) {
	universe := &fakeUniverse{symbols: []string{"ABCUSDT"}}
	candles := &fakeCandles{candles: map[string]*fetcher.Candle{
		"ABCUSDT": candle(1000, 100.0, 110.0),
	}}
	repo := newFakeRepo()
	notifier := &fakeNotifier{failures: 1}
	svc := newService(universe, candles, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("failed delivery must not count as sent, got %d", len(results))
	}
	if count, _ := repo.Count(context.Background()); count != 0 {
		t.Fatalf("failed delivery must not be recorded, got %d rows", count)
	}

	// The candle is still the latest on the next cycle: one more attempt.
	results, err = svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected retried alert, got %d", len(results))
	}
	if count, _ := repo.Count(context.Background()); count != 1 {
		t.Fatalf("expected 1 record after successful retry, got %d", count)
	}
	if notifier.calls != 2 {
		t.Fatalf("expected 2 notification attempts, got %d", notifier.calls)
	}
}

func TestScanDedupLookupFailureFailsOpen(t *testing.T) {
	universe := &fakeUniverse{symbols: []string{"ABCUSDT"}}
	candles := &fakeCandles{candles: map[string]*fetcher.Candle{
		"ABCUSDT": candle(1000, 100.0, 94.0),
	}}
	repo := newFakeRepo()
	repo.existsErr = errors.New("database is locked")
	notifier := &fakeNotifier{}
	svc := newService(universe, candles, repo, notifier)

	results, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 {
		t.Fatal("a broken dedup lookup must not suppress the alert")
	}
}

func TestScanBoundsConcurrency(t *testing.T) {
	symbols := make([]string, 20)
	candlesBySymbol := map[string]*fetcher.Candle{}
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%dUSDT", i)
		candlesBySymbol[symbols[i]] = candle(1000, 50.0, 51.0)
	}

	universe := &fakeUniverse{symbols: symbols}
	candles := &fakeCandles{candles: candlesBySymbol, delay: time.Millisecond}
	svc := New(
		&config.Config{
			Market:   config.MarketConfig{Interval: "15m", Concurrency: 2},
			Alerting: config.AlertingConfig{ThresholdPct: 6},
		},
		universe, candles, newFakeRepo(), &fakeNotifier{}, zerolog.Nop(),
	)

	if _, err := svc.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if max := candles.maxInFlight.Load(); max > 2 {
		t.Fatalf("fan-out exceeded concurrency bound: %d in flight", max)
	}
}

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candle-move-alerts/internal/fetcher"
)

func testNote() Notification {
	return Notification{
		Symbol:       "ABCUSDT",
		Interval:     "15m",
		MovePct:      decimal.NewFromInt(-6),
		ThresholdPct: decimal.NewFromInt(6),
		Candle: fetcher.Candle{
			OpenTime:  time.UnixMilli(1000),
			CloseTime: time.UnixMilli(1899999),
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(101),
			Low:       decimal.NewFromInt(93),
			Close:     decimal.NewFromInt(94),
		},
	}
}

func newTestNotifier(srvURL string) *TelegramNotifier {
	return NewTelegramNotifier(TelegramOptions{
		BotToken:  "token",
		ChatID:    "chat",
		APIBase:   srvURL,
		Timeout:   time.Second,
		RetryBase: time.Millisecond,
	}, testLogger())
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := newTestNotifier(srv.URL)
	if err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "ABCUSDT") || !strings.Contains(text, "DOWN") {
		t.Fatalf("text 应包含交易对与方向: %q", text)
	}
	if !strings.Contains(text, "6.00%") {
		t.Fatalf("text 应包含涨跌幅: %q", text)
	}
	if received["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode 应为 HTML: %#v", received)
	}
}

func TestTelegramNotifierOKFalse(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := newTestNotifier(srv.URL)
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
	if requests != 1 {
		t.Fatalf("ok=false 不应重试, 实际请求 %d 次", requests)
	}
}

func TestTelegramNotifierRetriesRateLimit(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := newTestNotifier(srv.URL)
	if err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("429 后重试应成功: %v", err)
	}
	if requests != 2 {
		t.Fatalf("期望 2 次请求, 实际 %d", requests)
	}
}

func TestTelegramNotifierExhaustsRetries(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	notifier := newTestNotifier(srv.URL)
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("重试耗尽后应报错")
	}
	if requests != 3 {
		t.Fatalf("期望 3 次请求, 实际 %d", requests)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

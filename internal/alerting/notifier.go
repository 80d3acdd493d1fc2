package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candle-move-alerts/internal/fetcher"
)

// Notification 封装告警上下文。
type Notification struct {
	Symbol       string
	Interval     string
	MovePct      decimal.Decimal
	ThresholdPct decimal.Decimal
	Candle       fetcher.Candle
}

// Direction classifies the candle move.
func (n Notification) Direction() string {
	if n.MovePct.Sign() < 0 {
		return "DOWN"
	}
	return "UP"
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramOptions parameterise the Telegram notifier.
type TelegramOptions struct {
	BotToken    string
	ChatID      string
	APIBase     string
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	opts    TelegramOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		opts:    opts,
		baseURL: strings.TrimRight(opts.APIBase, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// retryableStatus holds the transient-failure codes worth another attempt.
var retryableStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Notify 调用 sendMessage API 推送文本, 瞬时失败按线性退避重试。
// A non-nil error means delivery was not confirmed; the caller must not
// record the alert as sent.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]any{
		"chat_id":                  n.opts.ChatID,
		"text":                     renderMessage(note),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := n.opts.RetryBase * time.Duration(2*attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retryable, err := n.sendOnce(ctx, body)
		if err == nil {
			n.logger.Info().
				Str("symbol", note.Symbol).
				Str("direction", note.Direction()).
				Str("move_pct", note.MovePct.StringFixed(2)).
				Msg("告警已发送 (Telegram)")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if !retryable {
			break
		}
	}

	return lastErr
}

func (n *TelegramNotifier) sendOnce(ctx context.Context, body []byte) (retryable bool, err error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.opts.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, retry := retryableStatus[resp.StatusCode]
		return retry, fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return false, fmt.Errorf("telegram 返回 ok=false")
		}
	}

	return false, nil
}

func renderMessage(note Notification) string {
	k := note.Candle
	arrow := "▲"
	if note.Direction() == "DOWN" {
		arrow = "▼"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("<b>%s</b> %s %s\n", note.Symbol, arrow, note.Direction()))
	builder.WriteString(fmt.Sprintf("Interval: %s | Move: <b>%s%%</b>\n", note.Interval, note.MovePct.Abs().StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Open: %s | Close: %s\n", k.Open.StringFixed(6), k.Close.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("High: %s | Low: %s\n", k.High.StringFixed(6), k.Low.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Open Time: %s UTC", k.OpenTime.UTC().Format("2006-01-02 15:04:05")))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TelegramNotifier sends alerts to a Telegram chat via the Bot API.
// Verbatim in shape to the teacher's internal/notify/telegram.go: HTTP
// POST to the Bot API, enabled only when both a token and a chat ID are
// configured, generalized here to the trading core's alert taxonomy
// (halt, reconciliation mismatch, shutdown status, daily summary) instead
// of the teacher's fill/stop-loss/drawdown set.
type TelegramNotifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to the Telegram API
}

// NewTelegramNotifier creates a TelegramNotifier. It is enabled only when
// both botToken and chatID are non-empty.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *TelegramNotifier) Enabled() bool { return n.enabled }

// Send posts a message to the configured Telegram chat.
func (n *TelegramNotifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	vals := url.Values{
		"chat_id":    {n.chatID},
		"text":       {msg},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// NotifyHalt sends a risk-halt alert.
func (n *TelegramNotifier) NotifyHalt(ctx context.Context, reason string) error {
	return n.Send(ctx, fmt.Sprintf("<b>TRADING HALTED</b>\nReason: <code>%s</code>", reason))
}

// NotifyReconciliationMismatch sends a critical position-drift alert.
func (n *TelegramNotifier) NotifyReconciliationMismatch(ctx context.Context, mismatchCount int, detail string) error {
	msg := fmt.Sprintf("<b>Critical Position Mismatch</b>\nPositions affected: %d\n%s", mismatchCount, detail)
	return n.Send(ctx, msg)
}

// NotifyShutdownComplete sends a graceful-shutdown result.
func (n *TelegramNotifier) NotifyShutdownComplete(ctx context.Context, status, detail string) error {
	msg := fmt.Sprintf("<b>Shutdown Complete</b>\nStatus: %s\n%s", status, detail)
	return n.Send(ctx, msg)
}

// NotifyDailySummary sends a daily performance summary.
func (n *TelegramNotifier) NotifyDailySummary(ctx context.Context, realizedPnL string, fills int) error {
	msg := fmt.Sprintf("<b>Daily Summary</b>\nRealized PnL: %s\nFills: %d", realizedPnL, fills)
	return n.Send(ctx, msg)
}

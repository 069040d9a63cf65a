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
)

// Notification 封装一条调仓建议告警。
type Notification struct {
	OrganizationID string
	Bucket         time.Time
	Kind           string
	Symbol         string
	Urgency        string
	Reason         string
	AmountUSD      decimal.Decimal
	TotalValueUSD  decimal.Decimal
	HealthScore    int
	Channels       []string
	AdditionalMsg  string
}

// Key identifies the condition a notification is about, independent of the
// bucket it was produced in.
func (n Notification) Key() string {
	return n.OrganizationID + "|" + n.Kind + "|" + n.Symbol
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("organization", note.OrganizationID).
		Str("kind", note.Kind).
		Str("urgency", note.Urgency).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes notifications to the log. It backs the "log" channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("organization", note.OrganizationID).
		Str("kind", note.Kind).
		Str("symbol", note.Symbol).
		Str("urgency", note.Urgency).
		Str("amount_usd", note.AmountUSD.StringFixed(2)).
		Msg(note.Reason)
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[DAO Treasury Alert] %s\n", note.OrganizationID))
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Action: %s", note.Kind))
	if note.Symbol != "" {
		builder.WriteString(fmt.Sprintf(" (%s)", note.Symbol))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Urgency: %s\n", note.Urgency))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	if note.AmountUSD.IsPositive() {
		builder.WriteString(fmt.Sprintf("Amount: $%s\n", note.AmountUSD.StringFixed(2)))
	}
	if note.TotalValueUSD.IsPositive() {
		builder.WriteString(fmt.Sprintf("Treasury: $%s (health %d/100)\n", note.TotalValueUSD.StringFixed(2), note.HealthScore))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/storage"
)

// Notification 封装告警上下文。
type Notification struct {
	AlertID        int64           `json:"alert_id"`
	ZoneID         string          `json:"zone_id"`
	ZoneName       string          `json:"zone_name"`
	Category       string          `json:"medicine_category"`
	CategoryName   string          `json:"category_name"`
	Level          detect.Severity `json:"alert_level"`
	Score          decimal.Decimal `json:"anomaly_score"`
	Confidence     decimal.Decimal `json:"confidence"`
	ModelAgreement bool            `json:"model_agreement"`
	DetectedAt     time.Time       `json:"detected_at"`
	ObservedOn     time.Time       `json:"observed_on"`
	Message        string          `json:"message"`
}

// NewNotification builds a notification for a persisted alert. labels may be nil.
func NewNotification(alert storage.Alert, labels detect.Labels) Notification {
	zoneName, categoryName := alert.ZoneID, alert.Category
	if labels != nil {
		zoneName = labels.ZoneName(alert.ZoneID)
		categoryName = labels.CategoryName(alert.Category)
	}
	return Notification{
		AlertID:        alert.ID,
		ZoneID:         alert.ZoneID,
		ZoneName:       zoneName,
		Category:       alert.Category,
		CategoryName:   categoryName,
		Level:          alert.Level,
		Score:          alert.Score,
		Confidence:     alert.Confidence,
		ModelAgreement: alert.ModelAgreement,
		DetectedAt:     alert.DetectedAt,
		ObservedOn:     alert.ObservedOn,
		Message:        alert.Message,
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify 依次推送到所有渠道。
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
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

	n.logger.Info().
		Int64("alert_id", note.AlertID).
		Str("zone", note.ZoneID).
		Str("category", note.Category).
		Str("level", note.Level.String()).
		Msg("告警已发送 (Telegram)")
	return nil
}

// WebhookNotifier posts the notification as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookNotifier 构造 webhook 告警器。
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify posts note. Any 2xx response counts as delivered.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
	}

	n.logger.Info().Int64("alert_id", note.AlertID).Str("zone", note.ZoneID).Msg("告警已发送 (webhook)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Outbreak Alert]\n")
	builder.WriteString(fmt.Sprintf("Zone: %s\n", note.ZoneName))
	builder.WriteString(fmt.Sprintf("Category: %s\n", note.CategoryName))
	builder.WriteString(fmt.Sprintf("Level: %s\n", strings.ToUpper(note.Level.String())))
	builder.WriteString(fmt.Sprintf("Score: %s\n", note.Score.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Confidence: %s%%\n", note.Confidence.Shift(2).StringFixed(0)))
	if !note.ObservedOn.IsZero() {
		builder.WriteString(fmt.Sprintf("Observed: %s\n", note.ObservedOn.Format(time.DateOnly)))
	}
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", note.DetectedAt.UTC().Format(time.RFC3339)))
	if note.Message != "" {
		builder.WriteString(note.Message)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Fanout(nil)
)

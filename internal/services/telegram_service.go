package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/models"
	"github.com/example/fulfillment/internal/observability"
)

const telegramAPI = "https://api.telegram.org"

// TelegramService sends operator messages to a Telegram chat.
type TelegramService struct {
	baseURL     string
	botToken    string
	adminChatID string
	httpClient  *http.Client
	logger      *zap.Logger
}

// TelegramOption customizes a TelegramService.
type TelegramOption func(*TelegramService)

// WithTelegramBaseURL points the service at another Bot API host.
func WithTelegramBaseURL(url string) TelegramOption {
	return func(s *TelegramService) {
		if url != "" {
			s.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithTelegramHTTPClient replaces the default HTTP client.
func WithTelegramHTTPClient(client *http.Client) TelegramOption {
	return func(s *TelegramService) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string, logger *zap.Logger, opts ...TelegramOption) *TelegramService {
	s := &TelegramService{
		baseURL:     telegramAPI,
		botToken:    botToken,
		adminChatID: adminChatID,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      observability.OrNop(logger).Named("telegram"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends an HTML message to chatID. An unconfigured bot is a no-op.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		s.logger.Debug("bot token not configured")
		return nil
	}

	body, err := json.Marshal(telegramMessage{ChatID: chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("send message failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("unexpected status", zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		s.logger.Debug("admin chat id not configured")
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// FormatPrice formats amount with thousand separators and the currency code.
func FormatPrice(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "BDT"
	}
	whole := amount.Truncate(0)
	frac := amount.Sub(whole).Abs()

	str := whole.Abs().String()
	var result strings.Builder
	if amount.IsNegative() {
		result.WriteByte('-')
	}
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	if !frac.IsZero() {
		result.WriteString(strings.TrimPrefix(frac.StringFixed(2), "0"))
	}
	return result.String() + " " + currency
}

// NotifyOrderEvent posts an order lifecycle summary to the admin chat.
func (s *TelegramService) NotifyOrderEvent(ctx context.Context, order *models.Order, event NotificationEvent) error {
	if s.adminChatID == "" {
		return nil
	}

	var items strings.Builder
	for i, item := range order.Items {
		name := item.ProductName
		if item.VariantLabel != "" {
			name += " (" + item.VariantLabel + ")"
		}
		fmt.Fprintf(&items, "%d. <b>%s</b>\n   %d x %s = %s\n",
			i+1,
			html.EscapeString(name),
			item.Quantity,
			FormatPrice(item.Price, order.Currency),
			FormatPrice(item.LineTotal, order.Currency),
		)
	}

	message := fmt.Sprintf(`<b>%s</b>
<b>📋 Order:</b> %s
<b>👤 Customer:</b> %s
<b>📞 Phone:</b> %s
<b>📦 Items:</b>
%s
<b>💰 Total:</b> %s
<b>💳 Paid:</b> %s (%s)
<b>📍 Status:</b> %s
━━━━━━━━━━━━━━━━━━`,
		eventHeadline(event),
		order.OrderNumber,
		html.EscapeString(order.ShippingAddress.Name),
		html.EscapeString(order.ShippingAddress.Phone),
		items.String(),
		FormatPrice(order.Total, order.Currency),
		FormatPrice(order.AmountPaid, order.Currency),
		order.PaymentMethod,
		order.Status,
	)
	return s.SendToAdmin(ctx, strings.TrimSpace(message))
}

// AlertReconciliation tells operators an order needs manual attention.
func (s *TelegramService) AlertReconciliation(ctx context.Context, issue models.ReconciliationIssue, order *models.Order) error {
	if s.adminChatID == "" {
		return nil
	}
	number := issue.OrderID.String()
	if order != nil && order.OrderNumber != "" {
		number = order.OrderNumber
	}
	message := fmt.Sprintf(`<b>⚠️ RECONCILIATION NEEDED</b>
<b>📋 Order:</b> %s
<b>🔎 Kind:</b> %s
<pre>%s</pre>`,
		number,
		issue.Kind,
		html.EscapeString(string(issue.Details)),
	)
	return s.SendToAdmin(ctx, message)
}

func eventHeadline(event NotificationEvent) string {
	switch event {
	case EventConfirmed:
		return "✅ ORDER CONFIRMED"
	case EventOutForDelivery:
		return "🚚 OUT FOR DELIVERY"
	case EventDelivered:
		return "📬 DELIVERED"
	case EventCancelled:
		return "❌ ORDER CANCELLED"
	}
	return "🛒 ORDER UPDATE"
}

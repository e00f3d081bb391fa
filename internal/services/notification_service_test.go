package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/fulfillment/internal/localization"
	"github.com/example/fulfillment/internal/models"
)

type stubSMS struct {
	phone   string
	message string
	result  SMSResult
	err     error
}

func (s *stubSMS) Send(_ context.Context, phone, message string) (SMSResult, error) {
	s.phone, s.message = phone, message
	return s.result, s.err
}

type stubAdmin struct {
	events []NotificationEvent
	err    error
}

func (a *stubAdmin) NotifyOrderEvent(_ context.Context, _ *models.Order, event NotificationEvent) error {
	a.events = append(a.events, event)
	return a.err
}

func notificationOrder() *models.Order {
	order := &models.Order{
		OrderNumber:      "ORD-01HZX",
		CustomerLocation: localization.RegionBangladesh,
		ShippingAddress:  testAddress(),
		Currency:         "BDT",
		Total:            decimal.NewFromInt(1000),
	}
	order.ID = uuid.New()
	return order
}

func TestNotificationTemplates(t *testing.T) {
	t.Parallel()
	svc := NewNotificationService(nil, nil, localization.Default(), nil)
	order := notificationOrder()

	msg, ok := svc.Render(order, EventOutForDelivery)
	require.True(t, ok)
	require.Contains(t, msg, "ORD-01HZX")
	require.Contains(t, msg, "Rahim Uddin")
	require.Contains(t, msg, "2-5 days")

	for _, event := range []NotificationEvent{EventConfirmed, EventDelivered, EventCancelled} {
		msg, ok := svc.Render(order, event)
		require.True(t, ok)
		require.Contains(t, msg, "ORD-01HZX")
		require.NotContains(t, msg, "days")
	}

	_, ok = svc.Render(order, NotificationEvent("refunded"))
	require.False(t, ok)
}

func TestNotifySendsSMSAndOperatorCopy(t *testing.T) {
	t.Parallel()
	sms := &stubSMS{result: SMSResult{Success: true, MessageID: "m-1"}}
	admin := &stubAdmin{}
	svc := NewNotificationService(sms, admin, nil, nil)

	res := svc.Notify(context.Background(), notificationOrder(), EventConfirmed)
	require.True(t, res.Sent)
	require.Equal(t, "m-1", res.MessageID)
	require.Equal(t, "01712345678", sms.phone)
	require.Contains(t, sms.message, "confirmed")
	require.Equal(t, []NotificationEvent{EventConfirmed}, admin.events)
}

func TestNotifyFailuresAreReported(t *testing.T) {
	t.Parallel()
	order := notificationOrder()

	sms := &stubSMS{err: errors.New("connection refused")}
	admin := &stubAdmin{err: errors.New("telegram down")}
	res := NewNotificationService(sms, admin, nil, nil).Notify(context.Background(), order, EventDelivered)
	require.False(t, res.Sent)
	require.Equal(t, "connection refused", res.Error)

	rejected := &stubSMS{result: SMSResult{Error: "invalid number"}}
	res = NewNotificationService(rejected, nil, nil, nil).Notify(context.Background(), order, EventDelivered)
	require.False(t, res.Sent)
	require.Equal(t, "invalid number", res.Error)
}

func TestSMSServiceSend(t *testing.T) {
	t.Parallel()

	var logins, sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			n := logins.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-" + string(rune('0'+n)), "expires_in": 3600})
		case "/sms/send":
			n := sends.Add(1)
			if n == 1 {
				// First token is rejected to exercise the refresh path.
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
			body, _ := io.ReadAll(r.Body)
			var payload map[string]string
			require.NoError(t, json.Unmarshal(body, &payload))
			if payload["phone"] != "8801712345678" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid number"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "sms-42"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	svc := NewSMSService(SMSConfig{BaseURL: srv.URL + "/", Username: "u", Password: "p", SenderID: "SHOP", Enabled: true}, nil)

	res, err := svc.Send(context.Background(), "+880 1712-345678", "hello")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "sms-42", res.MessageID)
	require.EqualValues(t, 2, logins.Load())

	res, err = svc.Send(context.Background(), "01812", "hello")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "invalid number", res.Error)
	require.EqualValues(t, 2, logins.Load(), "token is cached")
}

func TestSMSServiceDisabled(t *testing.T) {
	t.Parallel()
	svc := NewSMSService(SMSConfig{}, nil)
	res, err := svc.Send(context.Background(), "01712345678", "hello")
	require.ErrorIs(t, err, ErrSMSDisabled)
	require.False(t, res.Success)
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	require.Equal(t, "8801712345678", normalizePhone("01712345678"))
	require.Equal(t, "8801712345678", normalizePhone("+880 1712-345678"))
	require.Equal(t, "447700900123", normalizePhone("+44 7700 900123"))
	require.Empty(t, normalizePhone("n/a"))
}

func TestTelegramService(t *testing.T) {
	t.Parallel()

	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramService("TOKEN", "-100", nil, WithTelegramBaseURL(srv.URL))
	order := notificationOrder()
	order.Items = []models.OrderItem{{ProductName: "Mug", VariantLabel: "Blue", Quantity: 2, Price: decimal.NewFromInt(445), LineTotal: decimal.NewFromInt(890)}}

	require.NoError(t, tg.NotifyOrderEvent(context.Background(), order, EventConfirmed))
	require.Equal(t, "-100", got.ChatID)
	require.Equal(t, "HTML", got.ParseMode)
	require.Contains(t, got.Text, "ORDER CONFIRMED")
	require.Contains(t, got.Text, "Mug (Blue)")
	require.Contains(t, got.Text, "1,000 BDT")

	issue := models.ReconciliationIssue{OrderID: order.ID, Kind: models.ReconciliationStockShortfall, Details: []byte(`{"items":[]}`)}
	require.NoError(t, tg.AlertReconciliation(context.Background(), issue, order))
	require.True(t, strings.Contains(got.Text, "stock_shortfall"))

	silent := NewTelegramService("", "", nil)
	require.NoError(t, silent.SendToAdmin(context.Background(), "ignored"))
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1,234,567 BDT", FormatPrice(decimal.NewFromInt(1234567), "BDT"))
	require.Equal(t, "999 USD", FormatPrice(decimal.NewFromInt(999), "USD"))
	require.Equal(t, "12.50 USD", FormatPrice(decimal.RequireFromString("12.5"), "USD"))
	require.Equal(t, "0 BDT", FormatPrice(decimal.Zero, ""))
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/observability"
)

// ErrSMSDisabled is returned when the SMS integration is switched off.
var ErrSMSDisabled = errors.New("sms integration is disabled")

// SMSConfig holds the SMS gateway credentials.
type SMSConfig struct {
	BaseURL    string
	Username   string
	Password   string
	SenderID   string
	Enabled    bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SMSResult is the outcome of one send.
type SMSResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SMSService talks to a token-authenticated SMS gateway.
type SMSService struct {
	cfg        SMSConfig
	httpClient *http.Client
	logger     *zap.Logger

	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewSMSService creates an SMSService.
func NewSMSService(cfg SMSConfig, logger *zap.Logger) *SMSService {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &SMSService{
		cfg:        cfg,
		httpClient: client,
		logger:     observability.OrNop(logger).Named("sms"),
	}
}

type smsAuthResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *SMSService) getToken(ctx context.Context, force bool) (string, error) {
	if !force {
		s.tokenMu.RLock()
		if s.token != "" && time.Now().Before(s.tokenExpiry) {
			t := s.token
			s.tokenMu.RUnlock()
			return t, nil
		}
		s.tokenMu.RUnlock()
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	// Double-check after acquiring write lock.
	if !force && s.token != "" && time.Now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"username": s.cfg.Username,
		"password": s.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sms auth request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms auth request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms auth failed: status %d, body: %s", resp.StatusCode, truncateBody(body))
	}

	var authResp smsAuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return "", fmt.Errorf("sms auth unmarshal: %w", err)
	}
	if authResp.Token == "" {
		return "", errors.New("sms auth: empty token")
	}

	s.token = authResp.Token
	if authResp.ExpiresIn > 0 {
		s.tokenExpiry = time.Now().Add(time.Duration(authResp.ExpiresIn)*time.Second - 30*time.Second)
	} else {
		s.tokenExpiry = time.Now().Add(55 * time.Minute)
	}
	return s.token, nil
}

func (s *SMSService) post(ctx context.Context, path string, payload []byte, force bool) (int, []byte, error) {
	token, err := s.getToken(ctx, force)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/"+strings.TrimLeft(path, "/"), bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("sms request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sms request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

// Send delivers message to phone. Provider rejections come back as an
// unsuccessful SMSResult; transport failures as an error.
func (s *SMSService) Send(ctx context.Context, phone, message string) (SMSResult, error) {
	if !s.cfg.Enabled {
		return SMSResult{Error: ErrSMSDisabled.Error()}, ErrSMSDisabled
	}
	phone = normalizePhone(phone)
	if phone == "" {
		return SMSResult{Error: "missing phone number"}, fmt.Errorf("%w: missing phone number", ErrValidation)
	}

	payload, err := json.Marshal(map[string]string{
		"phone":     phone,
		"message":   message,
		"sender_id": s.cfg.SenderID,
	})
	if err != nil {
		return SMSResult{Error: err.Error()}, err
	}

	status, body, err := s.post(ctx, "sms/send", payload, false)
	// Retry once on 401.
	if err == nil && status == http.StatusUnauthorized {
		status, body, err = s.post(ctx, "sms/send", payload, true)
	}
	if err != nil {
		s.logger.Warn("send failed", zap.Error(err))
		return SMSResult{Error: err.Error()}, err
	}

	var parsed struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
		Message   string `json:"message"`
	}
	_ = json.Unmarshal(body, &parsed)

	if status < 200 || status >= 300 {
		reason := parsed.Error
		if reason == "" {
			reason = parsed.Message
		}
		if reason == "" {
			reason = fmt.Sprintf("status %d", status)
		}
		s.logger.Warn("provider rejected message", zap.Int("status", status), zap.String("reason", reason))
		return SMSResult{Error: reason}, nil
	}
	return SMSResult{Success: true, MessageID: parsed.MessageID}, nil
}

// normalizePhone strips formatting and turns local Bangladeshi numbers
// (01XXXXXXXXX) into the 8801XXXXXXXXX form.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && strings.HasPrefix(digits, "01") {
		return "88" + digits
	}
	return digits
}

func truncateBody(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}

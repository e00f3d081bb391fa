// Package courier wraps the Pathao merchant API: token auth, location
// lookups, price plans, consignments and webhook parsing.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/fulfillment/internal/observability"
)

// ServiceName is stored on orders as courier_service.
const ServiceName = "pathao"

const tokenRefreshLeeway = 60 * time.Second

var (
	// ErrInvalidLocation is returned for zero or negative location ids.
	ErrInvalidLocation = errors.New("courier: invalid location id")
	// ErrNotConfigured is returned when credentials are missing.
	ErrNotConfigured = errors.New("courier: client not configured")
	// ErrTimeout is returned when the provider did not answer within the deadline.
	ErrTimeout = errors.New("courier: provider timeout")
)

// ProviderError is a non-2xx answer from the courier API.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Fields     map[string][]string
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("courier %s", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	for field, problems := range e.Fields {
		msg += fmt.Sprintf("; %s: %s", field, strings.Join(problems, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Config holds merchant credentials.
type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	StoreID       int
	WebhookSecret string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Clock         func() time.Time
}

// Client is safe for concurrent use. The access token is cached per client.
type Client struct {
	cfg    Config
	http   *http.Client
	now    func() time.Time
	logger *zap.Logger

	mu           sync.RWMutex
	token        string
	refreshToken string
	expiry       time.Time

	group singleflight.Group
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		now:    now,
		logger: observability.OrNop(logger),
	}, nil
}

// Name returns the courier service identifier.
func (c *Client) Name() string { return ServiceName }

// StoreID is the merchant pickup store consignments are created against.
func (c *Client) StoreID() int { return c.cfg.StoreID }

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// accessToken returns a cached token or issues a new one. When stale is
// non-empty the caller saw it rejected, so it is never returned again.
func (c *Client) accessToken(ctx context.Context, stale string) (string, error) {
	if token, ok := c.cachedToken(stale); ok {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if token, ok := c.cachedToken(stale); ok {
			return token, nil
		}
		return c.issueToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cachedToken(stale string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || c.token == stale {
		return "", false
	}
	if !c.expiry.IsZero() && c.now().Add(tokenRefreshLeeway).After(c.expiry) {
		return "", false
	}
	return c.token, true
}

func (c *Client) issueToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()

	req := tokenRequest{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		GrantType:    "password",
		Username:     c.cfg.Username,
		Password:     c.cfg.Password,
	}
	resp, err := c.postToken(ctx, req)
	if err != nil && refresh != "" {
		c.logger.Warn("courier password grant failed, trying refresh token", zap.Error(err))
		resp, err = c.postToken(ctx, tokenRequest{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			GrantType:    "refresh_token",
			RefreshToken: refresh,
		})
	}
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = resp.AccessToken
	c.refreshToken = resp.RefreshToken
	if resp.ExpiresIn > 0 {
		c.expiry = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		c.expiry = c.now().Add(55 * time.Minute)
	}
	return c.token, nil
}

func (c *Client) postToken(ctx context.Context, body tokenRequest) (tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("marshal courier token payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/aladdin/api/v1/issue-token", bytes.NewReader(payload))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("create courier token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, respBody, err := c.send(req)
	if err != nil {
		return tokenResponse{}, providerError("issue_token", status, respBody, err)
	}
	if status < 200 || status >= 300 {
		return tokenResponse{}, providerError("issue_token", status, respBody, nil)
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return tokenResponse{}, fmt.Errorf("unmarshal courier token response: %w", err)
	}
	if tok.AccessToken == "" {
		return tokenResponse{}, errors.New("courier token response missing access_token")
	}
	return tok, nil
}

// envelope wraps every merchant API response.
type envelope struct {
	Message string              `json:"message"`
	Type    string              `json:"type"`
	Code    int                 `json:"code"`
	Data    json.RawMessage     `json:"data"`
	Errors  map[string][]string `json:"errors"`
}

// call performs an authenticated request, retrying once with a fresh token on 401.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "courier."+op, attribute.String("http.path", path))
	defer func() { observability.EndSpan(span, err) }()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal courier request: %w", err)
		}
	}

	build := func(token string) (*http.Request, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("create courier request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}

	token, err := c.accessToken(ctx, "")
	if err != nil {
		return err
	}
	req, err := build(token)
	if err != nil {
		return err
	}
	status, respBody, err := c.send(req)
	if err != nil {
		return providerError(op, status, respBody, err)
	}

	if status == http.StatusUnauthorized {
		c.logger.Info("courier token rejected, refreshing", zap.String("op", op))
		token, err = c.accessToken(ctx, token)
		if err != nil {
			return err
		}
		if req, err = build(token); err != nil {
			return err
		}
		status, respBody, err = c.send(req)
		if err != nil {
			return providerError(op, status, respBody, err)
		}
	}

	if status < 200 || status >= 300 {
		return providerError(op, status, respBody, nil)
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &ProviderError{Op: op, StatusCode: status, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &ProviderError{Op: op, StatusCode: status, Message: "response missing data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ProviderError{Op: op, StatusCode: status, Err: fmt.Errorf("unmarshal data: %w", err)}
	}
	return nil
}

func (c *Client) send(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read courier response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func providerError(op string, status int, body []byte, err error) error {
	perr := &ProviderError{Op: op, StatusCode: status, Err: err}
	if err != nil && isTimeout(err) {
		perr.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if len(body) > 0 {
		var env envelope
		if json.Unmarshal(body, &env) == nil {
			perr.Message = env.Message
			perr.Fields = env.Errors
		} else {
			perr.Message = truncate(string(body), 200)
		}
	}
	return perr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

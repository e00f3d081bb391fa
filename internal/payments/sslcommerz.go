package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SSLCommerzName is the registration key of the SSLCommerz gateway.
const SSLCommerzName = "sslcommerz"

// SSLCommerzConfig configures the hosted checkout gateway used for BDT payments.
type SSLCommerzConfig struct {
	BaseURL    string
	StoreID    string
	StorePass  string
	SuccessURL string
	FailURL    string
	CancelURL  string
	IPNURL     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SSLCommerz implements Gateway against the SSLCommerz v4 API.
type SSLCommerz struct {
	cfg    SSLCommerzConfig
	client *http.Client
}

// NewSSLCommerz builds the gateway; store credentials are required.
func NewSSLCommerz(cfg SSLCommerzConfig) (*SSLCommerz, error) {
	if cfg.StoreID == "" || cfg.StorePass == "" {
		return nil, errors.New("sslcommerz: store id and password are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &SSLCommerz{cfg: cfg, client: client}, nil
}

func (g *SSLCommerz) Name() string { return SSLCommerzName }

type sslSessionResponse struct {
	Status         string `json:"status"`
	FailedReason   string `json:"failedreason"`
	SessionKey     string `json:"sessionkey"`
	GatewayPageURL string `json:"GatewayPageURL"`
}

// CreateIntent opens a hosted checkout session and returns its redirect URL.
func (g *SSLCommerz) CreateIntent(ctx context.Context, req IntentRequest) (IntentHandle, error) {
	if req.TransactionID == "" {
		return IntentHandle{}, errors.New("sslcommerz: transaction id is required")
	}
	count := req.ItemCount
	if count <= 0 {
		count = 1
	}
	country := req.Customer.Country
	if country == "" {
		country = "Bangladesh"
	}

	form := url.Values{}
	form.Set("store_id", g.cfg.StoreID)
	form.Set("store_passwd", g.cfg.StorePass)
	form.Set("total_amount", req.Amount.StringFixed(2))
	form.Set("currency", strings.ToUpper(req.Currency))
	form.Set("tran_id", req.TransactionID)
	form.Set("success_url", g.cfg.SuccessURL)
	form.Set("fail_url", g.cfg.FailURL)
	form.Set("cancel_url", g.cfg.CancelURL)
	form.Set("ipn_url", g.cfg.IPNURL)
	form.Set("cus_name", req.Customer.Name)
	form.Set("cus_email", req.Customer.Email)
	form.Set("cus_phone", req.Customer.Phone)
	form.Set("cus_add1", req.Customer.Address)
	form.Set("cus_city", req.Customer.City)
	form.Set("cus_country", country)
	form.Set("shipping_method", "Courier")
	form.Set("num_of_item", strconv.Itoa(count))
	form.Set("product_name", defaultString(req.ProductName, "Order "+req.OrderNumber))
	form.Set("product_category", "general")
	form.Set("product_profile", "physical-goods")
	form.Set("value_a", req.OrderID)
	form.Set("value_b", req.OrderNumber)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/gwprocess/v4/api.php", strings.NewReader(form.Encode()))
	if err != nil {
		return IntentHandle{}, fmt.Errorf("sslcommerz request build: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := g.do(httpReq)
	if err != nil {
		return IntentHandle{}, g.callError("create_intent", status, err)
	}

	var session sslSessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return IntentHandle{}, g.callError("create_intent", status, fmt.Errorf("unmarshal session: %w", err))
	}
	if !strings.EqualFold(session.Status, "SUCCESS") || session.GatewayPageURL == "" {
		return IntentHandle{}, &GatewayError{
			Gateway:    SSLCommerzName,
			Op:         "create_intent",
			StatusCode: status,
			Code:       session.Status,
			Message:    session.FailedReason,
		}
	}

	return IntentHandle{
		Gateway:       SSLCommerzName,
		TransactionID: req.TransactionID,
		RedirectURL:   session.GatewayPageURL,
		Raw:           map[string]any{"sessionkey": session.SessionKey},
	}, nil
}

type sslValidationElement struct {
	ValID         string `json:"val_id"`
	Status        string `json:"status"`
	TranID        string `json:"tran_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	CardType      string `json:"card_type"`
	BankTranID    string `json:"bank_tran_id"`
	TranDate      string `json:"tran_date"`
	RiskLevel     string `json:"risk_level"`
	CurrencyType  string `json:"currency_type"`
	CurrencyValue string `json:"currency_amount"`
}

type sslValidationResponse struct {
	APIConnect     string                 `json:"APIConnect"`
	NoOfTransFound int                    `json:"no_of_trans_found"`
	Element        []sslValidationElement `json:"element"`
}

// Verify queries the merchant transaction validation API by tran_id.
func (g *SSLCommerz) Verify(ctx context.Context, transactionID string) (NormalizedResult, error) {
	q := url.Values{}
	q.Set("tran_id", transactionID)
	q.Set("store_id", g.cfg.StoreID)
	q.Set("store_passwd", g.cfg.StorePass)
	q.Set("format", "json")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/validator/api/merchantTransIDvalidationAPI.php?"+q.Encode(), nil)
	if err != nil {
		return NormalizedResult{}, fmt.Errorf("sslcommerz request build: %w", err)
	}

	body, status, err := g.do(httpReq)
	if err != nil {
		return NormalizedResult{}, g.callError("verify", status, err)
	}

	var resp sslValidationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return NormalizedResult{}, g.callError("verify", status, fmt.Errorf("unmarshal validation: %w", err))
	}
	if !strings.EqualFold(resp.APIConnect, "DONE") {
		return NormalizedResult{}, &GatewayError{Gateway: SSLCommerzName, Op: "verify", StatusCode: status, Code: resp.APIConnect}
	}
	if resp.NoOfTransFound == 0 || len(resp.Element) == 0 {
		return NormalizedResult{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}

	el := resp.Element[0]
	for _, candidate := range resp.Element {
		if sslStatus(candidate.Status) == StatusSucceeded {
			el = candidate
			break
		}
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(el.Amount))
	if err != nil {
		return NormalizedResult{}, g.callError("verify", status, fmt.Errorf("parse amount %q: %w", el.Amount, err))
	}

	return NormalizedResult{
		Gateway:       SSLCommerzName,
		TransactionID: el.TranID,
		ValidationID:  el.ValID,
		Status:        sslStatus(el.Status),
		Amount:        amount,
		Currency:      strings.ToUpper(el.Currency),
		Method:        el.CardType,
		OccurredAt:    parseSSLTime(el.TranDate),
		Raw: map[string]any{
			"status":       el.Status,
			"bank_tran_id": el.BankTranID,
			"risk_level":   el.RiskLevel,
		},
	}, nil
}

// ParseCallback authenticates an IPN form post using verify_sign/verify_key.
// A successful IPN still requires Verify before it is trusted.
func (g *SSLCommerz) ParseCallback(body []byte, _ http.Header) (NormalizedResult, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return NormalizedResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	tranID := form.Get("tran_id")
	if tranID == "" || form.Get("status") == "" {
		return NormalizedResult{}, fmt.Errorf("%w: tran_id and status are required", ErrMalformedCallback)
	}
	if !g.validSignature(form) {
		return NormalizedResult{}, ErrInvalidSignature
	}

	amount := decimal.Zero
	if raw := strings.TrimSpace(form.Get("amount")); raw != "" {
		amount, err = decimal.NewFromString(raw)
		if err != nil {
			return NormalizedResult{}, fmt.Errorf("%w: amount %q", ErrMalformedCallback, raw)
		}
	}

	st := sslStatus(form.Get("status"))
	return NormalizedResult{
		Gateway:         SSLCommerzName,
		TransactionID:   tranID,
		ValidationID:    form.Get("val_id"),
		Status:          st,
		Amount:          amount,
		Currency:        strings.ToUpper(form.Get("currency")),
		Method:          form.Get("card_type"),
		NeedsValidation: st == StatusSucceeded,
		OccurredAt:      parseSSLTime(form.Get("tran_date")),
		Raw: map[string]any{
			"status":       form.Get("status"),
			"bank_tran_id": form.Get("bank_tran_id"),
			"card_issuer":  form.Get("card_issuer"),
		},
	}, nil
}

func (g *SSLCommerz) validSignature(form url.Values) bool {
	sign := form.Get("verify_sign")
	keys := form.Get("verify_key")
	if sign == "" || keys == "" {
		return false
	}
	return strings.EqualFold(sign, SSLCommerzSignature(form, g.cfg.StorePass))
}

// SSLCommerzSignature computes verify_sign for the fields named in verify_key.
func SSLCommerzSignature(form url.Values, storePass string) string {
	passHash := md5.Sum([]byte(storePass))
	fields := map[string]string{"store_passwd": hex.EncodeToString(passHash[:])}
	for _, key := range strings.Split(form.Get("verify_key"), ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fields[key] = form.Get(key)
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('&')
	}
	sum := md5.Sum([]byte(strings.TrimSuffix(b.String(), "&")))
	return hex.EncodeToString(sum[:])
}

func (g *SSLCommerz) do(req *http.Request) ([]byte, int, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read sslcommerz response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status, body: %s", string(body))
	}
	return body, resp.StatusCode, nil
}

func (g *SSLCommerz) callError(op string, status int, err error) error {
	if isTimeout(err) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &GatewayError{Gateway: SSLCommerzName, Op: op, StatusCode: status, Err: err}
}

func sslStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "VALID", "VALIDATED":
		return StatusSucceeded
	case "PENDING", "PROCESSING":
		return StatusPending
	default:
		return StatusFailed
	}
}

func parseSSLTime(raw string) time.Time {
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", strings.TrimSpace(raw), time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestSSLCommerz(t *testing.T, handler http.HandlerFunc) *SSLCommerz {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g, err := NewSSLCommerz(SSLCommerzConfig{
		BaseURL:   srv.URL,
		StoreID:   "store",
		StorePass: "secret",
		IPNURL:    "https://shop.example.com/api/webhooks/payments/sslcommerz",
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	return g
}

func TestSSLCommerzCreateIntent(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gwprocess/v4/api.php", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "store", r.PostForm.Get("store_id"))
		require.Equal(t, "200.00", r.PostForm.Get("total_amount"))
		require.Equal(t, "BDT", r.PostForm.Get("currency"))
		require.Equal(t, "TX-1", r.PostForm.Get("tran_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"SUCCESS","sessionkey":"S1","GatewayPageURL":"https://pay.example.com/S1"}`))
	})

	handle, err := g.CreateIntent(context.Background(), IntentRequest{
		TransactionID: "TX-1",
		OrderNumber:   "ORD-1",
		Amount:        decimal.NewFromInt(200),
		Currency:      "bdt",
	})
	require.NoError(t, err)
	require.Equal(t, "TX-1", handle.TransactionID)
	require.Equal(t, "https://pay.example.com/S1", handle.RedirectURL)
}

func TestSSLCommerzCreateIntentFailure(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"FAILED","failedreason":"Store Credential Error"}`))
	})

	_, err := g.CreateIntent(context.Background(), IntentRequest{TransactionID: "TX-1", Amount: decimal.NewFromInt(1), Currency: "BDT"})
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, "Store Credential Error", gerr.Message)
}

func TestSSLCommerzVerify(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/validator/api/merchantTransIDvalidationAPI.php", r.URL.Path)
		require.Equal(t, "TX-1", r.URL.Query().Get("tran_id"))
		_, _ = w.Write([]byte(`{"APIConnect":"DONE","no_of_trans_found":2,"element":[
			{"val_id":"V0","status":"FAILED","tran_id":"TX-1","amount":"200.00","currency":"BDT"},
			{"val_id":"V1","status":"VALID","tran_id":"TX-1","amount":"200.00","currency":"BDT","card_type":"BKASH-BKash","tran_date":"2026-01-02 10:11:12"}
		]}`))
	})

	res, err := g.Verify(context.Background(), "TX-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.Equal(t, "V1", res.ValidationID)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(200)))
	require.Equal(t, "BDT", res.Currency)
	require.Equal(t, 2026, res.OccurredAt.Year())
}

func TestSSLCommerzVerifyNotFound(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"APIConnect":"DONE","no_of_trans_found":0}`))
	})
	_, err := g.Verify(context.Background(), "TX-404")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSSLCommerzVerifyTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	g := newTestSSLCommerz(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Verify(ctx, "TX-1")
	require.ErrorIs(t, err, ErrTimeout)
}

func signedIPN(status, amount string) url.Values {
	form := url.Values{}
	form.Set("tran_id", "TX-1")
	form.Set("val_id", "V1")
	form.Set("amount", amount)
	form.Set("currency", "BDT")
	form.Set("status", status)
	form.Set("card_type", "VISA-Dutch Bangla")
	form.Set("verify_key", "amount,currency,status,tran_id,val_id")
	form.Set("verify_sign", SSLCommerzSignature(form, "secret"))
	return form
}

func TestSSLCommerzTruncatedResponse(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "512")
		_, _ = w.Write([]byte(`{"APIConnect":"DO`))
	})

	_, err := g.Verify(context.Background(), "TX-1")
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, "verify", gerr.Op)
	require.ErrorContains(t, err, "read sslcommerz response")
}

func TestSSLCommerzParseCallback(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(http.ResponseWriter, *http.Request) {})

	res, err := g.ParseCallback([]byte(signedIPN("VALID", "200.00").Encode()), nil)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.True(t, res.NeedsValidation)
	require.Equal(t, "TX-1", res.TransactionID)

	res, err = g.ParseCallback([]byte(signedIPN("FAILED", "200.00").Encode()), nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.False(t, res.NeedsValidation)
}

func TestSSLCommerzParseCallbackRejectsTampering(t *testing.T) {
	t.Parallel()
	g := newTestSSLCommerz(t, func(http.ResponseWriter, *http.Request) {})

	form := signedIPN("VALID", "200.00")
	form.Set("amount", "2000.00")
	_, err := g.ParseCallback([]byte(form.Encode()), nil)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = g.ParseCallback([]byte("status=VALID"), nil)
	require.ErrorIs(t, err, ErrMalformedCallback)
}

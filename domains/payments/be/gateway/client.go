// Package gateway is a normalizing adapter over the VioletPay QRIS processor.
// It speaks the processor's form-POST API, signs requests, retries transient
// transport failures, and collapses the processor's free-form status strings
// into the three states the reconciler understands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	sandboxBaseURL    = "https://violetmediapay.com/api/sandbox"
	productionBaseURL = "https://violetmediapay.com/api/live"

	maxAttempts  = 3
	retryBackoff = time.Second

	paymentTTL = 24 * time.Hour
)

// Errors reported by the client.
var (
	// ErrGatewayUnavailable means every transport attempt failed. The caller
	// should treat the order as still pending.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected means the gateway answered and refused the request.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
)

// Status is the normalized transaction state.
type Status int

const (
	StatusPending Status = iota
	StatusSettled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusSettled:
		return "settled"
	case StatusExpired:
		return "expired"
	default:
		return "pending"
	}
}

// Intent is a created payment awaiting completion by the buyer.
type Intent struct {
	RefCode       string
	ExternalRefID string
	CheckoutURL   string
	QRPayload     string
	Amount        int64
	CreatedAt     time.Time
}

// Payer identifies the buyer to the processor. Zero-value fields fall back
// to processor-accepted placeholders.
type Payer struct {
	Name  string
	Email string
	Phone string
}

// Fee is the processor's charge breakdown for one channel and amount.
type Fee struct {
	Channel string
	Amount  int64
	Fee     int64
	Total   int64
}

// Config carries one tenant's gateway credentials.
type Config struct {
	APIKey     string
	SecretKey  string
	Production bool
}

// Client talks to the processor on behalf of one tenant.
type Client struct {
	cfg        Config
	baseURL    string
	httpc      *http.Client
	now        func() time.Time
	retryDelay time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL overrides the processor endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New builds a Client for one tenant's credentials.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("gateway credentials are required")
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    sandboxBaseURL,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		retryDelay: retryBackoff,
	}
	if cfg.Production {
		c.baseURL = productionBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreatePayment opens a QRIS payment intent for amount minor units.
func (c *Client) CreatePayment(ctx context.Context, amount int64, payer Payer, product, channel string) (Intent, error) {
	if amount <= 0 {
		return Intent{}, fmt.Errorf("amount must be positive")
	}
	if channel == "" {
		channel = "QRIS"
	}
	refCode := NewRefCode()
	now := c.now().UTC()

	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("secret_key", c.cfg.SecretKey)
	form.Set("channel_payment", strings.ToUpper(channel))
	form.Set("ref_kode", refCode)
	form.Set("nominal", fmt.Sprintf("%d", amount))
	form.Set("cus_nama", orDefault(payer.Name, "Customer"))
	form.Set("cus_email", orDefault(payer.Email, "customer@email.com"))
	form.Set("cus_phone", orDefault(payer.Phone, "08123456789"))
	form.Set("produk", product)
	form.Set("expired_time", fmt.Sprintf("%d", now.Add(paymentTTL).Unix()))
	form.Set("signature", Signature(c.cfg.SecretKey, refCode, c.cfg.APIKey, amount))

	var resp createResponse
	if err := c.post(ctx, "/create", form, &resp); err != nil {
		return Intent{}, err
	}
	if !resp.accepted() {
		return Intent{}, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.reason())
	}

	data := resp.payload()
	return Intent{
		RefCode:       refCode,
		ExternalRefID: data.RefID,
		CheckoutURL:   data.CheckoutURL,
		QRPayload:     data.qr(),
		Amount:        amount,
		CreatedAt:     now,
	}, nil
}

// CheckStatus queries the processor for one transaction and normalizes the
// answer. An answer the client does not recognize is pending, never settled.
func (c *Client) CheckStatus(ctx context.Context, refCode, externalRefID string) (Status, error) {
	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("secret_key", c.cfg.SecretKey)
	form.Set("ref", refCode)
	if externalRefID != "" {
		form.Set("ref_id", externalRefID)
	}

	var resp statusResponse
	if err := c.post(ctx, "/transactions", form, &resp); err != nil {
		return StatusPending, err
	}
	return NormalizeStatus(resp.status()), nil
}

// CalculateFee asks the processor what a channel charges for an amount.
func (c *Client) CalculateFee(ctx context.Context, channel string, amount int64) (Fee, error) {
	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("secret_key", c.cfg.SecretKey)
	form.Set("code", channel)
	form.Set("amount", fmt.Sprintf("%d", amount))

	var resp feeResponse
	if err := c.post(ctx, "/fee-calculator", form, &resp); err != nil {
		return Fee{}, err
	}
	if !resp.Success {
		return Fee{}, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.Error)
	}
	return Fee{
		Channel: channel,
		Amount:  amount,
		Fee:     resp.Data.Fee,
		Total:   resp.Data.Total,
	}, nil
}

// MerchantBalance returns the tenant's withdrawable balance at the processor.
func (c *Client) MerchantBalance(ctx context.Context) (int64, error) {
	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("secret_key", c.cfg.SecretKey)
	form.Set("method", "balance")

	var resp balanceResponse
	if err := c.post(ctx, "/balance", form, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.Error)
	}
	return resp.Data.Balance, nil
}

// Channels lists the payment channels the merchant account may use.
func (c *Client) Channels(ctx context.Context) ([]string, error) {
	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("secret_key", c.cfg.SecretKey)
	form.Set("channel_payment", "list")

	var resp channelsResponse
	if err := c.post(ctx, "/channel-payment", form, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, resp.Error)
	}
	out := make([]string, 0, len(resp.Data))
	for _, ch := range resp.Data {
		out = append(out, ch.Code)
	}
	return out, nil
}

// post sends the form and decodes the JSON answer, retrying transport
// failures with linear backoff. A decoded answer is final: gateway-level
// rejections are never retried.
func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * c.retryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", "viletorder/1.0")

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("gateway returned %s", resp.Status)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: %s", ErrGatewayRejected, resp.Status)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}

// NormalizeStatus maps the processor's status vocabulary onto Status. The
// processor reports in Indonesian or English depending on endpoint version.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "sukses", "dibayar", "paid":
		return StatusSettled
	case "expired", "kadaluarsa":
		return StatusExpired
	default:
		return StatusPending
	}
}

// NewRefCode returns a fresh merchant reference: the unix timestamp in
// milliseconds with three random digits appended.
func NewRefCode() string {
	return fmt.Sprintf("%d%03d", time.Now().UnixMilli(), rand.Intn(1000))
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Response shapes. The processor nests payloads inconsistently between
// endpoint versions, so the accessors probe both levels.

type createResponse struct {
	Success bool            `json:"success"`
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    *createData     `json:"data"`

	createData
}

type createData struct {
	RefID       string `json:"ref_id"`
	CheckoutURL string `json:"checkout_url"`
	Target      string `json:"target"`
	QRISURL     string `json:"qris_url"`
	QRURL       string `json:"qr_url"`
}

func (r *createResponse) accepted() bool {
	if r.Success {
		return true
	}
	// Some versions answer {"status": true} instead of {"success": true}.
	var b bool
	return json.Unmarshal(r.Status, &b) == nil && b
}

func (r *createResponse) reason() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Message != "" {
		return r.Message
	}
	var s string
	if json.Unmarshal(r.Status, &s) == nil && s != "" {
		return s
	}
	return "unspecified"
}

func (r *createResponse) payload() createData {
	if r.Data != nil {
		return *r.Data
	}
	return r.createData
}

func (d createData) qr() string {
	for _, candidate := range []string{d.Target, d.QRISURL, d.QRURL} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

type statusResponse struct {
	Status string `json:"status"`
	Data   *struct {
		Status string `json:"status"`
	} `json:"data"`
}

func (r *statusResponse) status() string {
	if r.Data != nil && r.Data.Status != "" {
		return r.Data.Status
	}
	return r.Status
}

type feeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Fee   int64 `json:"fee"`
		Total int64 `json:"total"`
	} `json:"data"`
}

type balanceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Balance int64 `json:"balance"`
	} `json:"data"`
}

type channelsResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"data"`
}

// Package processor is a read-only client for the payment processor's
// payments API.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payrecon/internal/domain"
)

const (
	DefaultBaseURL = "https://api.mercadopago.com"
	DefaultTimeout = 5 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// Observer receives one call per processor request.
// result is "ok" or a Kind string.
type Observer interface {
	ObserveProcessorRequest(op, result string, elapsed time.Duration)
}

// Client queries payments by ID or external reference.
// It holds no mutable state and is safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	timeout  time.Duration
	http     *http.Client
	observer Observer
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request. Values <= 0 are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithObserver reports request outcomes and latency.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client. The access token is process-wide configuration;
// it is sent as a bearer credential and never logged.
func New(baseURL, accessToken string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		timeout: DefaultTimeout,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// String redacts the credential.
func (c *Client) String() string {
	return fmt.Sprintf("processor.Client{baseURL: %s, token: [REDACTED]}", c.baseURL)
}

// FetchPayment returns the processor's current view of a payment.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	const op = "fetch_payment"
	if paymentID == "" {
		return domain.PaymentSnapshot{}, &Error{Kind: KindNotFound, Op: op, Err: errors.New("empty payment id")}
	}

	var p payment
	if err := c.get(ctx, op, "/v1/payments/"+url.PathEscape(paymentID), &p); err != nil {
		return domain.PaymentSnapshot{}, err
	}
	return p.snapshot(), nil
}

// SearchByExternalReference returns the most recently updated payment
// carrying ref, or a NotFound error when there is none.
func (c *Client) SearchByExternalReference(ctx context.Context, ref string) (domain.PaymentSnapshot, error) {
	const op = "search_payments"
	if ref == "" {
		return domain.PaymentSnapshot{}, &Error{Kind: KindNotFound, Op: op, Err: errors.New("empty external reference")}
	}

	q := url.Values{}
	q.Set("external_reference", ref)
	q.Set("sort", "date_last_updated")
	q.Set("criteria", "desc")

	var res searchResponse
	if err := c.get(ctx, op, "/v1/payments/search?"+q.Encode(), &res); err != nil {
		return domain.PaymentSnapshot{}, err
	}
	if len(res.Results) == 0 {
		return domain.PaymentSnapshot{}, &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("no payment for reference %q", ref)}
	}

	// Do not trust the server-side sort.
	latest := res.Results[0]
	for _, p := range res.Results[1:] {
		if p.updatedAfter(latest) {
			latest = p
		}
	}
	return latest.snapshot(), nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if k, ok := KindOf(err); ok {
			result = k.String()
		}
		if c.observer != nil {
			c.observer.ObserveProcessorRequest(op, result, time.Since(start))
		}
		c.logger.Debug("processor request", "op", op, "result", result, "elapsed", time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Kind:       kindForStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(apiMessage(body, resp.Status)),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

// apiMessage extracts the processor's error message, falling back to the
// HTTP status line.
func apiMessage(body []byte, fallback string) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return fallback
}

type searchResponse struct {
	Results []payment `json:"results"`
}

type payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	PaymentMethodID   string          `json:"payment_method_id"`
	DateApproved      *time.Time      `json:"date_approved"`
	DateLastUpdated   *time.Time      `json:"date_last_updated"`
}

func (p payment) snapshot() domain.PaymentSnapshot {
	return domain.PaymentSnapshot{
		ID:                p.ID.String(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		Amount:            p.TransactionAmount,
		Currency:          p.CurrencyID,
		PaymentMethodID:   p.PaymentMethodID,
		DateApproved:      utc(p.DateApproved),
		DateLastUpdated:   utc(p.DateLastUpdated),
	}
}

func (p payment) updatedAfter(other payment) bool {
	if p.DateLastUpdated == nil {
		return false
	}
	if other.DateLastUpdated == nil {
		return true
	}
	return p.DateLastUpdated.After(*other.DateLastUpdated)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

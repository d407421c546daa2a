// Package payments links holds to provider checkout sessions and
// reconciles provider events into payment state. Provider payloads are
// never logged; log lines carry only event id, event type and object id.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pousada/faults"
)

const defaultStripeBaseURL = "https://api.stripe.com"

// SessionProvider is the slice of the payment provider the broker needs.
type SessionProvider interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}

// CheckoutParams describes one hosted checkout session. The idempotency
// key is deterministic per hold, so provider-side retries return the
// same session instead of minting another.
type CheckoutParams struct {
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	ProductName    string
	Reference      string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
}

// CheckoutSession is the reduced provider session shape.
type CheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}

// StripeClient is a hand-rolled client for the two session endpoints
// the broker uses.
type StripeClient struct {
	baseURL   string
	secretKey string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
}

type StripeOption func(*StripeClient)

// WithStripeBaseURL points the client at a test server.
func WithStripeBaseURL(base string) StripeOption {
	return func(c *StripeClient) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithStripeHTTPClient replaces the underlying HTTP client.
func WithStripeHTTPClient(client *http.Client) StripeOption {
	return func(c *StripeClient) { c.http = client }
}

func NewStripeClient(secretKey string, opts ...StripeOption) *StripeClient {
	c := &StripeClient{
		baseURL:   defaultStripeBaseURL,
		secretKey: secretKey,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "stripe",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCheckoutSession opens a hosted checkout session in payment mode
// with a single line item.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if c.secretKey == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "stripe_unconfigured", "stripe secret key is not configured")
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", params.Reference)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(params.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.ProductName)
	for key, value := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", params.IdempotencyKey, form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RetrieveCheckoutSession fetches the authoritative session state.
func (c *StripeClient) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	if c.secretKey == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "stripe_unconfigured", "stripe secret key is not configured")
	}
	if sessionID == "" {
		return nil, faults.New(faults.KindValidation, "missing_session_id", "session id is required")
	}
	var session CheckoutSession
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), "", nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// do performs one call with a single retry on timeout. The idempotency
// key makes the POST retry safe on the provider side.
func (c *StripeClient) do(ctx context.Context, method, path, idempotencyKey string, form url.Values, out any) error {
	call := func(ctx context.Context) error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		raw, err := c.roundTrip(req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return faults.Wrap(faults.KindProviderPermanent, "stripe_decode", err)
		}
		return nil
	}
	err := call(ctx)
	if err != nil && isProviderTimeout(err) {
		return call(ctx)
	}
	return err
}

func (c *StripeClient) roundTrip(req *http.Request) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, faults.Wrap(faults.KindProviderTransient, "stripe_unreachable", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, faults.Wrap(faults.KindProviderTransient, "stripe_read", err)
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return raw, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, faults.Newf(faults.KindProviderTransient, "stripe_status", "stripe returned status %d", resp.StatusCode)
		default:
			return nil, faults.Newf(faults.KindProviderPermanent, "stripe_status", "stripe returned status %d", resp.StatusCode)
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, faults.Wrap(faults.KindProviderTransient, "stripe_breaker_open", err)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func isProviderTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pousada/faults"
)

func newProviderBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

func newProviderHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// EvolutionClient talks to a self-hosted Evolution API server.
type EvolutionClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewEvolutionClient(baseURL, apiKey string) *EvolutionClient {
	return &EvolutionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    newProviderHTTPClient(),
		breaker: newProviderBreaker("evolution-send"),
	}
}

type evolutionSendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText delivers a text message through the named Evolution
// instance. Timeouts are retried once; the message id dedupe upstream
// makes redelivery safe.
func (c *EvolutionClient) SendText(ctx context.Context, instance, to, text string) error {
	if c.baseURL == "" || c.apiKey == "" {
		return faults.New(faults.KindConfigurationMissing, "evolution_unconfigured", "evolution base URL and API key are required")
	}
	if instance == "" {
		return faults.New(faults.KindConfigurationMissing, "evolution_instance", "property has no evolution instance configured")
	}
	body, err := json.Marshal(evolutionSendRequest{Number: to, Text: text})
	if err != nil {
		return err
	}
	send := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message/sendText/"+instance, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apikey", c.apiKey)
		return doProviderRequest(c.breaker, c.http, req, "evolution")
	}
	if err := send(ctx); err != nil {
		if isProviderTimeout(err) {
			return send(ctx)
		}
		return err
	}
	return nil
}

// MetaClient talks to the Meta Graph API for WhatsApp Cloud.
type MetaClient struct {
	baseURL     string
	accessToken string
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
}

func NewMetaClient(graphBaseURL, accessToken string) *MetaClient {
	return &MetaClient{
		baseURL:     strings.TrimRight(graphBaseURL, "/"),
		accessToken: accessToken,
		http:        newProviderHTTPClient(),
		breaker:     newProviderBreaker("meta-send"),
	}
}

type metaSendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             metaSendText `json:"text"`
}

type metaSendText struct {
	Body string `json:"body"`
}

// SendText delivers a text message through the property's Cloud phone
// number. Vault rows store Evolution-style JIDs for some contacts, so
// the domain suffix is stripped before dialing Graph.
func (c *MetaClient) SendText(ctx context.Context, phoneNumberID, to, text string) error {
	if c.baseURL == "" || c.accessToken == "" {
		return faults.New(faults.KindConfigurationMissing, "meta_unconfigured", "meta graph base URL and access token are required")
	}
	if phoneNumberID == "" {
		return faults.New(faults.KindConfigurationMissing, "meta_phone_number", "property has no meta phone number configured")
	}
	number := to
	if at := strings.IndexByte(number, '@'); at >= 0 {
		number = number[:at]
	}
	body, err := json.Marshal(metaSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               number,
		Type:             "text",
		Text:             metaSendText{Body: text},
	})
	if err != nil {
		return err
	}
	send := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+phoneNumberID+"/messages", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		return doProviderRequest(c.breaker, c.http, req, "meta")
	}
	if err := send(ctx); err != nil {
		if isProviderTimeout(err) {
			return send(ctx)
		}
		return err
	}
	return nil
}

func doProviderRequest(breaker *gobreaker.CircuitBreaker, client *http.Client, req *http.Request, provider string) error {
	_, err := breaker.Execute(func() (interface{}, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, faults.Wrap(faults.KindProviderTransient, provider+"_unreachable", err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, faults.Newf(faults.KindProviderTransient, provider+"_status", "%s send returned status %d", provider, resp.StatusCode)
		default:
			return nil, faults.Newf(faults.KindProviderPermanent, provider+"_status", "%s send returned status %d", provider, resp.StatusCode)
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.Wrap(faults.KindProviderTransient, provider+"_breaker_open", err)
	}
	return err
}

func isProviderTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

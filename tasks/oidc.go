package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pousada/faults"
)

const metadataBase = "http://metadata.google.internal"

// StaticTokenSource returns a fixed token. Tests and break-glass ops.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// IdentityTokenSource mints OIDC identity tokens for the configured
// audience from the runtime metadata server, caching each token until
// shortly before its exp claim.
type IdentityTokenSource struct {
	audience string
	base     string
	client   *http.Client

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// IdentityOption mutates token source construction.
type IdentityOption func(*IdentityTokenSource)

// WithMetadataBase points the source at a fake metadata server.
func WithMetadataBase(base string) IdentityOption {
	return func(s *IdentityTokenSource) {
		if base != "" {
			s.base = strings.TrimRight(base, "/")
		}
	}
}

// NewIdentityTokenSource fails closed on a missing audience.
func NewIdentityTokenSource(audience string, opts ...IdentityOption) (*IdentityTokenSource, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_audience", "TASKS_OIDC_AUDIENCE is required to mint identity tokens")
	}
	s := &IdentityTokenSource{
		audience: audience,
		base:     metadataBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *IdentityTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cached != "" && time.Now().Before(s.expiry) {
		token := s.cached
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	endpoint := fmt.Sprintf("%s/computeMetadata/v1/instance/service-accounts/default/identity?audience=%s&format=full",
		s.base, url.QueryEscape(s.audience))
	raw, err := s.fetch(ctx, endpoint)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))

	s.mu.Lock()
	s.cached = token
	s.expiry = tokenExpiry(token)
	s.mu.Unlock()
	return token, nil
}

// AccessTokenSource fetches OAuth access tokens for calling Google
// APIs with the process's ambient service account.
type AccessTokenSource struct {
	base   string
	client *http.Client

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// NewAccessTokenSource uses the runtime metadata server; base overrides
// it for tests.
func NewAccessTokenSource(base string) *AccessTokenSource {
	if base == "" {
		base = metadataBase
	}
	return &AccessTokenSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *AccessTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cached != "" && time.Now().Before(s.expiry) {
		token := s.cached
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	raw, err := fetchMetadata(ctx, s.client, s.base+"/computeMetadata/v1/instance/service-accounts/default/token")
	if err != nil {
		return "", err
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", faults.Wrap(faults.KindProviderTransient, "metadata_decode", err)
	}
	if body.AccessToken == "" {
		return "", faults.New(faults.KindProviderTransient, "metadata_empty", "metadata server returned an empty access token")
	}

	s.mu.Lock()
	s.cached = body.AccessToken
	s.expiry = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - 2*time.Minute)
	s.mu.Unlock()
	return body.AccessToken, nil
}

func (s *IdentityTokenSource) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	return fetchMetadata(ctx, s.client, endpoint)
}

func fetchMetadata(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindProviderTransient, "metadata_unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Newf(faults.KindProviderTransient, "metadata_status", "metadata server returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// tokenExpiry reads the exp claim without verification; verification is
// the receiver's job. A two-minute margin absorbs clock skew.
func tokenExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Now().Add(time.Minute)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Now().Add(time.Minute)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Now().Add(time.Minute)
	}
	return time.Unix(claims.Exp, 0).Add(-2 * time.Minute)
}

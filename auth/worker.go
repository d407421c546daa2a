package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"pousada/config"
	"pousada/faults"
)

// HeaderInternalSecret authenticates worker calls in local development,
// where no metadata server exists to mint real identity tokens.
const HeaderInternalSecret = "X-Internal-Secret"

// WorkerVerifier validates inbound task invocations. In production it
// checks an OIDC ID token against the configured audience and service
// account; under the local-dev sentinel audience it compares a shared
// secret header instead.
type WorkerVerifier struct {
	audience       string
	serviceAccount string
	issuer         string
	localSecret    string
	keys           *jwksCache
	now            func() time.Time
}

// NewWorkerVerifier fails closed: a missing audience, issuer or JWKS
// endpoint (or, in local mode, a missing shared secret) refuses to
// construct rather than falling back to an open handler.
func NewWorkerVerifier(cfg config.TasksConfig) (*WorkerVerifier, error) {
	audience := strings.TrimSpace(cfg.OIDCAudience)
	if audience == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_audience", "TASKS_OIDC_AUDIENCE is required to verify worker calls")
	}
	v := &WorkerVerifier{
		audience:       audience,
		serviceAccount: strings.TrimSpace(cfg.OIDCServiceAccount),
		issuer:         strings.TrimSpace(cfg.OIDCIssuer),
		now:            time.Now,
	}
	if cfg.LocalDev() {
		secret := strings.TrimSpace(cfg.InternalSecret)
		if secret == "" {
			return nil, faults.New(faults.KindConfigurationMissing, "missing_internal_secret", "TASKS_INTERNAL_SECRET is required for local worker auth")
		}
		v.localSecret = secret
		return v, nil
	}
	if v.issuer == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_issuer", "WORKER_OIDC_ISSUER is required to verify worker calls")
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_jwks_url", "WORKER_OIDC_JWKS_URL is required to verify worker calls")
	}
	ttl := cfg.JWKSCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	v.keys = newJWKSCache(jwksURL, ttl)
	return v, nil
}

// WithNow pins the verifier clock. Tests only.
func (v *WorkerVerifier) WithNow(now func() time.Time) *WorkerVerifier {
	v.now = now
	return v
}

// Authenticate checks one inbound task request.
func (v *WorkerVerifier) Authenticate(r *http.Request) error {
	if v.localSecret != "" {
		presented := strings.TrimSpace(r.Header.Get(HeaderInternalSecret))
		if presented == "" {
			return faults.New(faults.KindAuth, "missing_internal_secret", "missing internal secret header")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(v.localSecret)) != 1 {
			return faults.New(faults.KindAuth, "invalid_internal_secret", "internal secret mismatch")
		}
		return nil
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authz, " ", 2)
	if authz == "" || len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return faults.New(faults.KindAuth, "missing_bearer", "missing bearer token")
	}
	return v.verifyIDToken(r.Context(), strings.TrimSpace(parts[1]))
}

// Middleware rejects unauthenticated task calls before they reach the
// handlers. A JWKS outage maps to 503 so the queue redelivers instead of
// dropping the task as unauthorized.
func (v *WorkerVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Authenticate(r); err != nil {
			status := http.StatusUnauthorized
			if faults.IsKind(err, faults.KindProviderTransient) {
				status = http.StatusServiceUnavailable
			}
			deny(w, status, faults.CodeOf(err), "worker authentication failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *WorkerVerifier) verifyIDToken(ctx context.Context, raw string) error {
	if raw == "" {
		return faults.New(faults.KindAuth, "missing_bearer", "missing bearer token")
	}
	set, err := v.keys.get(ctx, false)
	if err != nil {
		return err
	}
	tok, err := v.parse(raw, set)
	if err != nil {
		// Key rotation surfaces as a verification failure against the
		// cached set. One forced refresh per request, then give up.
		fresh, ferr := v.keys.get(ctx, true)
		if ferr != nil {
			return ferr
		}
		if tok, err = v.parse(raw, fresh); err != nil {
			return faults.Wrap(faults.KindAuth, "invalid_id_token", err)
		}
	}
	return v.checkServiceAccount(tok)
}

func (v *WorkerVerifier) parse(raw string, set jwk.Set) (jwt.Token, error) {
	return jwt.ParseString(raw,
		jwt.WithKeySet(set),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(30*time.Second),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	)
}

// checkServiceAccount pins the caller identity when a service account is
// configured. Google ID tokens carry the account email in the email
// claim and a numeric id in sub; either may be configured.
func (v *WorkerVerifier) checkServiceAccount(tok jwt.Token) error {
	if v.serviceAccount == "" {
		return nil
	}
	var email string
	if err := tok.Get("email", &email); err == nil {
		if strings.EqualFold(strings.TrimSpace(email), v.serviceAccount) {
			return nil
		}
	}
	var subject string
	if err := tok.Get(jwt.SubjectKey, &subject); err == nil {
		if strings.TrimSpace(subject) == v.serviceAccount {
			return nil
		}
	}
	return faults.New(faults.KindAuth, "wrong_service_account", "token identity is not the tasks service account")
}

// jwksCache holds the issuer's signing keys behind a time-based TTL and
// a single refresh mutex. get with force set bypasses the TTL, which
// callers do at most once per request.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	set       jwk.Set
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *jwksCache) get(ctx context.Context, force bool) (jwk.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set != nil && !force && time.Since(c.fetchedAt) < c.ttl {
		return c.set, nil
	}
	set, err := jwk.Fetch(ctx, c.url, jwk.WithHTTPClient(c.client))
	if err != nil {
		if c.set != nil && !force {
			// Serve the stale set instead of failing every request
			// while the issuer endpoint flaps.
			return c.set, nil
		}
		return nil, faults.Wrap(faults.KindProviderTransient, "jwks_fetch", err)
	}
	c.set = set
	c.fetchedAt = time.Now()
	return set, nil
}

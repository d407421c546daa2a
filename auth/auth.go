// Package auth verifies dashboard bearer tokens and worker OIDC calls
// and enforces per-property role authorization on the HTTP surfaces.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pousada/config"
	"pousada/faults"
)

// HeaderPropertyID selects the property a dashboard request acts on.
const HeaderPropertyID = "X-Property-Id"

// Context keys for storing authenticated identity information.
type contextKey string

const (
	contextKeyClaims   contextKey = "staff_claims"
	contextKeyProperty contextKey = "property_id"
	contextKeyRole     contextKey = "acting_role"
)

// Role grades a user's access within one property.
type Role string

// Supported roles, weakest first.
const (
	RoleViewer     Role = "viewer"
	RoleGovernance Role = "governance"
	RoleStaff      Role = "staff"
	RoleManager    Role = "manager"
	RoleOwner      Role = "owner"
)

// roleRank orders roles so an endpoint can demand a minimum grade.
// Governance sits between viewer and staff: it reads everything and
// writes nothing.
var roleRank = map[Role]int{
	RoleViewer:     1,
	RoleGovernance: 2,
	RoleStaff:      3,
	RoleManager:    4,
	RoleOwner:      5,
}

// Known reports whether the role belongs to the taxonomy.
func (r Role) Known() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether the role grants everything min does.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] > 0 && roleRank[r] >= roleRank[min]
}

// Claims carries the verified identity of a dashboard user. Properties
// maps each granted property to the user's role there.
type Claims struct {
	Subject    string
	Properties map[uuid.UUID]Role
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// RoleFor returns the user's role for one property.
func (c *Claims) RoleFor(propertyID uuid.UUID) (Role, bool) {
	if c == nil {
		return "", false
	}
	role, ok := c.Properties[propertyID]
	return role, ok
}

// StaffVerifier checks dashboard bearer tokens: HS256 signature, issuer,
// audience and the property grant claim.
type StaffVerifier struct {
	secret    []byte
	issuer    string
	audience  []string
	roleClaim string
	leeway    time.Duration
	now       func() time.Time
}

// NewStaffVerifier fails closed on a missing secret, issuer or audience.
func NewStaffVerifier(cfg config.StaffAuthConfig) (*StaffVerifier, error) {
	secret := strings.TrimSpace(cfg.HSSecret)
	if secret == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "staff_jwt_secret", "STAFF_JWT_SECRET is required")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "staff_jwt_issuer", "staff token issuer is required")
	}
	audiences := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, faults.New(faults.KindConfigurationMissing, "staff_jwt_audience", "at least one staff token audience is required")
	}
	roleClaim := strings.TrimSpace(cfg.RoleClaim)
	if roleClaim == "" {
		roleClaim = "properties"
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &StaffVerifier{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  audiences,
		roleClaim: roleClaim,
		leeway:    leeway,
		now:       time.Now,
	}, nil
}

// WithNow pins the verifier clock. Tests only.
func (v *StaffVerifier) WithNow(now func() time.Time) *StaffVerifier {
	v.now = now
	return v
}

// Verify parses and validates a bearer token and extracts the claims.
func (v *StaffVerifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, faults.Wrap(faults.KindAuth, "invalid_token", err)
	}
	if !parsed.Valid {
		return nil, faults.New(faults.KindAuth, "invalid_token", "token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, faults.New(faults.KindAuth, "missing_subject", "token subject missing")
	}

	tokenAud := extractStringSlice(claims["aud"])
	if len(tokenAud) == 0 {
		return nil, faults.New(faults.KindAuth, "missing_audience", "token audience missing")
	}
	if !audienceMatches(v.audience, tokenAud) {
		return nil, faults.New(faults.KindAuth, "audience_mismatch", "token audience mismatch")
	}

	properties, err := v.extractGrants(claims)
	if err != nil {
		return nil, err
	}

	return &Claims{
		Subject:    subject,
		Properties: properties,
		Token:      parsed,
		Attributes: claims,
	}, nil
}

// extractGrants reads the property grant claim, a JSON object mapping
// property id to role name. Unparseable entries are skipped; a token
// with no usable grant is rejected.
func (v *StaffVerifier) extractGrants(claims jwt.MapClaims) (map[uuid.UUID]Role, error) {
	raw, ok := claims[v.roleClaim].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil, faults.Newf(faults.KindAuth, "missing_grants", "missing property grant claim %q", v.roleClaim)
	}
	grants := make(map[uuid.UUID]Role, len(raw))
	for key, value := range raw {
		id, err := uuid.Parse(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		name, ok := value.(string)
		if !ok {
			continue
		}
		role := Role(strings.ToLower(strings.TrimSpace(name)))
		if !role.Known() {
			continue
		}
		grants[id] = role
	}
	if len(grants) == 0 {
		return nil, faults.New(faults.KindAuth, "missing_grants", "no usable property grants in token")
	}
	return grants, nil
}

// Middleware authenticates the request and attaches the Claims to the
// context. Missing or invalid credentials stop the chain with 401.
func (v *StaffVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			deny(w, http.StatusUnauthorized, "missing_authorization", "missing authorization header")
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			deny(w, http.StatusUnauthorized, "invalid_scheme", "authorization scheme must be bearer")
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			deny(w, http.StatusUnauthorized, "missing_token", "missing bearer token")
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			deny(w, http.StatusUnauthorized, faults.CodeOf(err), "invalid authorization token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole resolves the acting property from the X-Property-Id header
// and enforces a minimum role grade for it. The property id and acting
// role are attached to the context for handlers.
func RequireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				deny(w, http.StatusUnauthorized, "missing_identity", "missing identity")
				return
			}
			header := strings.TrimSpace(r.Header.Get(HeaderPropertyID))
			if header == "" {
				deny(w, http.StatusUnprocessableEntity, "missing_property", "X-Property-Id header is required")
				return
			}
			propertyID, err := uuid.Parse(header)
			if err != nil {
				deny(w, http.StatusUnprocessableEntity, "invalid_property", "X-Property-Id must be a UUID")
				return
			}
			role, ok := claims.RoleFor(propertyID)
			if !ok {
				deny(w, http.StatusForbidden, "no_property_grant", "no access to this property")
				return
			}
			if !role.AtLeast(min) {
				deny(w, http.StatusForbidden, "insufficient_role", "insufficient role")
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyProperty, propertyID)
			ctx = context.WithValue(ctx, contextKeyRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithClaims attaches verified claims to a context. Tests only.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// WithProperty attaches a resolved property and acting role. Tests only.
func WithProperty(ctx context.Context, propertyID uuid.UUID, role Role) context.Context {
	ctx = context.WithValue(ctx, contextKeyProperty, propertyID)
	return context.WithValue(ctx, contextKeyRole, role)
}

// FromContext extracts the Claims attached by Middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx != nil {
		if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
			return claims, nil
		}
	}
	return nil, faults.New(faults.KindAuth, "missing_identity", "no identity in context")
}

// PropertyFromContext returns the property resolved by RequireRole.
func PropertyFromContext(ctx context.Context) (uuid.UUID, error) {
	if ctx != nil {
		if id, ok := ctx.Value(contextKeyProperty).(uuid.UUID); ok && id != uuid.Nil {
			return id, nil
		}
	}
	return uuid.Nil, faults.New(faults.KindAuth, "missing_property", "no property in context")
}

// ActingRole returns the caller's role for the resolved property.
func ActingRole(ctx context.Context) (Role, bool) {
	if ctx == nil {
		return "", false
	}
	role, ok := ctx.Value(contextKeyRole).(Role)
	return role, ok
}

func audienceMatches(expected, actual []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(got, want) {
				return true
			}
		}
	}
	return false
}

func extractStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	case []string:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
		return out
	default:
		return nil
	}
}

// deny writes the JSON error shape shared by every guarded surface. The
// detail string is fixed per denial site and never echoes request data.
func deny(w http.ResponseWriter, status int, code, detail string) {
	if code == "" {
		code = "auth"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "detail": detail})
}

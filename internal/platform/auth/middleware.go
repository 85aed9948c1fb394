package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Claim names and verification defaults. The role claim is a Firebase custom
// claim written at provisioning time; email and locale ride along on the ID
// token itself.
const (
	defaultRoleClaim     = "role"
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultFallbackRole  = RoleUser
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter retrieves Firebase user records.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator turns Firebase token verification into HTTP middleware. Every
// dataset, field-set, mapping and fill-run route group mounts it; the admin
// group layers a role restriction on top.
type Authenticator struct {
	verifier TokenVerifier
	users    UserGetter

	roleClaim   string
	localeClaim string
	emailClaim  string

	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithUserGetter enables lazy user record loading via Firebase Admin APIs.
func WithUserGetter(getter UserGetter) Option {
	return func(a *Authenticator) {
		a.users = getter
	}
}

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithLocaleClaim overrides the claim used to populate Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithEmailClaim overrides the claim used to populate Identity.Email.
func WithEmailClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.emailClaim = claim
		}
	}
}

// WithFallbackRole sets the role assumed when the token carries no role claim.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = canonicalRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

// WithVerificationTimeout bounds token verification and user record loading.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		localeClaim:  defaultLocaleClaim,
		emailClaim:   defaultEmailClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// RequireFirebaseAuth verifies the Authorization bearer token and, when roles
// are given, requires the identity to hold at least one of them.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = canonicalRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, failure := a.authenticate(r)
			if failure != nil {
				writeAuthError(w, failure.status, failure.code, failure.message)
				return
			}

			if len(allowed) > 0 && !anyRoleAllowed(identity.Roles, allowed) {
				writeAuthError(w, http.StatusUnauthorized, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// authFailure carries the HTTP rejection for a failed authentication attempt.
type authFailure struct {
	status  int
	code    string
	message string
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *authFailure) {
	tokenStr, ok := bearerFromHeader(r.Header.Get("Authorization"))
	if !ok {
		return nil, &authFailure{http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid"}
	}
	if a == nil || a.verifier == nil {
		return nil, &authFailure{http.StatusUnauthorized, "unauthenticated", "authorization service unavailable"}
	}

	ctx, cancel := a.verifyContext(r.Context())
	if cancel != nil {
		defer cancel()
	}

	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		return nil, verifyFailure(err)
	}

	identity := &Identity{
		UID:    token.UID,
		Email:  stringClaim(token.Claims, a.emailClaim),
		Locale: stringClaim(token.Claims, a.localeClaim),
		Roles:  claimRoles(token.Claims, a.roleClaim),
		token:  token,
	}

	if identity.Email == "" {
		// An overridden email claim still falls back to the standard one.
		identity.Email = stringClaim(token.Claims, defaultEmailClaim)
	}
	if identity.Locale == "" {
		identity.Locale = stringClaim(token.Claims, defaultLocaleClaim)
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	if len(identity.Roles) == 0 {
		return nil, &authFailure{http.StatusUnauthorized, "missing_role", "no roles associated with identity"}
	}

	if a.users != nil {
		identity.userLoader = a.userLoaderFor(identity)
	}

	return identity, nil
}

// userLoaderFor defers the Firebase user fetch until a handler asks for it.
func (a *Authenticator) userLoaderFor(identity *Identity) UserLoader {
	return func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
		if uid == "" {
			uid = identity.UID
		}
		ctx, cancel := a.verifyContext(ctx)
		if cancel != nil {
			defer cancel()
		}
		return a.users.GetUser(ctx, uid)
	}
}

func (a *Authenticator) verifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a == nil || a.timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, a.timeout)
}

func verifyFailure(err error) *authFailure {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return &authFailure{http.StatusUnauthorized, "token_expired", "firebase id token expired"}
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return &authFailure{http.StatusUnauthorized, "invalid_token", "firebase id token invalid"}
	default:
		return &authFailure{http.StatusUnauthorized, "invalid_token", "firebase id token verification failed"}
	}
}

func anyRoleAllowed(roles []string, allowed map[string]struct{}) bool {
	for _, role := range roles {
		if _, ok := allowed[canonicalRole(role)]; ok {
			return true
		}
	}
	return false
}

// roleSet accumulates normalised roles, preserving first-seen order.
type roleSet struct {
	seen  map[string]struct{}
	roles []string
}

func (s *roleSet) add(role string) {
	role = canonicalRole(role)
	if role == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, dup := s.seen[role]; dup {
		return
	}
	s.seen[role] = struct{}{}
	s.roles = append(s.roles, role)
}

// claimRoles extracts roles from a custom claim. Provisioning has written the
// claim as a single string, a string list, or a {role: true} map depending on
// era, so all three shapes are accepted.
func claimRoles(claims map[string]interface{}, key string) []string {
	var set roleSet
	switch v := claims[key].(type) {
	case string:
		set.add(v)
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				set.add(str)
			}
		}
	case []string:
		for _, item := range v {
			set.add(item)
		}
	case map[string]interface{}:
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				set.add(role)
			}
		}
	}
	return set.roles
}

func stringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func canonicalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// bearerFromHeader splits an Authorization header into its bearer token.
func bearerFromHeader(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

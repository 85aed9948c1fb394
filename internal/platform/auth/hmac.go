package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secrets partners sign their webhook
// requests with.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks signature nonces so a captured hook request cannot be
// replayed inside the timestamp window.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before within the scope. The boolean indicates
	// whether the nonce was stored (true) or already existed (false).
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory. Each replica holds its
// own registry, which is acceptable for the hook volumes partners send.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until the provided expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweepLocked(now)

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	key := scope + "::" + nonce
	if held, ok := s.nonces[key]; ok && held.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

func (s *InMemoryNonceStore) sweepLocked(now time.Time) {
	for key, expiry := range s.nonces {
		if expiry.Before(now) {
			delete(s.nonces, key)
		}
	}
}

// HMACValidator verifies signed requests from hook partners before they can
// trigger fill runs.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata describes the verified signature for downstream handlers. The
// hook handler uses SecretName to attribute the run request to a partner.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// RequireHMAC enforces the presence of a valid HMAC signature on the request.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			if secretName == "" {
				v.record(ctx, false, "secret_not_configured", start)
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured")
				return
			}

			meta, rejection := v.verify(ctx, r, secretName)
			if rejection != nil {
				v.record(ctx, false, rejection.reason, start)
				writeAuthError(w, rejection.status, rejection.code, rejection.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

// RequireHMACResolver selects the partner secret per request, so one hook
// mount can serve every configured partner.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.record(r.Context(), false, "secret_not_configured", v.now())
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret resolver not configured")
				return
			}

			secretName, ok := resolver(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				v.record(r.Context(), false, "provider_unknown", v.now())
				writeAuthError(w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised")
				return
			}

			v.RequireHMAC(secretName)(next).ServeHTTP(w, r)
		})
	}
}

// verifyRejection pairs an HTTP rejection with the metric reason label. Both
// the HMAC and OIDC validators report failures through it.
type verifyRejection struct {
	status  int
	code    string
	message string
	reason  string
}

func rejectVerify(status int, code, message, reason string) *verifyRejection {
	return &verifyRejection{status: status, code: code, message: message, reason: reason}
}

// verify walks the signature checks in order: secret, headers, timestamp
// window, body digest, nonce. The secret loads first so a misconfigured
// partner surfaces as 503 rather than a misleading signature failure.
func (v *HMACValidator) verify(ctx context.Context, r *http.Request, secretName string) (*HMACMetadata, *verifyRejection) {
	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed: %v", err)
		}
		return nil, rejectVerify(http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable", "secret_unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, rejectVerify(http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing")
	}

	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if rawTimestamp == "" {
		return nil, rejectVerify(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing")
	}
	timestamp, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return nil, rejectVerify(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, rejectVerify(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew")
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, rejectVerify(http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing")
	}

	body, err := snapshotBody(r)
	if err != nil {
		return nil, rejectVerify(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable")
	}

	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return nil, rejectVerify(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid")
	}

	expected := computeHMAC(secret, buildCanonicalString(r, body, rawTimestamp, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, rejectVerify(http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch")
	}

	if v.nonces == nil {
		return nil, rejectVerify(http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", "nonce_store_unavailable")
	}

	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}

	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, rejectVerify(http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", "nonce_store_error")
	}
	if !fresh {
		return nil, rejectVerify(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay")
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

// loadSecret caches resolved secrets for the life of the process. Partner
// secret rotation lands through a deploy, so no invalidation is needed here.
func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

// snapshotBody consumes the request body for hashing and restores it so the
// hook handler can decode the payload afterwards.
func snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts base64 or hex, whichever the partner SDK emits.
func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC3339 (with or without fractions) and
// unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}

	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// buildCanonicalString assembles the signed payload: method, escaped path,
// timestamp header value, nonce and the hex SHA-256 of the body, joined by
// newlines. Partners sign exactly this sequence.
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	method := strings.ToUpper(r.Method)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	digest := sha256.Sum256(body)
	canonical := strings.Join([]string{
		method,
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")
	return []byte(canonical)
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

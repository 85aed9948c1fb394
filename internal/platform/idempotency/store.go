package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status is the lifecycle state of one idempotency record.
type Status string

const (
	// DefaultTTL bounds how long a recorded response can be replayed. Run
	// creation retries arrive within minutes; a day covers clients that
	// resume after long network partitions.
	DefaultTTL = 24 * time.Hour
	// StatusPending marks a key that is reserved while the first request is
	// still executing.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response is stored and replayable.
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of attempting to claim a key.
type ReservationState int

const (
	// ReservationStateNew: the key was free, the caller proceeds.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: a stored response exists and is replayed.
	ReservationStateCompleted
	// ReservationStatePending: another request holds the key right now.
	ReservationStatePending
)

// Reservation pairs the claim outcome with the stored record when one exists.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted response snapshot for a key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the HTTP response captured for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and completed responses. The API wires the
// Firestore implementation; tests and the hook suite use the memory one.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch reports a key reused with a different request body
// or target, which is a client bug rather than a retry.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// docKey derives the storage identifier from the client key alone; the
// fingerprint is checked against the stored record, not mixed into the key,
// so a mismatched retry is detectable instead of silently running twice.
func docKey(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sanitizeHeaders drops hop-by-hop and volatile headers before a response is
// persisted for replay.
func sanitizeHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}

	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if shouldOmitHeader(canonical) {
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func shouldOmitHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailers", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}

package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPageToken marks page tokens that cannot be decoded. Tokens are
// client input, so callers map this to an invalid-request error rather than
// surfacing codec details.
var ErrInvalidPageToken = errors.New("invalid page token")

// EncodeCursor builds the opaque token for the entry that closed the current
// page. sortKey holds the value of whatever field ordered the query and docID
// breaks ties between equal sort keys.
func EncodeCursor(sortKey string, docID string) string {
	payload := sortKey + "|" + docID
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// DecodeCursor reverses EncodeCursor. The document ID sits after the last
// separator, so sort keys may themselves contain one.
func DecodeCursor(token string) (string, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	payload := string(data)
	idx := strings.LastIndex(payload, "|")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: missing separator", ErrInvalidPageToken)
	}
	return payload[:idx], payload[idx+1:], nil
}

// EncodeTimeCursor encodes a cursor for timestamp-ordered listings.
func EncodeTimeCursor(ts time.Time, docID string) string {
	return EncodeCursor(ts.UTC().Format(time.RFC3339Nano), docID)
}

// DecodeTimeCursor reverses EncodeTimeCursor.
func DecodeTimeCursor(token string) (time.Time, string, error) {
	sortKey, docID, err := DecodeCursor(token)
	if err != nil {
		return time.Time{}, "", err
	}
	ts, err := time.Parse(time.RFC3339Nano, sortKey)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed timestamp", ErrInvalidPageToken)
	}
	return ts, docID, nil
}

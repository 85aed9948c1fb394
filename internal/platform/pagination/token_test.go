package pagination

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestEncodeCursor_RoundTrip(t *testing.T) {
	token := EncodeCursor("acme leads", "ds_0042")

	sortKey, docID, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("DecodeCursor returned error: %v", err)
	}
	if sortKey != "acme leads" || docID != "ds_0042" {
		t.Fatalf("unexpected cursor %q / %q", sortKey, docID)
	}
}

func TestDecodeCursor_SortKeyWithSeparator(t *testing.T) {
	token := EncodeCursor("east|west", "doc-9")

	sortKey, docID, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("DecodeCursor returned error: %v", err)
	}
	if sortKey != "east|west" {
		t.Fatalf("expected sort key %q, got %q", "east|west", sortKey)
	}
	if docID != "doc-9" {
		t.Fatalf("expected doc ID %q, got %q", "doc-9", docID)
	}
}

func TestDecodeCursor_Invalid(t *testing.T) {
	if _, _, err := DecodeCursor("!!!not-base64!!!"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken for bad encoding, got %v", err)
	}

	noSeparator := base64.RawURLEncoding.EncodeToString([]byte("loose payload"))
	if _, _, err := DecodeCursor(noSeparator); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken for missing separator, got %v", err)
	}
}

func TestTimeCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 4, 12, 9, 30, 15, 123456789, time.UTC)
	token := EncodeTimeCursor(ts, "run_77")

	decoded, docID, err := DecodeTimeCursor(token)
	if err != nil {
		t.Fatalf("DecodeTimeCursor returned error: %v", err)
	}
	if !decoded.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, decoded)
	}
	if docID != "run_77" {
		t.Fatalf("expected doc ID %q, got %q", "run_77", docID)
	}
}

func TestDecodeTimeCursor_MalformedTimestamp(t *testing.T) {
	token := EncodeCursor("yesterday-ish", "run_1")

	if _, _, err := DecodeTimeCursor(token); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

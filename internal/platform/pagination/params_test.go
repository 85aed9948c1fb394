package pagination

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
)

func TestParseSize_Bounds(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}

	cases := []struct {
		name string
		raw  string
		want int
	}{
		{name: "empty falls back to default", raw: "", want: 25},
		{name: "blank falls back to default", raw: "   ", want: 25},
		{name: "zero falls back to default", raw: "0", want: 25},
		{name: "negative falls back to default", raw: "-3", want: 25},
		{name: "in range passes through", raw: "30", want: 30},
		{name: "surrounding spaces ignored", raw: " 30 ", want: 30},
		{name: "oversized clamps to max", raw: "400", want: 40},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSize(tc.raw, opts)
			if err != nil {
				t.Fatalf("ParseSize(%q) returned error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseSize(%q) = %d, want %d", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseSize_RejectsNonNumeric(t *testing.T) {
	for _, raw := range []string{"abc", "12.5", "10x"} {
		if _, err := ParseSize(raw, Options{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("ParseSize(%q): expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestParseSize_FallbackBounds(t *testing.T) {
	size, err := ParseSize("", Options{})
	if err != nil {
		t.Fatalf("ParseSize returned error: %v", err)
	}
	if size != DefaultPageSize {
		t.Fatalf("expected package default %d, got %d", DefaultPageSize, size)
	}

	size, err = ParseSize("", Options{DefaultPageSize: 500, MaxPageSize: 100})
	if err != nil {
		t.Fatalf("ParseSize returned error: %v", err)
	}
	if size != 100 {
		t.Fatalf("expected default clamped to max 100, got %d", size)
	}
}

func TestParse_ReadsQueryValues(t *testing.T) {
	values := url.Values{}
	values.Set("page_size", "15")
	values.Set("page_token", "  tok123  ")

	params, err := Parse(values, Options{DefaultPageSize: 50, MaxPageSize: 200})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 15 {
		t.Fatalf("expected page size 15, got %d", params.PageSize)
	}
	if params.PageToken != "tok123" {
		t.Fatalf("expected trimmed token %q, got %q", "tok123", params.PageToken)
	}
}

func TestParse_DefaultsWhenAbsent(t *testing.T) {
	params, err := Parse(url.Values{}, Options{DefaultPageSize: 20, MaxPageSize: 60})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 20 {
		t.Fatalf("expected default page size 20, got %d", params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty token, got %q", params.PageToken)
	}
}

func TestParse_PropagatesSizeError(t *testing.T) {
	values := url.Values{}
	values.Set("page_size", "plenty")

	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}
}

func TestFromRequest_ParsesQuery(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/datasets?page_size=20&page_token=abc", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.PageSize != 20 || params.PageToken != "abc" {
		t.Fatalf("unexpected params %+v", params)
	}
}

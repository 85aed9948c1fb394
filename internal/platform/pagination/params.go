// Package pagination implements the cursor tokens and page parameters shared
// by the list endpoints.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize applies when an endpoint does not configure its own default.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps page_size when an endpoint does not set a bound.
	DefaultMaxPageSize = 100
)

// ErrInvalidPageSize marks size parameters that are not integers.
var ErrInvalidPageSize = errors.New("invalid page size")

// Params carries the paging values accepted by every list endpoint.
type Params struct {
	PageSize  int
	PageToken string
}

// Options set the per-endpoint page size bounds.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest parses page_size and page_token from the request query.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads the paging parameters out of already parsed query values. The
// token is passed through opaque; whichever repository resumes the listing
// decodes it against its own cursor layout.
func Parse(values url.Values, opts Options) (Params, error) {
	size, err := ParseSize(values.Get("page_size"), opts)
	if err != nil {
		return Params{}, err
	}
	return Params{
		PageSize:  size,
		PageToken: strings.TrimSpace(values.Get("page_token")),
	}, nil
}

// ParseSize resolves a single size parameter against the configured bounds.
// Blank and non-positive values fall back to the default, oversized values
// clamp to the maximum, and non-numeric input is rejected.
func ParseSize(raw string, opts Options) (int, error) {
	defaultSize, maxSize := opts.bounds()
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultSize, nil
	}
	size, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
	}
	switch {
	case size <= 0:
		return defaultSize, nil
	case size > maxSize:
		return maxSize, nil
	default:
		return size, nil
	}
}

func (o Options) bounds() (defaultSize int, maxSize int) {
	defaultSize = o.DefaultPageSize
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	maxSize = o.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	if defaultSize > maxSize {
		defaultSize = maxSize
	}
	return defaultSize, maxSize
}

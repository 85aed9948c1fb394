package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/formbridge/api/internal/platform/textutil"
)

// ErrSynonymGroupsInvalid indicates a synonym configuration payload could not be parsed.
var ErrSynonymGroupsInvalid = errors.New("synonym_table: invalid groups payload")

// defaultSynonymGroups maps canonical terms to their common variants as they
// appear in spreadsheet headers and form attributes. Keys and values are
// normalized on load, so entries here may use any separator style.
var defaultSynonymGroups = map[string][]string{
	"full name":     {"name", "fullname", "display name", "contact name"},
	"first name":    {"firstname", "given name", "forename"},
	"last name":     {"lastname", "family name", "surname"},
	"email":         {"mail", "email address", "e-mail"},
	"phone":         {"telephone", "phone number", "mobile", "cell", "tel"},
	"date of birth": {"dob", "birthday", "birth date", "birthdate"},
	"street":        {"address", "street address", "address line 1", "addr"},
	"city":          {"town", "locality"},
	"state":         {"province", "region"},
	"zip":           {"zipcode", "zip code", "postal code", "postal", "postcode"},
	"country":       {"country code", "nation"},
	"company":       {"organization", "organisation", "employer", "company name"},
	"job title":     {"position", "role", "occupation"},
	"website":       {"url", "homepage", "web address", "site"},
	"notes":         {"comments", "remarks", "message"},
}

// SynonymTable is an immutable variant-to-canonical lookup built once at
// construction. It satisfies SynonymLookup and is safe for concurrent use.
type SynonymTable struct {
	canonical map[string]string
}

// NewSynonymTable builds a table from canonical-term → variants groups. Terms
// are normalized, so "Zip_Code" and "zip code" resolve identically. Later
// groups never overwrite an earlier claim on the same variant.
func NewSynonymTable(groups map[string][]string) *SynonymTable {
	canonical := make(map[string]string, len(groups)*4)
	for _, key := range textutil.SortedKeys(groups) {
		canon := textutil.Normalize(key)
		if canon == "" {
			continue
		}
		if _, ok := canonical[canon]; !ok {
			canonical[canon] = canon
		}
		for _, variant := range groups[key] {
			v := textutil.Normalize(variant)
			if v == "" {
				continue
			}
			if _, ok := canonical[v]; !ok {
				canonical[v] = canon
			}
		}
	}
	return &SynonymTable{canonical: canonical}
}

// DefaultSynonymTable returns the built-in contact/address vocabulary.
func DefaultSynonymTable() *SynonymTable {
	return NewSynonymTable(defaultSynonymGroups)
}

// Canonical resolves a term to its canonical form. The second return reports
// whether the term belongs to any group.
func (t *SynonymTable) Canonical(term string) (string, bool) {
	if t == nil || len(t.canonical) == 0 {
		return "", false
	}
	canon, ok := t.canonical[textutil.Normalize(term)]
	return canon, ok
}

// Synonymous reports whether two terms share a canonical group. Terms outside
// the table are never synonymous, even with themselves; plain equality is the
// similarity layer's concern.
func (t *SynonymTable) Synonymous(a string, b string) bool {
	ca, ok := t.Canonical(a)
	if !ok {
		return false
	}
	cb, ok := t.Canonical(b)
	if !ok {
		return false
	}
	return ca == cb
}

// ParseSynonymGroups decodes a canonical → variants JSON object, as accepted
// by NewSynonymTable. Used to load operator-supplied vocabularies.
func ParseSynonymGroups(data []byte) (map[string][]string, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrSynonymGroupsInvalid
	}
	var groups map[string][]string
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynonymGroupsInvalid, err)
	}
	if len(groups) == 0 {
		return nil, ErrSynonymGroupsInvalid
	}
	return groups, nil
}

var _ SynonymLookup = (*SynonymTable)(nil)

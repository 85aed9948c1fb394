package services

import (
	"errors"
	"testing"
)

func TestSynonymTable_Canonical(t *testing.T) {
	table := DefaultSynonymTable()

	canon, ok := table.Canonical("Phone_Number")
	if !ok {
		t.Fatalf("expected Phone_Number to resolve")
	}
	if canon != "phone" {
		t.Fatalf("expected canonical phone, got %q", canon)
	}

	canon, ok = table.Canonical("telephone")
	if !ok || canon != "phone" {
		t.Fatalf("expected telephone to resolve to phone, got %q ok=%v", canon, ok)
	}

	if _, ok := table.Canonical("warp core temperature"); ok {
		t.Fatalf("expected unknown term to stay unresolved")
	}
}

func TestSynonymTable_Synonymous(t *testing.T) {
	table := DefaultSynonymTable()

	if !table.Synonymous("Mobile", "phone") {
		t.Fatalf("expected mobile and phone to share a group")
	}
	if table.Synonymous("mobile", "email") {
		t.Fatalf("expected mobile and email to be unrelated")
	}
	if table.Synonymous("gibberish", "gibberish") {
		t.Fatalf("terms outside the table must not be synonymous, even with themselves")
	}
}

func TestNewSynonymTable_NormalizesGroups(t *testing.T) {
	table := NewSynonymTable(map[string][]string{
		"full name": {"customerName", "Contact-Name"},
	})

	if !table.Synonymous("customer name", "Full_Name") {
		t.Fatalf("expected normalized variants to resolve")
	}
	if !table.Synonymous("contact name", "customerName") {
		t.Fatalf("expected variants to be synonymous with each other")
	}
}

func TestNewSynonymTable_FirstClaimWins(t *testing.T) {
	table := NewSynonymTable(map[string][]string{
		"alpha": {"shared"},
		"beta":  {"shared"},
	})

	canon, ok := table.Canonical("shared")
	if !ok {
		t.Fatalf("expected shared variant to resolve")
	}
	if canon != "alpha" {
		t.Fatalf("expected deterministic first claim alpha, got %q", canon)
	}
}

func TestParseSynonymGroups(t *testing.T) {
	groups, err := ParseSynonymGroups([]byte(`{"phone":["mobile","cell"]}`))
	if err != nil {
		t.Fatalf("ParseSynonymGroups error: %v", err)
	}
	table := NewSynonymTable(groups)
	if !table.Synonymous("cell", "mobile") {
		t.Fatalf("expected parsed groups to build a working table")
	}
}

func TestParseSynonymGroups_Invalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{name: "empty payload", data: ""},
		{name: "malformed json", data: `{"phone": [`},
		{name: "empty object", data: `{}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSynonymGroups([]byte(tc.data)); !errors.Is(err, ErrSynonymGroupsInvalid) {
				t.Fatalf("expected ErrSynonymGroupsInvalid, got %v", err)
			}
		})
	}
}

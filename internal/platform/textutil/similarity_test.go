package textutil

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"First_Name", "first name"},
		{"billing-address.line1", "billing address line1"},
		{"phoneNumber", "phone number"},
		{"  Email Address  ", "email address"},
		{"Prénom", "prenom"},
		{"ZIP", "zip"},
		{"", ""},
	}

	for _, tc := range cases {
		if actual := Normalize(tc.input); actual != tc.expected {
			t.Fatalf("Normalize(%q) = %q, expected %q", tc.input, actual, tc.expected)
		}
	}
}

func TestTokenize(t *testing.T) {
	actual := Tokenize("first_name")
	expected := []string{"first", "name"}
	if !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected %v got %v", expected, actual)
	}

	if tokens := Tokenize("   "); tokens != nil {
		t.Fatalf("expected nil tokens for blank input, got %v", tokens)
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a        string
		b        string
		expected int
	}{
		{"phone", "mobile", 7},
		{"email", "email", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 5},
	}

	for _, tc := range cases {
		if actual := EditDistance(tc.a, tc.b); actual != tc.expected {
			t.Fatalf("EditDistance(%q, %q) = %d, expected %d", tc.a, tc.b, actual, tc.expected)
		}
	}
}

func TestEditSimilarity(t *testing.T) {
	if sim := EditSimilarity("phone", "phone"); sim != 1 {
		t.Fatalf("expected identical strings to score 1, got %f", sim)
	}
	// Distance 7 over length 6 would scale below zero without the clamp.
	if sim := EditSimilarity("phone", "mobile"); sim != 0 {
		t.Fatalf("expected clamped similarity 0, got %f", sim)
	}
	if sim := EditSimilarity("", ""); sim != 1 {
		t.Fatalf("expected two empty strings to score 1, got %f", sim)
	}
	if sim := EditSimilarity("phone", ""); sim != 0 {
		t.Fatalf("expected empty counterpart to score 0, got %f", sim)
	}
}

func TestTokenOverlap(t *testing.T) {
	if overlap := TokenOverlap("first_name", "first name"); overlap != 1 {
		t.Fatalf("expected full overlap, got %f", overlap)
	}
	if overlap := TokenOverlap("first name", "last name"); overlap != 0.5 {
		t.Fatalf("expected half overlap, got %f", overlap)
	}
	if overlap := TokenOverlap("first name", ""); overlap != 0 {
		t.Fatalf("expected zero overlap against blank, got %f", overlap)
	}
}

func TestSimilarity(t *testing.T) {
	if sim := Similarity("Email Address", "email_address"); sim != 1 {
		t.Fatalf("expected normalized equality to score 1, got %f", sim)
	}
	if sim := Similarity("", ""); sim != 1 {
		t.Fatalf("expected two empties to score 1, got %f", sim)
	}
	if sim := Similarity("email", ""); sim != 0 {
		t.Fatalf("expected empty counterpart to score 0, got %f", sim)
	}

	// Token overlap rescues pairs the edit ratio scores poorly.
	overlapHeavy := Similarity("customer email address", "email")
	if overlapHeavy < 0.3 {
		t.Fatalf("expected token overlap to dominate, got %f", overlapHeavy)
	}
	if sim := Similarity("phone", "zzz"); sim != 0 {
		t.Fatalf("expected disjoint strings to score 0, got %f", sim)
	}
}

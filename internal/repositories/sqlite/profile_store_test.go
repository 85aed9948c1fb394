package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/formbridge/api/internal/domain"
)

func openTestStore(t *testing.T) *ProfileStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "formfill.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestProfileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	saved, err := store.SaveProfile(ctx, domain.MappingProfile{
		Name:      "invoices",
		TargetKey: "invoice.html",
		OwnerID:   "local",
		Entries: domain.ProfileEntries{
			"Email":    {Selector: "#email", Confidence: floatPtr(0.92)},
			"Customer": {Selector: "input[name='customer']"},
		},
		Options: &domain.FillOptions{SkipFilled: true, RowDelay: 750 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected an assigned profile id")
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got created=%v updated=%v", saved.CreatedAt, saved.UpdatedAt)
	}

	got, err := store.GetProfile(ctx, "invoices")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.ID != saved.ID || got.Name != "invoices" || got.TargetKey != "invoice.html" || got.OwnerID != "local" {
		t.Fatalf("unexpected profile: %+v", got)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.Entries))
	}
	email := got.Entries["Email"]
	if email.Selector != "#email" || email.Confidence == nil || *email.Confidence != 0.92 {
		t.Fatalf("unexpected email entry: %+v", email)
	}
	if customer := got.Entries["Customer"]; customer.Confidence != nil {
		t.Fatalf("expected nil confidence for manual entry, got %v", *customer.Confidence)
	}
	if got.Options == nil {
		t.Fatal("expected stored options")
	}
	if !got.Options.SkipFilled || got.Options.StopOnError || got.Options.RowDelay != 750*time.Millisecond {
		t.Fatalf("unexpected options: %+v", got.Options)
	}
}

func TestProfileStoreSaveReplacesByName(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first, err := store.SaveProfile(ctx, domain.MappingProfile{
		Name:    "orders",
		Entries: domain.ProfileEntries{"Email": {Selector: "#email"}},
	})
	if err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	second, err := store.SaveProfile(ctx, domain.MappingProfile{
		Name:      "orders",
		TargetKey: "orders.html",
		Entries:   domain.ProfileEntries{"Phone": {Selector: "#phone"}},
	})
	if err != nil {
		t.Fatalf("SaveProfile again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected id %s to survive the rewrite, got %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected created_at %v to survive, got %v", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("updated_at moved backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.TargetKey != "orders.html" {
		t.Fatalf("expected target key to update, got %q", second.TargetKey)
	}
	if _, ok := second.Entries["Email"]; ok {
		t.Fatal("expected old entries to be replaced")
	}
	if entry := second.Entries["Phone"]; entry.Selector != "#phone" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if second.Options != nil {
		t.Fatalf("expected options to clear, got %+v", second.Options)
	}
}

func TestProfileStoreListOrdersByName(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, name := range []string{"zeta", "alpha", "midway"} {
		if _, err := store.SaveProfile(ctx, domain.MappingProfile{
			Name:    name,
			Entries: domain.ProfileEntries{"Email": {Selector: "#email"}},
		}); err != nil {
			t.Fatalf("SaveProfile %s: %v", name, err)
		}
	}

	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(profiles))
	}
	for i, want := range []string{"alpha", "midway", "zeta"} {
		if profiles[i].Name != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, profiles[i].Name)
		}
	}
}

func TestProfileStoreMissingProfile(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.GetProfile(ctx, "ghost"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if err := store.DeleteProfile(ctx, "ghost"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound on delete, got %v", err)
	}

	if _, err := store.SaveProfile(ctx, domain.MappingProfile{
		Name:    "keep",
		Entries: domain.ProfileEntries{"Email": {Selector: "#email"}},
	}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if err := store.DeleteProfile(ctx, "keep"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if _, err := store.GetProfile(ctx, "keep"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected profile to be gone, got %v", err)
	}
}

//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	domain "github.com/formbridge/api/internal/domain"
	pconfig "github.com/formbridge/api/internal/platform/config"
	pfirestore "github.com/formbridge/api/internal/platform/firestore"
	"github.com/formbridge/api/internal/repositories"
)

func TestFillRunRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "fill-run-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewFillRunRepository(provider)
	if err != nil {
		t.Fatalf("new fill run repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	profileID := "prof_01HVNA4QK0"
	emailField := domain.TargetField{
		Selector: "#customer-email",
		Type:     domain.FieldTypeEmail,
		Name:     "customer_email",
		Label:    "Email address",
		Required: true,
	}

	run := domain.FillRun{
		ID:         "run_01HVNA4QK1",
		RunNumber:  "FR-2026-000041",
		OwnerID:    "user-abc",
		DatasetID:  "ds_01HVNA4QK2",
		FieldSetID: "fset_01HVNA4QK3",
		ProfileID:  &profileID,
		Status:     domain.FillRunStatusRunning,
		Mapping: domain.Mapping{
			"Email": {
				Field:      &emailField,
				Selector:   "#customer-email",
				Confidence: 0.92,
				Level:      domain.ConfidenceHigh,
				Source:     domain.MappingSourceAuto,
			},
		},
		Options: domain.FillOptions{
			SkipFilled: true,
			RowDelay:   250 * time.Millisecond,
		},
		Progress: domain.RunProgress{Current: 2, Total: 10},
		Totals:   domain.RunTotals{Filled: 7, Errors: 1},
		RowErrors: []domain.FillError{
			{Column: "Phone", Selector: "#phone", Kind: domain.ErrKindInvalidFormat, Message: "invalid phone number format"},
		},
		StartedAt: &base,
		CreatedAt: base,
		UpdatedAt: base,
	}

	if err := repo.Insert(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	stored, err := repo.FindByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("find run: %v", err)
	}
	if stored.OwnerID != run.OwnerID {
		t.Fatalf("expected owner %q, got %q", run.OwnerID, stored.OwnerID)
	}
	if stored.Status != domain.FillRunStatusRunning {
		t.Fatalf("expected running status, got %s", stored.Status)
	}
	if stored.ProfileID == nil || *stored.ProfileID != profileID {
		t.Fatalf("expected profile id %q, got %v", profileID, stored.ProfileID)
	}
	entry, ok := stored.Mapping["Email"]
	if !ok {
		t.Fatalf("expected mapping entry for Email, got %+v", stored.Mapping)
	}
	if entry.Selector != "#customer-email" || entry.Level != domain.ConfidenceHigh {
		t.Fatalf("unexpected mapping entry: %+v", entry)
	}
	if entry.Field == nil || entry.Field.Type != domain.FieldTypeEmail {
		t.Fatalf("expected embedded email field, got %+v", entry.Field)
	}
	if stored.Options.RowDelay != 250*time.Millisecond {
		t.Fatalf("expected row delay 250ms, got %s", stored.Options.RowDelay)
	}
	if len(stored.RowErrors) != 1 || stored.RowErrors[0].Kind != domain.ErrKindInvalidFormat {
		t.Fatalf("unexpected row errors: %+v", stored.RowErrors)
	}

	// Duplicate IDs must surface as conflicts so callers can re-issue IDs.
	err = repo.Insert(ctx, run)
	if err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %T %v", err, err)
	}

	progressAt := base.Add(5 * time.Second)
	if err := repo.UpdateProgress(ctx, run.ID, domain.RunProgress{Current: 6, Total: 10}, domain.RunTotals{Filled: 18, Errors: 2}, progressAt); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	patched, err := repo.FindByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("find after progress: %v", err)
	}
	if patched.Progress.Current != 6 || patched.Totals.Filled != 18 {
		t.Fatalf("expected patched counters, got progress=%+v totals=%+v", patched.Progress, patched.Totals)
	}
	if _, ok := patched.Mapping["Email"]; !ok {
		t.Fatalf("progress patch must not clear the mapping: %+v", patched.Mapping)
	}
	if !patched.UpdatedAt.Equal(progressAt) {
		t.Fatalf("expected updatedAt %s, got %s", progressAt, patched.UpdatedAt)
	}

	// Seed two more runs to exercise filtering and cursor paging.
	second := run
	second.ID = "run_01HVNA4QK4"
	second.RunNumber = "FR-2026-000042"
	second.ProfileID = nil
	second.Status = domain.FillRunStatusCompleted
	second.RowErrors = nil
	second.CreatedAt = base.Add(1 * time.Hour)
	second.UpdatedAt = second.CreatedAt
	if err := repo.Insert(ctx, second); err != nil {
		t.Fatalf("insert second run: %v", err)
	}

	third := second
	third.ID = "run_01HVNA4QK5"
	third.RunNumber = "FR-2026-000043"
	third.Status = domain.FillRunStatusCompleted
	third.CreatedAt = base.Add(2 * time.Hour)
	third.UpdatedAt = third.CreatedAt
	if err := repo.Insert(ctx, third); err != nil {
		t.Fatalf("insert third run: %v", err)
	}

	page, err := repo.List(ctx, repositories.FillRunListFilter{
		OwnerID:    "user-abc",
		Status:     []string{"completed"},
		Pagination: domain.Pagination{PageSize: 1},
	})
	if err != nil {
		t.Fatalf("list completed runs: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != third.ID {
		t.Fatalf("expected newest completed run first, got %+v", page.Items)
	}
	if page.NextPageToken == "" {
		t.Fatalf("expected next page token")
	}

	rest, err := repo.List(ctx, repositories.FillRunListFilter{
		OwnerID:    "user-abc",
		Status:     []string{"completed"},
		Pagination: domain.Pagination{PageSize: 1, PageToken: page.NextPageToken},
	})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(rest.Items) != 1 || rest.Items[0].ID != second.ID {
		t.Fatalf("expected second completed run, got %+v", rest.Items)
	}

	byDataset, err := repo.List(ctx, repositories.FillRunListFilter{
		OwnerID:    "user-abc",
		DatasetID:  &run.DatasetID,
		Pagination: domain.Pagination{PageSize: 10},
	})
	if err != nil {
		t.Fatalf("list by dataset: %v", err)
	}
	if len(byDataset.Items) != 3 {
		t.Fatalf("expected three runs for dataset, got %d", len(byDataset.Items))
	}

	_, err = repo.FindByID(ctx, "run_missing")
	if err == nil {
		t.Fatalf("expected missing run lookup to fail")
	}
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found error, got %T %v", err, err)
	}
}

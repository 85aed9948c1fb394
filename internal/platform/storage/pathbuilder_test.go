package storage

import "testing"

func TestBuildDatasetSourcePath(t *testing.T) {
	path, err := BuildObjectPath(PurposeDatasetSource, PathParams{
		DatasetID: "ds123",
		UploadID:  "upload789",
		FileName:  "contacts.csv",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "assets/datasets/ds123/sources/upload789/contacts.csv"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildRunArtifactPathUsesRunNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeRunArtifact, PathParams{
		RunID:     "run123",
		RunNumber: "FR-2026-000017",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "assets/runs/run123/artifacts/FR-2026-000017-report.csv"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildFormTemplatePath(t *testing.T) {
	path, err := BuildObjectPath(PurposeFormTemplate, PathParams{
		FieldSetID: "fset456",
		FileName:   "checkout.html",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "assets/field-sets/fset456/templates/checkout.html"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeDatasetSource, PathParams{
		DatasetID: "../bad",
		UploadID:  "upload",
		FileName:  "file.csv",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}

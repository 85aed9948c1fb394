package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const formFixture = `<!DOCTYPE html>
<html><head><title>Signup</title></head><body>
<form>
  <label for="email">Email Address</label>
  <input type="email" id="email" name="email" required>
  <label for="full_name">Full Name</label>
  <input type="text" id="full_name" name="full_name">
  <label for="subscribe">Subscribe</label>
  <input type="checkbox" id="subscribe" name="subscribe">
</form>
</body></html>
`

const tableFixture = "Email,Full Name,Subscribe\nami@example.com,Ami Sato,yes\nbob@example.com,Bob Lee,no\n"

func newTestRunner(t *testing.T) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("FORMFILL_DB", filepath.Join(t.TempDir(), "formfill.db"))
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewRunner(out, errOut), out, errOut
}

func writeFixtures(t *testing.T) (csvPath, formPath string) {
	t.Helper()
	dir := t.TempDir()
	csvPath = filepath.Join(dir, "data.csv")
	if err := os.WriteFile(csvPath, []byte(tableFixture), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	formPath = filepath.Join(dir, "signup.html")
	if err := os.WriteFile(formPath, []byte(formFixture), 0o644); err != nil {
		t.Fatalf("write form: %v", err)
	}
	return csvPath, formPath
}

func TestRunnerScanListsFields(t *testing.T) {
	r, out, errOut := newTestRunner(t)
	_, formPath := writeFixtures(t)

	if code := r.Run(context.Background(), []string{"scan", "-form", formPath}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"#email", "#full_name", "#subscribe", "required", "Email Address"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected scan output to contain %q, got: %s", want, out.String())
		}
	}
}

func TestRunnerScanRequiresForm(t *testing.T) {
	r, _, errOut := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"scan"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: formfill scan") {
		t.Fatalf("expected usage line, got: %s", errOut.String())
	}
}

func TestRunnerMapPrintsAssignments(t *testing.T) {
	r, out, errOut := newTestRunner(t)
	csvPath, formPath := writeFixtures(t)

	if code := r.Run(context.Background(), []string{"map", "-csv", csvPath, "-form", formPath}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"Email\t#email", "Full Name\t#full_name", "Subscribe\t#subscribe"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected map output to contain %q, got: %s", want, out.String())
		}
	}
}

func TestRunnerMapSaveAndProfilesFlow(t *testing.T) {
	r, out, errOut := newTestRunner(t)
	csvPath, formPath := writeFixtures(t)
	ctx := context.Background()

	if code := r.Run(ctx, []string{"map", "-csv", csvPath, "-form", formPath, "-save", "signup"}); code != 0 {
		t.Fatalf("expected save exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `saved profile "signup" with 3 entries`) {
		t.Fatalf("unexpected save output: %s", out.String())
	}

	out.Reset()
	if code := r.Run(ctx, []string{"profiles", "list"}); code != 0 {
		t.Fatalf("expected list exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "signup\tsignup.html\t3 entries") {
		t.Fatalf("unexpected list output: %s", out.String())
	}

	out.Reset()
	if code := r.Run(ctx, []string{"profiles", "show", "signup"}); code != 0 {
		t.Fatalf("expected show exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Email\t#email") {
		t.Fatalf("unexpected show output: %s", out.String())
	}

	out.Reset()
	if code := r.Run(ctx, []string{"profiles", "delete", "signup"}); code != 0 {
		t.Fatalf("expected delete exit 0, got %d stderr=%s", code, errOut.String())
	}

	out.Reset()
	if code := r.Run(ctx, []string{"profiles", "list"}); code != 0 {
		t.Fatalf("expected list exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "no saved profiles") {
		t.Fatalf("expected empty list, got: %s", out.String())
	}
}

func TestRunnerFillWritesRenderedRows(t *testing.T) {
	r, out, errOut := newTestRunner(t)
	csvPath, formPath := writeFixtures(t)
	outDir := filepath.Join(t.TempDir(), "filled")

	code := r.Run(context.Background(), []string{"run", "-csv", csvPath, "-form", formPath, "-out", outDir})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "2 rows processed: 6 fields filled, 0 errors") {
		t.Fatalf("unexpected summary: %s", out.String())
	}
	if !strings.Contains(errOut.String(), "row 2/2") {
		t.Fatalf("expected progress on stderr, got: %s", errOut.String())
	}

	first, err := os.ReadFile(filepath.Join(outDir, "row-00001.html"))
	if err != nil {
		t.Fatalf("read first document: %v", err)
	}
	if !strings.Contains(string(first), "ami@example.com") {
		t.Fatalf("expected first document to carry the row value, got: %s", first)
	}
	if !strings.Contains(string(first), "checked") {
		t.Fatal("expected subscribe checkbox to be checked in row 1")
	}

	second, err := os.ReadFile(filepath.Join(outDir, "row-00002.html"))
	if err != nil {
		t.Fatalf("read second document: %v", err)
	}
	if !strings.Contains(string(second), "bob@example.com") {
		t.Fatalf("expected second document to carry the row value, got: %s", second)
	}
	if strings.Contains(string(second), "checked") {
		t.Fatal("expected subscribe checkbox to stay unchecked in row 2")
	}
}

func TestRunnerFillRowRange(t *testing.T) {
	r, out, errOut := newTestRunner(t)
	csvPath, formPath := writeFixtures(t)
	outDir := filepath.Join(t.TempDir(), "filled")

	code := r.Run(context.Background(), []string{"run", "-csv", csvPath, "-form", formPath, "-out", outDir, "-rows", "2:2"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "1 rows processed") {
		t.Fatalf("unexpected summary: %s", out.String())
	}
	if _, err := os.Stat(filepath.Join(outDir, "row-00002.html")); err != nil {
		t.Fatalf("expected row-00002.html: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "row-00001.html")); !os.IsNotExist(err) {
		t.Fatalf("expected row-00001.html to be absent, got err=%v", err)
	}
}

func TestRunnerPreviewRow(t *testing.T) {
	r, out, errOut := newTestRunner(t)
	csvPath, formPath := writeFixtures(t)

	code := r.Run(context.Background(), []string{"preview", "-csv", csvPath, "-form", formPath, "-row", "1"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "ami@example.com") {
		t.Fatalf("expected proposed value in output, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "\tok") {
		t.Fatalf("expected ok status, got: %s", out.String())
	}
}

func TestRunnerProfileNotFound(t *testing.T) {
	r, _, errOut := newTestRunner(t)
	csvPath, formPath := writeFixtures(t)

	code := r.Run(context.Background(), []string{"run", "-csv", csvPath, "-form", formPath, "-profile", "ghost"})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), `profile "ghost" not found`) {
		t.Fatalf("expected missing profile error, got: %s", errOut.String())
	}
}

func TestRunnerUnknownCommand(t *testing.T) {
	r, _, errOut := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"summon"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: summon") {
		t.Fatalf("expected unknown command message, got: %s", errOut.String())
	}
}

func TestParseRowRange(t *testing.T) {
	cases := []struct {
		spec        string
		total       int
		start, end  int
		expectError bool
	}{
		{spec: "", total: 5, start: 0, end: 5},
		{spec: "2:4", total: 5, start: 1, end: 4},
		{spec: "3", total: 5, start: 2, end: 3},
		{spec: ":2", total: 5, start: 0, end: 2},
		{spec: "4:", total: 5, start: 3, end: 5},
		{spec: "0:2", total: 5, expectError: true},
		{spec: "4:2", total: 5, expectError: true},
		{spec: "1:9", total: 5, expectError: true},
		{spec: "a:b", total: 5, expectError: true},
	}
	for _, tc := range cases {
		start, end, err := parseRowRange(tc.spec, tc.total)
		if tc.expectError {
			if err == nil {
				t.Errorf("%q: expected error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.spec, err)
			continue
		}
		if start != tc.start || end != tc.end {
			t.Errorf("%q: expected [%d,%d), got [%d,%d)", tc.spec, tc.start, tc.end, start, end)
		}
	}
}

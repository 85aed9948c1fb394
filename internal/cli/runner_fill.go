package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/htmlform"
	"github.com/formbridge/api/internal/repositories/sqlite"
	"github.com/formbridge/api/internal/services"
)

func (r *Runner) runFill(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	csvPath := fs.String("csv", "", "path to the source table")
	formPath := fs.String("form", "", "path to the form HTML document")
	profileName := fs.String("profile", "", "saved mapping profile to apply")
	outDir := fs.String("out", "filled", "directory for the rendered documents")
	delay := fs.Duration("delay", 0, "pause between rows")
	skipFilled := fs.Bool("skip-filled", false, "leave fields that already hold a value")
	stopOnError := fs.Bool("stop-on-error", false, "stop the batch at the first failing row")
	rowsSpec := fs.String("rows", "", "1-based inclusive row range, e.g. 10:20")
	const usage = "usage: formfill run -csv data.csv -form page.html [-profile name] [-out dir] [-delay 500ms] [-skip-filled] [-stop-on-error] [-rows a:b]"
	if err := fs.Parse(args); err != nil {
		return r.usageError(usage, err)
	}
	if *csvPath == "" || *formPath == "" {
		return r.usageError(usage, nil)
	}

	table, err := r.loadTable(ctx, *csvPath)
	if err != nil {
		return r.fail(err)
	}
	formData, err := r.readForm(*formPath)
	if err != nil {
		return r.fail(err)
	}
	fields, err := r.scanFields(ctx, formData)
	if err != nil {
		return r.fail(err)
	}

	mapping, defaults, err := r.resolveMapping(ctx, table.Columns, fields, *profileName)
	if err != nil {
		return r.fail(err)
	}
	if len(mapping) == 0 {
		return r.fail(errors.New("no columns could be mapped to form fields"))
	}

	// Profile options are defaults; a flag given on the command line wins.
	opts := domain.FillOptions{SkipFilled: *skipFilled, StopOnError: *stopOnError, RowDelay: *delay}
	if defaults != nil {
		given := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { given[f.Name] = true })
		if !given["skip-filled"] {
			opts.SkipFilled = defaults.SkipFilled
		}
		if !given["stop-on-error"] {
			opts.StopOnError = defaults.StopOnError
		}
		if !given["delay"] {
			opts.RowDelay = defaults.RowDelay
		}
	}

	start, end, err := parseRowRange(*rowsSpec, len(table.Rows))
	if err != nil {
		return r.usageError(usage, err)
	}
	rows := table.Rows[start:end]
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "no rows to fill")
		return 0
	}

	template, err := htmlform.ParseDocument(formData)
	if err != nil {
		return r.fail(fmt.Errorf("parse form: %w", err))
	}
	writer, err := newDirArtifactWriter(*outDir)
	if err != nil {
		return r.fail(err)
	}
	target, err := htmlform.NewRenderingTarget(template, writer)
	if err != nil {
		return r.fail(err)
	}

	orchestrator, err := services.NewFillOrchestrator(services.FillOrchestratorDeps{Validator: services.NewFieldValidator()})
	if err != nil {
		return r.fail(err)
	}

	total := len(rows)
	onProgress := func(p domain.BatchProgress) {
		if err := target.FlushRow(ctx, start+p.Current-1); err != nil {
			fmt.Fprintf(r.errOut, "row %d: write document: %v\n", start+p.Current, err)
		}
		fmt.Fprintf(r.errOut, "row %d/%d: filled %d, skipped %d, errors %d\n", p.Current, total, p.Result.Filled, p.Result.Skipped, len(p.Result.Errors))
	}
	result := orchestrator.FillBatch(ctx, target, mapping, rows, opts, nil, onProgress)

	for _, rowResult := range result.Results {
		if rowResult.Aborted {
			fmt.Fprintf(r.errOut, "row %d: aborted\n", start+rowResult.Row+1)
			continue
		}
		for _, fieldErr := range rowResult.Result.Errors {
			fmt.Fprintf(r.errOut, "row %d: %s (%s): %s\n", start+rowResult.Row+1, fieldErr.Column, fieldErr.Selector, fieldErr.Message)
		}
	}
	fmt.Fprintf(r.out, "%d rows processed: %d fields filled, %d errors\n", processedRows(result), result.TotalFilled, result.TotalErrors)
	if result.TotalErrors > 0 {
		return 1
	}
	return 0
}

func (r *Runner) runPreview(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	csvPath := fs.String("csv", "", "path to the source table")
	formPath := fs.String("form", "", "path to the form HTML document")
	profileName := fs.String("profile", "", "saved mapping profile to apply")
	rowNum := fs.Int("row", 1, "1-based row number to preview")
	const usage = "usage: formfill preview -csv data.csv -form page.html -row N [-profile name]"
	if err := fs.Parse(args); err != nil {
		return r.usageError(usage, err)
	}
	if *csvPath == "" || *formPath == "" {
		return r.usageError(usage, nil)
	}

	table, err := r.loadTable(ctx, *csvPath)
	if err != nil {
		return r.fail(err)
	}
	if *rowNum < 1 || *rowNum > len(table.Rows) {
		return r.fail(fmt.Errorf("row %d is outside 1..%d", *rowNum, len(table.Rows)))
	}
	formData, err := r.readForm(*formPath)
	if err != nil {
		return r.fail(err)
	}
	fields, err := r.scanFields(ctx, formData)
	if err != nil {
		return r.fail(err)
	}
	mapping, _, err := r.resolveMapping(ctx, table.Columns, fields, *profileName)
	if err != nil {
		return r.fail(err)
	}

	doc, err := htmlform.ParseDocument(formData)
	if err != nil {
		return r.fail(fmt.Errorf("parse form: %w", err))
	}
	orchestrator, err := services.NewFillOrchestrator(services.FillOrchestratorDeps{Validator: services.NewFieldValidator()})
	if err != nil {
		return r.fail(err)
	}

	preview := orchestrator.Preview(ctx, doc, mapping, table.Rows[*rowNum-1])
	invalid := 0
	for _, entry := range preview.Entries {
		proposed := "-"
		status := "ok"
		if entry.Error != nil {
			status = string(entry.Error.Kind)
			invalid++
		} else {
			proposed = fmt.Sprint(entry.ProposedValue)
		}
		fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", entry.Column, entry.Selector, proposed, status)
	}
	for _, warning := range preview.Warnings {
		fmt.Fprintf(r.errOut, "warning: %s\n", warning)
	}
	if invalid > 0 {
		return 1
	}
	return 0
}

// resolveMapping produces the column to field assignment, either by replaying
// a saved profile against the current form or by automatic matching. Profile
// fill options ride along as defaults for the caller.
func (r *Runner) resolveMapping(ctx context.Context, columns []domain.ColumnInfo, fields []domain.TargetField, profileName string) (domain.Mapping, *domain.FillOptions, error) {
	if strings.TrimSpace(profileName) == "" {
		matcher, err := services.NewFieldMatcher(services.FieldMatcherDeps{})
		if err != nil {
			return nil, nil, err
		}
		return matcher.AutoMap(columns, fields), nil, nil
	}

	store, err := sqlite.Open(ctx, r.dbPath)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	profile, err := store.GetProfile(ctx, profileName)
	if err != nil {
		if errors.Is(err, sqlite.ErrProfileNotFound) {
			return nil, nil, fmt.Errorf("profile %q not found", profileName)
		}
		return nil, nil, err
	}

	mapping := services.NewMappingMerger().ApplyProfile(profile.Entries, fields)
	if dropped := len(profile.Entries) - len(mapping); dropped > 0 {
		fmt.Fprintf(r.errOut, "warning: %d profile entries no longer match a field\n", dropped)
	}
	return mapping, profile.Options, nil
}

// parseRowRange converts a 1-based inclusive "a:b" spec into zero-based
// slice bounds. Either side may be omitted; a bare number selects one row.
func parseRowRange(spec string, total int) (int, int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, total, nil
	}
	first, last := 1, total
	var err error
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		if left := strings.TrimSpace(spec[:i]); left != "" {
			if first, err = strconv.Atoi(left); err != nil {
				return 0, 0, fmt.Errorf("invalid row range %q", spec)
			}
		}
		if right := strings.TrimSpace(spec[i+1:]); right != "" {
			if last, err = strconv.Atoi(right); err != nil {
				return 0, 0, fmt.Errorf("invalid row range %q", spec)
			}
		}
	} else {
		if first, err = strconv.Atoi(spec); err != nil {
			return 0, 0, fmt.Errorf("invalid row range %q", spec)
		}
		last = first
	}
	if first < 1 || last > total || first > last {
		return 0, 0, fmt.Errorf("row range %q is outside 1..%d", spec, total)
	}
	return first - 1, last, nil
}

func processedRows(result domain.BatchResult) int {
	n := 0
	for _, rowResult := range result.Results {
		if !rowResult.Aborted {
			n++
		}
	}
	return n
}

// dirArtifactWriter lands rendered rows as files in one output directory.
type dirArtifactWriter struct {
	dir string
}

func newDirArtifactWriter(dir string) (*dirArtifactWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &dirArtifactWriter{dir: dir}, nil
}

func (w *dirArtifactWriter) WriteArtifact(_ context.Context, name, _ string, data []byte) error {
	return os.WriteFile(filepath.Join(w.dir, name), data, 0o644)
}

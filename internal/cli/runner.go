package cli

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/htmlform"
	"github.com/formbridge/api/internal/repositories/sqlite"
	"github.com/formbridge/api/internal/services"
	"github.com/formbridge/api/internal/tabular"
)

// Runner executes formfill subcommands against local files and the local
// profile database. All output goes through the injected writers so tests
// can capture it.
type Runner struct {
	out    io.Writer
	errOut io.Writer
	dbPath string
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut, dbPath: defaultDBPath()}
}

func defaultDBPath() string {
	if path := strings.TrimSpace(os.Getenv("FORMFILL_DB")); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "formfill", "formfill.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "formfill.db"
	}
	return filepath.Join(home, ".local", "share", "formfill", "formfill.db")
}

// Run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 on failure, 2 on usage errors.
func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "scan":
		return r.runScan(ctx, args[1:])
	case "map":
		return r.runMap(ctx, args[1:])
	case "run":
		return r.runFill(ctx, args[1:])
	case "preview":
		return r.runPreview(ctx, args[1:])
	case "profiles":
		return r.runProfiles(ctx, args[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) printUsage() {
	fmt.Fprint(r.errOut, `usage: formfill <command> [flags]

commands:
  scan      list the fillable fields of a form document
  map       match table columns to form fields
  run       render one filled copy of the form per table row
  preview   check a single row against the form without writing anything
  profiles  manage saved mapping profiles
`)
}

func (r *Runner) runScan(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	formPath := fs.String("form", "", "path to the form HTML document")
	const usage = "usage: formfill scan -form page.html"
	if err := fs.Parse(args); err != nil {
		return r.usageError(usage, err)
	}
	if *formPath == "" {
		return r.usageError(usage, nil)
	}

	formData, err := r.readForm(*formPath)
	if err != nil {
		return r.fail(err)
	}
	fields, err := r.scanFields(ctx, formData)
	if err != nil {
		return r.fail(err)
	}
	if len(fields) == 0 {
		fmt.Fprintln(r.out, "no fillable fields found")
		return 0
	}
	for _, field := range fields {
		label := field.Label
		if label == "" {
			label = field.Placeholder
		}
		required := ""
		if field.Required {
			required = "required"
		}
		fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", field.Selector, field.Type, label, required)
	}
	return 0
}

func (r *Runner) runMap(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("map", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	csvPath := fs.String("csv", "", "path to the source table")
	formPath := fs.String("form", "", "path to the form HTML document")
	save := fs.String("save", "", "store the result as a named profile")
	const usage = "usage: formfill map -csv data.csv -form page.html [-save name]"
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

	matcher, err := services.NewFieldMatcher(services.FieldMatcherDeps{})
	if err != nil {
		return r.fail(err)
	}
	mapping := matcher.AutoMap(table.Columns, fields)

	unmapped := 0
	for _, column := range table.Columns {
		entry, ok := mapping[column.Name]
		if !ok {
			fmt.Fprintf(r.out, "%s\t-\n", column.Name)
			unmapped++
			continue
		}
		fmt.Fprintf(r.out, "%s\t%s\t%.2f\t%s\n", column.Name, entry.Selector, entry.Confidence, entry.Level)
	}
	if unmapped > 0 {
		fmt.Fprintf(r.errOut, "%d of %d columns left unmapped\n", unmapped, len(table.Columns))
	}

	if *save == "" {
		return 0
	}
	store, err := sqlite.Open(ctx, r.dbPath)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close()

	entries := make(domain.ProfileEntries, len(mapping))
	for column, entry := range mapping {
		confidence := entry.Confidence
		entries[column] = domain.ProfileEntry{Selector: entry.Selector, Confidence: &confidence}
	}
	profile, err := store.SaveProfile(ctx, domain.MappingProfile{
		Name:      *save,
		TargetKey: filepath.Base(*formPath),
		Entries:   entries,
	})
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "saved profile %q with %d entries\n", profile.Name, len(profile.Entries))
	return 0
}

func (r *Runner) usageError(usage string, err error) int {
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
	}
	fmt.Fprintln(r.errOut, usage)
	return 2
}

func (r *Runner) fail(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) loadTable(ctx context.Context, path string) (domain.TableData, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.TableData{}, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()
	table, err := tabular.NewParser(tabular.ParseOptions{}).Parse(ctx, f)
	if err != nil {
		return domain.TableData{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return table, nil
}

func (r *Runner) readForm(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}
	return data, nil
}

func (r *Runner) scanFields(ctx context.Context, data []byte) ([]domain.TargetField, error) {
	fields, err := htmlform.NewScanner().Scan(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("scan form: %w", err)
	}
	return fields, nil
}

// Package tabular parses spreadsheet exports into the column and row shapes
// the matching engine consumes.
package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	domain "github.com/formbridge/api/internal/domain"
)

var (
	// ErrMissingHeader indicates the source had no usable header row.
	ErrMissingHeader = errors.New("tabular: missing header row")
	// ErrTooManyRows indicates the source exceeded the configured row cap.
	ErrTooManyRows = errors.New("tabular: row limit exceeded")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseOptions tunes CSV parsing. The zero value sniffs the delimiter from
// the header line and applies no row cap.
type ParseOptions struct {
	Delimiter rune
	MaxRows   int
}

// Table is the raw parse product: ordered header names plus one map per
// surviving row. Blank rows are dropped; ragged rows are padded or truncated
// to the header width.
type Table struct {
	Columns []string
	Rows    []domain.Row
}

// Parser adapts ParseCSV and InferTypes into the parse capability the dataset
// service consumes.
type Parser struct {
	opts ParseOptions
}

// NewParser constructs a Parser with the given options.
func NewParser(opts ParseOptions) *Parser {
	return &Parser{opts: opts}
}

// Parse reads the whole source, infers column types from sampled values, and
// attaches display samples to each column.
func (p *Parser) Parse(ctx context.Context, r io.Reader) (domain.TableData, error) {
	if err := ctx.Err(); err != nil {
		return domain.TableData{}, err
	}
	table, err := ParseCSV(r, p.opts)
	if err != nil {
		return domain.TableData{}, err
	}

	types := InferTypes(table, inferSampleSize)
	columns := make([]domain.ColumnInfo, 0, len(table.Columns))
	for _, name := range table.Columns {
		columns = append(columns, domain.ColumnInfo{
			Name:    name,
			Type:    types[name],
			Samples: sampleValues(table.Rows, name, displaySampleLimit),
		})
	}
	return domain.TableData{Columns: columns, Rows: table.Rows}, nil
}

// ParseCSV decodes one delimited source. The first non-empty record is the
// header; duplicate or blank header cells are renamed so every column keys a
// distinct row entry. All cell values are trimmed.
func ParseCSV(r io.Reader, opts ParseOptions) (Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Table{}, err
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if len(bytes.TrimSpace(raw)) == 0 {
		return Table{}, ErrMissingHeader
	}

	delimiter := opts.Delimiter
	if delimiter == 0 {
		delimiter = sniffDelimiter(raw)
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrMissingHeader, err)
	}
	columns := dedupeHeaders(header)

	table := Table{Columns: columns}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("tabular: read row %d: %w", len(table.Rows)+2, err)
		}

		row := make(domain.Row, len(columns))
		blank := true
		for i, name := range columns {
			value := ""
			if i < len(record) {
				value = strings.TrimSpace(record[i])
			}
			if value != "" {
				blank = false
			}
			row[name] = value
		}
		if blank {
			continue
		}

		table.Rows = append(table.Rows, row)
		if opts.MaxRows > 0 && len(table.Rows) > opts.MaxRows {
			return Table{}, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, opts.MaxRows)
		}
	}
	return table, nil
}

// sniffDelimiter picks the delimiter that appears most often outside quotes
// on the header line. Comma wins ties.
func sniffDelimiter(raw []byte) rune {
	line := raw
	if idx := bytes.IndexByte(raw, '\n'); idx >= 0 {
		line = raw[:idx]
	}

	counts := map[rune]int{',': 0, ';': 0, '\t': 0}
	quoted := false
	for _, b := range line {
		switch b {
		case '"':
			quoted = !quoted
		case ',', ';', '\t':
			if !quoted {
				counts[rune(b)]++
			}
		}
	}

	best := ','
	for _, candidate := range []rune{';', '\t'} {
		if counts[candidate] > counts[best] {
			best = candidate
		}
	}
	return best
}

// dedupeHeaders trims header cells, names blank ones by position, and renames
// repeats with a numeric suffix so each column is unique.
func dedupeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	taken := make(map[string]struct{}, len(raw))
	counts := make(map[string]int, len(raw))

	for i, cell := range raw {
		base := strings.TrimSpace(cell)
		if base == "" {
			base = fmt.Sprintf("column_%d", i+1)
		}
		name := base
		for n := counts[base]; ; n++ {
			if n > 0 {
				name = fmt.Sprintf("%s_%d", base, n+1)
			}
			if _, exists := taken[name]; !exists {
				counts[base] = n + 1
				break
			}
		}
		taken[name] = struct{}{}
		out[i] = name
	}
	return out
}

func sampleValues(rows []domain.Row, column string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	samples := make([]string, 0, limit)
	for _, row := range rows {
		value, _ := row[column].(string)
		if strings.TrimSpace(value) == "" {
			continue
		}
		samples = append(samples, value)
		if len(samples) == limit {
			break
		}
	}
	return samples
}

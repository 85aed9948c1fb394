package tabular

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/formbridge/api/internal/domain"
)

func TestParseCSVBasic(t *testing.T) {
	src := "name,email\n Jane , jane@example.com \nBob,bob@example.com\n"
	table, err := ParseCSV(strings.NewReader(src), ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(table.Columns) != 2 || table.Columns[0] != "name" || table.Columns[1] != "email" {
		t.Fatalf("unexpected columns: %v", table.Columns)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if table.Rows[0]["name"] != "Jane" || table.Rows[0]["email"] != "jane@example.com" {
		t.Fatalf("values not trimmed: %+v", table.Rows[0])
	}
}

func TestParseCSVSniffsDelimiter(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{name: "semicolon", src: "name;email\nJane;jane@example.com\n"},
		{name: "tab", src: "name\temail\nJane\tjane@example.com\n"},
		{name: "quoted comma with semicolon delimiter", src: "\"surname, given\";email\n\"Doe, Jane\";jane@example.com\n"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			table, err := ParseCSV(strings.NewReader(tc.src), ParseOptions{})
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(table.Columns) != 2 {
				t.Fatalf("expected 2 columns, got %v", table.Columns)
			}
			if len(table.Rows) != 1 {
				t.Fatalf("expected 1 row, got %d", len(table.Rows))
			}
			if table.Rows[0][table.Columns[1]] != "jane@example.com" {
				t.Fatalf("unexpected row: %+v", table.Rows[0])
			}
		})
	}
}

func TestParseCSVDedupesHeaders(t *testing.T) {
	src := "name,name,,name\na,b,c,d\n"
	table, err := ParseCSV(strings.NewReader(src), ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"name", "name_2", "column_3", "name_3"}
	for i, column := range want {
		if table.Columns[i] != column {
			t.Fatalf("expected columns %v, got %v", want, table.Columns)
		}
	}
	row := table.Rows[0]
	if row["name"] != "a" || row["name_2"] != "b" || row["column_3"] != "c" || row["name_3"] != "d" {
		t.Fatalf("row values keyed wrong: %+v", row)
	}
}

func TestParseCSVFiltersBlankAndPadsRagged(t *testing.T) {
	src := "a,b,c\n1,2\n,,\n4,5,6,7\n"
	table, err := ParseCSV(strings.NewReader(src), ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected blank row filtered, got %d rows", len(table.Rows))
	}
	if table.Rows[0]["c"] != "" {
		t.Fatalf("short row not padded: %+v", table.Rows[0])
	}
	if _, exists := table.Rows[1]["column_4"]; exists {
		t.Fatalf("long row not truncated: %+v", table.Rows[1])
	}
	if table.Rows[1]["c"] != "6" {
		t.Fatalf("unexpected row values: %+v", table.Rows[1])
	}
}

func TestParseCSVStripsBOM(t *testing.T) {
	src := "\xEF\xBB\xBFname\nJane\n"
	table, err := ParseCSV(strings.NewReader(src), ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if table.Columns[0] != "name" {
		t.Fatalf("BOM leaked into header: %q", table.Columns[0])
	}
}

func TestParseCSVMissingHeader(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("   \n"), ParseOptions{})
	if !errors.Is(err, ErrMissingHeader) {
		t.Fatalf("expected ErrMissingHeader, got %v", err)
	}
}

func TestParseCSVRowCap(t *testing.T) {
	src := "a\n1\n2\n3\n"
	_, err := ParseCSV(strings.NewReader(src), ParseOptions{MaxRows: 2})
	if !errors.Is(err, ErrTooManyRows) {
		t.Fatalf("expected ErrTooManyRows, got %v", err)
	}
}

func TestParserParseAttachesTypesAndSamples(t *testing.T) {
	ctx := context.Background()
	src := "email,age\njane@example.com,34\nbob@example.com,41\n"
	data, err := NewParser(ParseOptions{}).Parse(ctx, strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(data.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %+v", data.Columns)
	}
	if data.Columns[0].Type != domain.DataTypeEmail {
		t.Fatalf("expected email column, got %s", data.Columns[0].Type)
	}
	if data.Columns[1].Type != domain.DataTypeNumber {
		t.Fatalf("expected number column, got %s", data.Columns[1].Type)
	}
	if len(data.Columns[0].Samples) != 2 || data.Columns[0].Samples[0] != "jane@example.com" {
		t.Fatalf("unexpected samples: %v", data.Columns[0].Samples)
	}
	if len(data.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(data.Rows))
	}
}

func TestParserParseHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewParser(ParseOptions{}).Parse(ctx, strings.NewReader("a\n1\n"))
	if err == nil {
		t.Fatalf("expected context error")
	}
}

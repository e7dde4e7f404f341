// Package reader provides the source connectors an importer reads tables from.
//
// The set of connectors is closed: SourceType enumerates them and New switches over it.
// Every connector presents its source as named tables of rows.
package reader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// SourceType identifies a connector.
type SourceType int

// Source types.
const (
	CSV SourceType = iota + 1
	Excel
	GDX
	JSON
	Datapackage
	SQL
)

var sourceTypeNames = map[SourceType]string{
	CSV:         "CSV",
	Excel:       "Excel",
	GDX:         "GDX",
	JSON:        "JSON",
	Datapackage: "Datapackage",
	SQL:         "SQL",
}

func (t SourceType) String() string {
	if name, ok := sourceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SourceType(%d)", int(t))
}

// UnknownSourceTypeError is returned for a source type name no connector handles.
type UnknownSourceTypeError struct {
	Name string
}

func (e *UnknownSourceTypeError) Error() string {
	return fmt.Sprintf("unknown source type %q", e.Name)
}

// ParseSourceType parses a source type name as written in import specifications.
// Matching ignores case and an optional "Connector" suffix.
func ParseSourceType(name string) (SourceType, error) {
	key := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "connector")
	switch key {
	case "csv", "text":
		return CSV, nil
	case "excel", "xlsx":
		return Excel, nil
	case "gdx":
		return GDX, nil
	case "json":
		return JSON, nil
	case "datapackage":
		return Datapackage, nil
	case "sql", "sqlalchemy":
		return SQL, nil
	}
	return 0, &UnknownSourceTypeError{Name: name}
}

// FileBased reports whether the connector reads files, as opposed to database URLs.
func (t SourceType) FileBased() bool {
	return t != SQL
}

// TableOptions control how one table is read.
type TableOptions struct {
	// Encoding is an IANA character set name; empty means UTF-8.
	Encoding  string `mapstructure:"encoding"`
	Delimiter string `mapstructure:"delimiter"`
	QuoteChar string `mapstructure:"quotechar"`
	HasHeader bool   `mapstructure:"has_header"`
	// Skip is the number of leading rows to discard before the header.
	Skip int `mapstructure:"skip"`
}

// RowIterator walks the rows of one table. Use it like sql.Rows.
type RowIterator interface {
	// Header returns the column names, or nil when the table has none.
	Header() []string
	Next() bool
	// Row returns the current row. Values are strings, float64, bool or nil.
	Row() []any
	Err() error
	Close() error
}

// Reader is a connector to one source.
type Reader interface {
	Connect(ctx context.Context, source string) error
	Tables(ctx context.Context) ([]string, error)
	Rows(ctx context.Context, table string, opts TableOptions) (RowIterator, error)
	Disconnect() error
}

// Options configure connectors.
type Options struct {
	// GAMSDir locates gdxdump for the GDX connector.
	GAMSDir string
	Logger  *slog.Logger
}

// New returns a fresh connector for t.
func New(t SourceType, opts Options) (Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	switch t {
	case CSV:
		return &csvReader{}, nil
	case Excel:
		return &excelReader{}, nil
	case GDX:
		return &gdxReader{gamsDir: opts.GAMSDir, logger: opts.Logger}, nil
	case JSON:
		return &jsonReader{}, nil
	case Datapackage:
		return &datapackageReader{}, nil
	case SQL:
		return &sqlReader{logger: opts.Logger}, nil
	}
	return nil, &UnknownSourceTypeError{Name: t.String()}
}

// UnknownTableError is returned when a source has no table of the requested name.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("no table %q in source", e.Table)
}

// sliceIterator iterates rows held in memory.
type sliceIterator struct {
	header []string
	rows   [][]any
	pos    int
}

func newSliceIterator(header []string, rows [][]any) *sliceIterator {
	return &sliceIterator{header: header, rows: rows, pos: -1}
}

func (it *sliceIterator) Header() []string { return it.header }

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.rows) {
		it.pos = len(it.rows)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Row() []any {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return nil
	}
	return it.rows[it.pos]
}

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error { return nil }

// applySkipAndHeader removes skipped rows and the header row from string rows.
func applySkipAndHeader(records [][]string, opts TableOptions) ([]string, [][]any) {
	if opts.Skip > 0 {
		if opts.Skip >= len(records) {
			return nil, nil
		}
		records = records[opts.Skip:]
	}
	var header []string
	if opts.HasHeader && len(records) > 0 {
		header = records[0]
		records = records[1:]
	}
	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = stringsToAny(rec)
	}
	return header, rows
}

func stringsToAny(rec []string) []any {
	row := make([]any, len(rec))
	for i, v := range rec {
		row[i] = v
	}
	return row
}

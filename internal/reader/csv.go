package reader

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// csvTable is the single table of a CSV source.
const csvTable = "data"

type csvReader struct {
	path string
}

func (r *csvReader) Connect(_ context.Context, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("failed to open %s: is a directory", source)
	}
	r.path = source
	return nil
}

func (r *csvReader) Tables(_ context.Context) ([]string, error) {
	return []string{csvTable}, nil
}

func (r *csvReader) Rows(_ context.Context, table string, opts TableOptions) (RowIterator, error) {
	if table != csvTable {
		return nil, &UnknownTableError{Table: table}
	}
	return openCSV(r.path, opts)
}

func (r *csvReader) Disconnect() error {
	r.path = ""
	return nil
}

// openCSV opens a delimited file with the given options and positions it after the header.
func openCSV(path string, opts TableOptions) (*csvIterator, error) {
	f, err := os.Open(path) //nolint:gosec // path is a user-selected source file
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var in io.Reader = bufio.NewReader(f)
	if opts.Encoding != "" {
		enc, err := ianaindex.IANA.Encoding(opts.Encoding)
		if err != nil || enc == nil {
			_ = f.Close()
			return nil, fmt.Errorf("unsupported encoding %q", opts.Encoding)
		}
		in = transform.NewReader(in, enc.NewDecoder())
	}

	quote := byte('"')
	if opts.QuoteChar != "" {
		if len(opts.QuoteChar) != 1 {
			_ = f.Close()
			return nil, fmt.Errorf("quote character must be a single byte, got %q", opts.QuoteChar)
		}
		quote = opts.QuoteChar[0]
	}
	if quote != '"' {
		in = &swapReader{r: in, a: quote, b: '"'}
	}

	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if delim := opts.Delimiter; delim != "" {
		if delim == `\t` {
			delim = "\t"
		}
		d, size := utf8.DecodeRuneInString(delim)
		if d == utf8.RuneError || size != len(delim) {
			_ = f.Close()
			return nil, fmt.Errorf("delimiter must be a single character, got %q", opts.Delimiter)
		}
		cr.Comma = d
	}

	it := &csvIterator{f: f, cr: cr, swap: quote != '"', quote: quote}
	for range opts.Skip {
		if _, err := cr.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return it, nil
			}
			_ = f.Close()
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if opts.HasHeader {
		header, err := cr.Read()
		if err != nil && !errors.Is(err, io.EOF) {
			_ = f.Close()
			return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
		}
		it.header = it.restore(header)
	}
	return it, nil
}

type csvIterator struct {
	f      *os.File
	cr     *csv.Reader
	header []string
	row    []any
	err    error
	done   bool
	swap   bool
	quote  byte
}

func (it *csvIterator) Header() []string { return it.header }

func (it *csvIterator) Next() bool {
	if it.done {
		return false
	}
	rec, err := it.cr.Read()
	if err != nil {
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}
	it.row = stringsToAny(it.restore(rec))
	return true
}

func (it *csvIterator) Row() []any { return it.row }

func (it *csvIterator) Err() error { return it.err }

func (it *csvIterator) Close() error {
	it.done = true
	return it.f.Close()
}

// restore swaps quote characters inside field values back after swapReader exchanged them.
func (it *csvIterator) restore(rec []string) []string {
	if !it.swap {
		return rec
	}
	for i, v := range rec {
		b := []byte(v)
		swapBytes(b, it.quote, '"')
		rec[i] = string(b)
	}
	return rec
}

// swapReader exchanges two bytes in a stream. encoding/csv only knows the double quote, so a
// custom quote character is swapped with it on the way in and back in the parsed fields.
type swapReader struct {
	r    io.Reader
	a, b byte
}

func (s *swapReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	swapBytes(p[:n], s.a, s.b)
	return n, err
}

func swapBytes(p []byte, a, b byte) {
	for i, c := range p {
		switch c {
		case a:
			p[i] = b
		case b:
			p[i] = a
		}
	}
}

package reader

import (
	"context"
	"fmt"
	"slices"

	"github.com/xuri/excelize/v2"
)

// excelReader reads workbooks; every sheet is a table.
type excelReader struct {
	file *excelize.File
}

func (r *excelReader) Connect(_ context.Context, source string) error {
	f, err := excelize.OpenFile(source)
	if err != nil {
		return fmt.Errorf("failed to open workbook %s: %w", source, err)
	}
	r.file = f
	return nil
}

func (r *excelReader) Tables(_ context.Context) ([]string, error) {
	if r.file == nil {
		return nil, fmt.Errorf("workbook not connected")
	}
	return r.file.GetSheetList(), nil
}

func (r *excelReader) Rows(_ context.Context, table string, opts TableOptions) (RowIterator, error) {
	if r.file == nil {
		return nil, fmt.Errorf("workbook not connected")
	}
	if !slices.Contains(r.file.GetSheetList(), table) {
		return nil, &UnknownTableError{Table: table}
	}
	rows, err := r.file.Rows(table)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", table, err)
	}

	it := &excelIterator{rows: rows}
	for range opts.Skip {
		if !rows.Next() {
			return it, nil
		}
	}
	if opts.HasHeader && rows.Next() {
		header, err := rows.Columns()
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to read header of sheet %s: %w", table, err)
		}
		it.header = header
	}
	return it, nil
}

func (r *excelReader) Disconnect() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type excelIterator struct {
	rows   *excelize.Rows
	header []string
	row    []any
	err    error
}

func (it *excelIterator) Header() []string { return it.header }

func (it *excelIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	cols, err := it.rows.Columns()
	if err != nil {
		it.err = err
		return false
	}
	it.row = stringsToAny(cols)
	return true
}

func (it *excelIterator) Row() []any { return it.row }

func (it *excelIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Error()
}

func (it *excelIterator) Close() error { return it.rows.Close() }

package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// defaultSheet is the sheet a new workbook starts with.
const defaultSheet = "Sheet1"

// WriteFiles writes tables into dir and returns the paths written. JSON and Excel produce one
// file named fileName. CSV produces one file per table named after the table, or a single file
// named fileName when there is only one table.
func WriteFiles(ctx context.Context, format Format, dir, fileName string, tables []Rows) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	switch format {
	case FormatCSV:
		if len(tables) == 1 {
			path := filepath.Join(dir, fileName)
			return []string{path}, writeCSV(path, tables[0])
		}
		paths := make([]string, 0, len(tables))
		for _, t := range tables {
			if err := ctx.Err(); err != nil {
				return paths, err
			}
			path := filepath.Join(dir, t.Name+".csv")
			if err := writeCSV(path, t); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
		return paths, nil
	case FormatJSON:
		path := filepath.Join(dir, fileName)
		return []string{path}, writeJSON(path, tables)
	case FormatExcel:
		path := filepath.Join(dir, fileName)
		return []string{path}, writeExcel(ctx, path, tables)
	}
	return nil, fmt.Errorf("format %q does not write files", format)
}

func writeCSV(path string, t Rows) (err error) {
	f, err := os.Create(path) //nolint:gosec // path is inside the item's output directory
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	w := csv.NewWriter(f)
	if t.WithHeader {
		if err := w.Write(t.Header); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	for _, row := range t.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = text(v)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// writeJSON writes {"table": [{"column": value, ...}, ...], ...}.
func writeJSON(path string, tables []Rows) error {
	doc := make(map[string][]map[string]any, len(tables))
	for _, t := range tables {
		objects := make([]map[string]any, 0, len(t.Rows))
		for _, row := range t.Rows {
			obj := make(map[string]any, len(t.Header))
			for i, col := range t.Header {
				if i < len(row) {
					obj[col] = row[i]
				}
			}
			objects = append(objects, obj)
		}
		doc[t.Name] = objects
	}
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeExcel(ctx context.Context, path string, tables []Rows) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	keepDefault := false
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Name == defaultSheet {
			keepDefault = true
		} else if _, err := f.NewSheet(t.Name); err != nil {
			return fmt.Errorf("failed to add sheet %s: %w", t.Name, err)
		}
		row := 1
		if t.WithHeader {
			header := make([]any, len(t.Header))
			for i, h := range t.Header {
				header[i] = h
			}
			if err := setRow(f, t.Name, row, header); err != nil {
				return err
			}
			row++
		}
		for _, r := range t.Rows {
			if err := setRow(f, t.Name, row, r); err != nil {
				return err
			}
			row++
		}
	}
	if !keepDefault {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			return fmt.Errorf("failed to remove default sheet: %w", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write sheet %s: %w", sheet, err)
	}
	return nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

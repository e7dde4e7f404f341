package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
)

// jsonTable is the table name of a top-level JSON array.
const jsonTable = "data"

// jsonReader reads a top-level array as table "data", or a top-level object as one table per
// array-valued key. Array elements may be arrays, objects or scalars.
type jsonReader struct {
	tables map[string][]any
}

func (r *jsonReader) Connect(_ context.Context, source string) error {
	content, err := os.ReadFile(source) //nolint:gosec // path is a user-selected source file
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", source, err)
	}
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}

	r.tables = make(map[string][]any)
	switch v := doc.(type) {
	case []any:
		r.tables[jsonTable] = v
	case map[string]any:
		for key, value := range v {
			if arr, ok := value.([]any); ok {
				r.tables[key] = arr
			}
		}
	default:
		return fmt.Errorf("failed to parse %s: top level must be an array or an object", source)
	}
	return nil
}

func (r *jsonReader) Tables(_ context.Context) ([]string, error) {
	return slices.Sorted(maps.Keys(r.tables)), nil
}

func (r *jsonReader) Rows(_ context.Context, table string, opts TableOptions) (RowIterator, error) {
	elems, ok := r.tables[table]
	if !ok {
		return nil, &UnknownTableError{Table: table}
	}
	if opts.Skip > 0 {
		elems = elems[min(opts.Skip, len(elems)):]
	}

	var header []string
	keys := map[string]bool{}
	for _, e := range elems {
		if obj, ok := e.(map[string]any); ok {
			for k := range obj {
				keys[k] = true
			}
		}
	}
	if len(keys) > 0 {
		header = slices.Sorted(maps.Keys(keys))
	}

	rows := make([][]any, 0, len(elems))
	for _, e := range elems {
		switch v := e.(type) {
		case []any:
			rows = append(rows, v)
		case map[string]any:
			row := make([]any, len(header))
			for i, k := range header {
				row[i] = v[k]
			}
			rows = append(rows, row)
		default:
			rows = append(rows, []any{v})
		}
	}
	if header == nil && opts.HasHeader && len(rows) > 0 {
		for _, v := range rows[0] {
			header = append(header, fmt.Sprint(v))
		}
		rows = rows[1:]
	}
	return newSliceIterator(header, rows), nil
}

func (r *jsonReader) Disconnect() error {
	r.tables = nil
	return nil
}

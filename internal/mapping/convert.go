package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType is the type a cell is converted to before mapping.
type ValueType string

// Value types. The empty type keeps cells as the reader produced them.
const (
	TypeString  ValueType = "string"
	TypeFloat   ValueType = "float"
	TypeBoolean ValueType = "boolean"
)

// Conversions holds the type conversions of one table.
type Conversions struct {
	// ColumnTypes is keyed by 0-based column index or header name.
	ColumnTypes map[string]ValueType `json:"column_types,omitempty" mapstructure:"column_types"`
	// DefaultType applies to columns without an entry in ColumnTypes.
	DefaultType ValueType `json:"default_column_type,omitempty" mapstructure:"default_column_type"`
	// RowTypes is keyed by 0-based data row and overrides column types for the whole row.
	RowTypes map[int]ValueType `json:"row_types,omitempty" mapstructure:"row_types"`
}

// Validate rejects unknown type names.
func (c Conversions) Validate() error {
	check := func(t ValueType) error {
		switch t {
		case "", TypeString, TypeFloat, TypeBoolean:
			return nil
		}
		return fmt.Errorf("unknown value type %q", t)
	}
	if err := check(c.DefaultType); err != nil {
		return err
	}
	for _, t := range c.ColumnTypes {
		if err := check(t); err != nil {
			return err
		}
	}
	for _, t := range c.RowTypes {
		if err := check(t); err != nil {
			return err
		}
	}
	return nil
}

// columnTypes resolves ColumnTypes against a header into per-index types.
func (c Conversions) columnTypes(header []string, width int) []ValueType {
	types := make([]ValueType, width)
	for i := range types {
		types[i] = c.DefaultType
	}
	for ref, t := range c.ColumnTypes {
		if i, ok := resolveColumn(ref, header); ok && i < width {
			types[i] = t
		}
	}
	return types
}

// convert converts one cell. Empty cells become nil for non-string types.
func convert(v any, t ValueType) (any, error) {
	switch t {
	case "":
		return v, nil
	case TypeString:
		if v == nil {
			return nil, nil
		}
		return stringify(v), nil
	case TypeFloat:
		switch x := v.(type) {
		case nil:
			return nil, nil
		case float64:
			return x, nil
		case bool:
			return nil, fmt.Errorf("cannot convert %v to float", x)
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to float", x)
			}
			return f, nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case nil:
			return nil, nil
		case bool:
			return x, nil
		case float64:
			return x != 0, nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			b, err := strconv.ParseBool(strings.ToLower(s))
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to boolean", x)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %v to %s", v, t)
}

// stringify renders a cell as a name. Integral floats print without a fraction.
func stringify(v any) string {
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

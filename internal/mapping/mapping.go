// Package mapping turns rows of source tables into canonical entity and parameter records.
//
// A Mapping is an ordered list of components. Each component says which part of a record it
// provides (its map type) and where the value comes from (its source). One row yields at
// most one record of each kind, except in pivoted mappings where a component refers to
// column "*" and the row is expanded once per free column.
package mapping

import (
	"fmt"
	"strconv"
)

// MapType is the part of a record a component provides.
type MapType string

// Map types.
const (
	EntityClass         MapType = "EntityClass"
	Dimension           MapType = "Dimension"
	Entity              MapType = "Entity"
	Element             MapType = "Element"
	Alternative         MapType = "Alternative"
	ParameterDefinition MapType = "ParameterDefinition"
	ParameterValue      MapType = "ParameterValue"
)

// Source is where a component takes its value from.
type Source string

// Sources.
const (
	SourceColumn    Source = "column"
	SourceConstant  Source = "constant"
	SourceHeader    Source = "header"
	SourceTableName Source = "table_name"
	// SourceHidden disables a component.
	SourceHidden Source = "hidden"
)

// PivotColumn as a column reference expands a row over every free column.
const PivotColumn = "*"

// Component is one element of a mapping.
type Component struct {
	MapType MapType `json:"map_type" mapstructure:"map_type"`
	Source  Source  `json:"source" mapstructure:"source"`
	// Column is a 0-based column index or a header name. Used by column and header sources.
	Column string `json:"column,omitempty" mapstructure:"column"`
	// Value is used by the constant source.
	Value string `json:"value,omitempty" mapstructure:"value"`
}

// Mapping maps one table to records.
type Mapping struct {
	Components []Component `json:"components" mapstructure:"components"`
	// ReadStartRow is the number of data rows to skip.
	ReadStartRow int `json:"read_start_row,omitempty" mapstructure:"read_start_row"`
	// SkipColumns are excluded from pivot expansion.
	SkipColumns []string `json:"skip_columns,omitempty" mapstructure:"skip_columns"`
}

// InvalidMappingError reports a mapping that cannot be evaluated at all.
type InvalidMappingError struct {
	Table  string
	Reason string
}

func (e *InvalidMappingError) Error() string {
	if e.Table == "" {
		return "invalid mapping: " + e.Reason
	}
	return fmt.Sprintf("invalid mapping for table %s: %s", e.Table, e.Reason)
}

func invalid(table, format string, args ...any) *InvalidMappingError {
	return &InvalidMappingError{Table: table, Reason: fmt.Sprintf(format, args...)}
}

// active returns the components that take part in evaluation.
func (m Mapping) active() []Component {
	out := make([]Component, 0, len(m.Components))
	for _, c := range m.Components {
		if c.Source != SourceHidden && c.Source != "" {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks the structure of the mapping without looking at data.
func (m Mapping) Validate(table string) error {
	counts := map[MapType]int{}
	for i, c := range m.Components {
		switch c.MapType {
		case EntityClass, Dimension, Entity, Element, Alternative, ParameterDefinition, ParameterValue:
		default:
			return invalid(table, "component %d: unknown map type %q", i, c.MapType)
		}
		switch c.Source {
		case SourceColumn, SourceHeader:
			if c.Column == "" {
				return invalid(table, "component %d (%s): %s source needs a column", i, c.MapType, c.Source)
			}
		case SourceConstant:
			if c.Value == "" {
				return invalid(table, "component %d (%s): constant source needs a value", i, c.MapType)
			}
		case SourceTableName, SourceHidden, "":
			continue
		default:
			return invalid(table, "component %d: unknown source %q", i, c.Source)
		}
		counts[c.MapType]++
	}
	for _, c := range m.Components {
		if c.Source == SourceTableName {
			counts[c.MapType]++
		}
	}

	for _, single := range []MapType{EntityClass, Entity, Alternative, ParameterDefinition, ParameterValue} {
		if counts[single] > 1 {
			return invalid(table, "more than one %s component", single)
		}
	}
	if counts[EntityClass] == 0 {
		return invalid(table, "no EntityClass component")
	}
	if counts[Element] > 0 && counts[Element] != counts[Dimension] {
		return invalid(table, "%d Element components for %d Dimension components", counts[Element], counts[Dimension])
	}
	if counts[ParameterValue] > 0 {
		if counts[ParameterDefinition] == 0 {
			return invalid(table, "ParameterValue without ParameterDefinition")
		}
		if counts[Entity] == 0 && counts[Element] == 0 {
			return invalid(table, "ParameterValue without Entity or Element")
		}
	}
	if m.ReadStartRow < 0 {
		return invalid(table, "read_start_row must not be negative")
	}
	return nil
}

// resolveColumn turns a column reference into an index.
func resolveColumn(ref string, header []string) (int, bool) {
	if i, err := strconv.Atoi(ref); err == nil {
		return i, i >= 0
	}
	for i, h := range header {
		if h == ref {
			return i, true
		}
	}
	return 0, false
}

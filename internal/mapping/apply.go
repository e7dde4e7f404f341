package mapping

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/reader"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// ElementSeparator joins element names into the name of a multi-dimensional entity
// when the mapping has no Entity component.
const ElementSeparator = "__"

// compiled is a component with its column reference resolved. col is -1 for pivot columns.
type compiled struct {
	Component
	col   int
	pivot bool
}

// plan is a validated mapping bound to one table.
type plan struct {
	table    string
	header   []string
	class    *compiled
	dims     []compiled
	entity   *compiled
	elements []compiled
	alt      *compiled
	param    *compiled
	value    *compiled
	pivot    bool
	fixed    map[int]bool
	skip     map[int]bool
}

func compile(table string, m Mapping, header []string) (*plan, error) {
	p := &plan{table: table, header: header, fixed: map[int]bool{}, skip: map[int]bool{}}
	for _, c := range m.active() {
		cc := compiled{Component: c, col: -1}
		if c.Source == SourceColumn || c.Source == SourceHeader {
			if c.Source == SourceHeader && header == nil {
				return nil, invalid(table, "%s takes its value from a header but the table has none", c.MapType)
			}
			if c.Column == PivotColumn {
				cc.pivot = true
				p.pivot = true
			} else {
				i, ok := resolveColumn(c.Column, header)
				if !ok {
					return nil, invalid(table, "%s refers to unknown column %q", c.MapType, c.Column)
				}
				if header != nil && i >= len(header) {
					return nil, invalid(table, "%s refers to column %d but the table has %d columns", c.MapType, i, len(header))
				}
				cc.col = i
				if c.Source == SourceColumn {
					p.fixed[i] = true
				}
			}
		}
		switch c.MapType {
		case EntityClass:
			p.class = &cc
		case Dimension:
			p.dims = append(p.dims, cc)
		case Entity:
			p.entity = &cc
		case Element:
			p.elements = append(p.elements, cc)
		case Alternative:
			p.alt = &cc
		case ParameterDefinition:
			p.param = &cc
		case ParameterValue:
			p.value = &cc
		}
	}
	for _, ref := range m.SkipColumns {
		i, ok := resolveColumn(ref, header)
		if !ok {
			return nil, invalid(table, "skip_columns refers to unknown column %q", ref)
		}
		p.skip[i] = true
	}
	return p, nil
}

// raw returns the unconverted-to-name value of c for a row and pivot column.
func (p *plan) raw(c *compiled, cells []any, pivotCol int) any {
	col := c.col
	if c.pivot {
		col = pivotCol
	}
	switch c.Source {
	case SourceConstant:
		return c.Value
	case SourceTableName:
		return p.table
	case SourceHeader:
		if col < 0 || col >= len(p.header) {
			return nil
		}
		return p.header[col]
	case SourceColumn:
		if col < 0 || col >= len(cells) {
			return nil
		}
		return cells[col]
	}
	return nil
}

func (p *plan) name(c *compiled, cells []any, pivotCol int) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(stringify(p.raw(c, cells, pivotCol)))
}

// pivotColumns lists the columns a pivoted row expands over.
func (p *plan) pivotColumns(width int) []int {
	var cols []int
	for i := range width {
		if !p.fixed[i] && !p.skip[i] {
			cols = append(cols, i)
		}
	}
	return cols
}

// collector accumulates records without duplicates.
type collector struct {
	data    core.Data
	classes map[string]bool
	ents    map[[2]string]bool
	alts    map[string]bool
	defs    map[core.ParameterDefinition]bool
	values  map[[4]string]int
}

func newCollector() *collector {
	return &collector{
		classes: map[string]bool{},
		ents:    map[[2]string]bool{},
		alts:    map[string]bool{},
		defs:    map[core.ParameterDefinition]bool{},
		values:  map[[4]string]int{},
	}
}

func (c *collector) emit(p *plan, cells []any, pivotCol int) error {
	class := p.name(p.class, cells, pivotCol)
	if class == "" {
		return nil
	}
	var dims []string
	for i := range p.dims {
		d := p.name(&p.dims[i], cells, pivotCol)
		if d == "" {
			return fmt.Errorf("empty dimension %d for class %s", i+1, class)
		}
		dims = append(dims, d)
	}
	if !c.classes[class] {
		c.classes[class] = true
		c.data.EntityClasses = append(c.data.EntityClasses, core.EntityClass{Name: class, Dimensions: dims})
	}

	var elements []string
	for i := range p.elements {
		e := p.name(&p.elements[i], cells, pivotCol)
		if e == "" {
			elements = nil
			break
		}
		elements = append(elements, e)
	}
	entity := p.name(p.entity, cells, pivotCol)
	if entity == "" && len(elements) > 0 {
		entity = strings.Join(elements, ElementSeparator)
	}
	if entity != "" && !c.ents[[2]string{class, entity}] {
		c.ents[[2]string{class, entity}] = true
		c.data.Entities = append(c.data.Entities, core.Entity{Class: class, Name: entity, Elements: elements})
	}

	alt := p.name(p.alt, cells, pivotCol)
	if alt != "" && !c.alts[alt] {
		c.alts[alt] = true
		c.data.Alternatives = append(c.data.Alternatives, core.Alternative{Name: alt})
	}

	param := p.name(p.param, cells, pivotCol)
	if param != "" {
		def := core.ParameterDefinition{Class: class, Name: param}
		if !c.defs[def] {
			c.defs[def] = true
			c.data.ParameterDefinitions = append(c.data.ParameterDefinitions, def)
		}
	}

	if p.value == nil || entity == "" || param == "" {
		return nil
	}
	value := p.raw(p.value, cells, pivotCol)
	if s, ok := value.(string); value == nil || (ok && strings.TrimSpace(s) == "") {
		return nil
	}
	if alt == "" {
		alt = core.DefaultAlternative
	}
	key := [4]string{class, entity, param, alt}
	pv := core.ParameterValue{Class: class, Entity: entity, Parameter: param, Alternative: alt, Value: value}
	if i, ok := c.values[key]; ok {
		c.data.ParameterValues[i] = pv
		return nil
	}
	c.values[key] = len(c.data.ParameterValues)
	c.data.ParameterValues = append(c.data.ParameterValues, pv)
	return nil
}

// Apply evaluates m over every row of a table. Rows that fail conversion or evaluation are
// reported in the returned error strings and skipped. A structurally broken mapping returns
// an *InvalidMappingError; a failing iterator returns its error.
func Apply(ctx context.Context, rows reader.RowIterator, table string, m Mapping, conv Conversions) (*core.Data, []string, error) {
	if err := m.Validate(table); err != nil {
		return nil, nil, err
	}
	if err := conv.Validate(); err != nil {
		return nil, nil, invalid(table, "%v", err)
	}
	header := rows.Header()
	p, err := compile(table, m, header)
	if err != nil {
		return nil, nil, err
	}

	c := newCollector()
	var errs []string
	var types []ValueType
	index := -1
	for rows.Next() {
		index++
		if index%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		if index < m.ReadStartRow {
			continue
		}
		row := rows.Row()
		width := len(row)
		if header != nil {
			width = max(width, len(header))
		}
		if len(types) < width {
			types = conv.columnTypes(header, width)
		}

		cells, err := convertRow(row, types, conv.RowTypes, index)
		if err != nil {
			errs = append(errs, fmt.Sprintf("table %s row %d: %v", table, index+1, err))
			continue
		}
		pivots := []int{-1}
		if p.pivot {
			pivots = p.pivotColumns(width)
		}
		for _, col := range pivots {
			if err := c.emit(p, cells, col); err != nil {
				errs = append(errs, fmt.Sprintf("table %s row %d: %v", table, index+1, err))
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	return &c.data, errs, nil
}

func convertRow(row []any, types []ValueType, rowTypes map[int]ValueType, index int) ([]any, error) {
	cells := slices.Clone(row)
	rowType, hasRowType := rowTypes[index]
	for i, v := range cells {
		t := types[i]
		if hasRowType {
			t = rowType
		}
		converted, err := convert(v, t)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		cells[i] = converted
	}
	return cells, nil
}

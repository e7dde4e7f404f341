// Package export turns database contents into output tables and writes them in the formats an
// exporter supports.
package export

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Format is an output format.
type Format string

// Output formats.
const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatExcel Format = "excel"
	// FormatSQL writes into a database instead of a file.
	FormatSQL Format = "sql"
)

// Specification describes what an exporter writes.
type Specification struct {
	Name         string  `mapstructure:"name"`
	Description  string  `mapstructure:"description"`
	OutputFormat Format  `mapstructure:"output_format"`
	Tables       []Table `mapstructure:"tables"`
}

// Table selects the records of one kind, optionally of one class, into an output table.
type Table struct {
	Name string    `mapstructure:"name"`
	Kind core.Kind `mapstructure:"kind"`
	// Class restricts class-scoped kinds to one entity class. Empty keeps all.
	Class string `mapstructure:"class"`
	// Header adds a header row to CSV and Excel output.
	Header bool `mapstructure:"header"`
}

// Validate checks the specification before any data is read.
func (s *Specification) Validate() error {
	switch s.OutputFormat {
	case FormatCSV, FormatJSON, FormatExcel, FormatSQL:
	default:
		return fmt.Errorf("export specification %s: unknown output format %q", s.Name, s.OutputFormat)
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("export specification %s: no tables", s.Name)
	}
	seen := map[string]bool{}
	for i, t := range s.Tables {
		if t.Name == "" {
			return fmt.Errorf("export specification %s: table %d has no name", s.Name, i+1)
		}
		if seen[t.Name] {
			return fmt.Errorf("export specification %s: duplicate table %s", s.Name, t.Name)
		}
		seen[t.Name] = true
		if !slices.Contains(core.Kinds, t.Kind) {
			return fmt.Errorf("export specification %s: table %s has unknown kind %q", s.Name, t.Name, t.Kind)
		}
	}
	return nil
}

// Rows is one output table.
type Rows struct {
	Name   string
	Header []string
	Rows   [][]any
	// WithHeader tells writers that support it to emit Header.
	WithHeader bool
}

// Tables builds the output tables of spec from data, in specification order.
func Tables(data *core.Data, spec *Specification) []Rows {
	out := make([]Rows, 0, len(spec.Tables))
	for _, t := range spec.Tables {
		out = append(out, build(data, t))
	}
	return out
}

func build(data *core.Data, t Table) Rows {
	keep := func(class string) bool { return t.Class == "" || t.Class == class }
	r := Rows{Name: t.Name, WithHeader: t.Header}
	switch t.Kind {
	case core.KindEntityClasses:
		r.Header = []string{"name", "dimensions"}
		for _, c := range data.EntityClasses {
			if keep(c.Name) {
				r.Rows = append(r.Rows, []any{c.Name, strings.Join(c.Dimensions, ",")})
			}
		}
	case core.KindEntities:
		width := 0
		for _, e := range data.Entities {
			if keep(e.Class) {
				width = max(width, len(e.Elements))
			}
		}
		r.Header = []string{"class", "name"}
		for i := range width {
			r.Header = append(r.Header, "element_"+strconv.Itoa(i+1))
		}
		for _, e := range data.Entities {
			if !keep(e.Class) {
				continue
			}
			row := []any{e.Class, e.Name}
			for i := range width {
				if i < len(e.Elements) {
					row = append(row, e.Elements[i])
				} else {
					row = append(row, "")
				}
			}
			r.Rows = append(r.Rows, row)
		}
	case core.KindAlternatives:
		r.Header = []string{"name"}
		for _, a := range data.Alternatives {
			r.Rows = append(r.Rows, []any{a.Name})
		}
	case core.KindParameterDefinitions:
		r.Header = []string{"class", "name"}
		for _, d := range data.ParameterDefinitions {
			if keep(d.Class) {
				r.Rows = append(r.Rows, []any{d.Class, d.Name})
			}
		}
	case core.KindParameterValues:
		r.Header = []string{"class", "entity", "parameter", "alternative", "value"}
		for _, v := range data.ParameterValues {
			if keep(v.Class) {
				r.Rows = append(r.Rows, []any{v.Class, v.Entity, v.Parameter, v.Alternative, cell(v.Value)})
			}
		}
	}
	return r
}

// cell renders values that have no scalar cell form as JSON.
func cell(v any) any {
	switch v.(type) {
	case nil, string, float64, bool:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Subset returns the records spec selects, for writing into a database. Entities of the
// selected classes pull in their classes and dimension classes so the subset imports cleanly.
func Subset(data *core.Data, spec *Specification) *core.Data {
	out := &core.Data{}
	for _, t := range spec.Tables {
		keep := func(class string) bool { return t.Class == "" || t.Class == class }
		part := &core.Data{}
		switch t.Kind {
		case core.KindEntityClasses:
			part.EntityClasses = filter(data.EntityClasses, func(c core.EntityClass) bool { return keep(c.Name) })
		case core.KindEntities:
			part.Entities = filter(data.Entities, func(e core.Entity) bool { return keep(e.Class) })
		case core.KindAlternatives:
			part.Alternatives = slices.Clone(data.Alternatives)
		case core.KindParameterDefinitions:
			part.ParameterDefinitions = filter(data.ParameterDefinitions, func(d core.ParameterDefinition) bool { return keep(d.Class) })
		case core.KindParameterValues:
			part.ParameterValues = filter(data.ParameterValues, func(v core.ParameterValue) bool { return keep(v.Class) })
		}
		out.Merge(part)
	}
	closeOver(out, data)
	return out
}

// closeOver adds to out the classes, entities, definitions and alternatives its records refer to.
func closeOver(out, all *core.Data) {
	c := &closure{all: all, out: out, classes: map[string]bool{}, entities: map[[2]string]bool{}}
	for _, v := range out.ParameterValues {
		out.ParameterDefinitions = appendMissing(out.ParameterDefinitions, core.ParameterDefinition{Class: v.Class, Name: v.Parameter})
		out.Alternatives = appendMissing(out.Alternatives, core.Alternative{Name: v.Alternative})
		if e, ok := c.find(v.Class, v.Entity); ok {
			c.entity(e)
		}
	}
	for _, e := range slices.Clone(out.Entities) {
		c.entity(e)
	}
	for _, d := range out.ParameterDefinitions {
		c.class(d.Class)
	}
	for _, cl := range slices.Clone(out.EntityClasses) {
		c.class(cl.Name)
	}
	for _, cl := range all.EntityClasses {
		if c.classes[cl.Name] && !slices.ContainsFunc(out.EntityClasses, func(x core.EntityClass) bool { return x.Name == cl.Name }) {
			out.EntityClasses = append(out.EntityClasses, cl)
		}
	}
}

type closure struct {
	all, out *core.Data
	classes  map[string]bool
	entities map[[2]string]bool
}

func (c *closure) class(name string) {
	if c.classes[name] {
		return
	}
	c.classes[name] = true
	for _, cl := range c.all.EntityClasses {
		if cl.Name == name {
			for _, d := range cl.Dimensions {
				c.class(d)
			}
		}
	}
}

func (c *closure) entity(e core.Entity) {
	key := [2]string{e.Class, e.Name}
	if c.entities[key] {
		return
	}
	c.entities[key] = true
	c.class(e.Class)
	if !slices.ContainsFunc(c.out.Entities, func(x core.Entity) bool { return x.Class == e.Class && x.Name == e.Name }) {
		c.out.Entities = append(c.out.Entities, e)
	}
	dims := classDimensions(c.all, e.Class)
	for i, el := range e.Elements {
		if i >= len(dims) {
			break
		}
		if found, ok := c.find(dims[i], el); ok {
			c.entity(found)
		}
	}
}

func (c *closure) find(class, name string) (core.Entity, bool) {
	for _, e := range c.all.Entities {
		if e.Class == class && e.Name == name {
			return e, true
		}
	}
	return core.Entity{}, false
}

func classDimensions(data *core.Data, class string) []string {
	for _, c := range data.EntityClasses {
		if c.Name == class {
			return c.Dimensions
		}
	}
	return nil
}

func filter[T any](in []T, keep func(T) bool) []T {
	var out []T
	for _, x := range in {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

func appendMissing[T comparable](in []T, x T) []T {
	if slices.Contains(in, x) {
		return in
	}
	return append(in, x)
}

package core

import (
	"slices"
	"strings"
)

// Kind names one category of canonical records.
type Kind string

// Entity kinds, in dependency order.
const (
	KindEntityClasses        Kind = "entity_classes"
	KindEntities             Kind = "entities"
	KindAlternatives         Kind = "alternatives"
	KindParameterDefinitions Kind = "parameter_definitions"
	KindParameterValues      Kind = "parameter_values"
)

// Kinds lists all kinds in the order they must be imported.
var Kinds = []Kind{
	KindEntityClasses,
	KindEntities,
	KindAlternatives,
	KindParameterDefinitions,
	KindParameterValues,
}

// DefaultAlternative is the alternative parameter values belong to when none is given.
const DefaultAlternative = "Base"

// EntityClass is a named class; a non-empty Dimensions makes it a multi-dimensional class.
type EntityClass struct {
	Name       string   `json:"name"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// Entity is a member of a class. Elements are set for multi-dimensional classes.
type Entity struct {
	Class    string   `json:"class"`
	Name     string   `json:"name"`
	Elements []string `json:"elements,omitempty"`
}

// Alternative is a named alternative.
type Alternative struct {
	Name string `json:"name"`
}

// ParameterDefinition defines a parameter on a class.
type ParameterDefinition struct {
	Class string `json:"class"`
	Name  string `json:"name"`
}

// ParameterValue is the value of one parameter of one entity in one alternative.
// Value holds a float64, string, bool, nil or a map[string]any.
type ParameterValue struct {
	Class       string `json:"class"`
	Entity      string `json:"entity"`
	Parameter   string `json:"parameter"`
	Alternative string `json:"alternative"`
	Value       any    `json:"value"`
}

// Data is the canonical record set that flows between readers, mappings and databases.
type Data struct {
	EntityClasses        []EntityClass         `json:"entity_classes,omitempty"`
	Entities             []Entity              `json:"entities,omitempty"`
	Alternatives         []Alternative         `json:"alternatives,omitempty"`
	ParameterDefinitions []ParameterDefinition `json:"parameter_definitions,omitempty"`
	ParameterValues      []ParameterValue      `json:"parameter_values,omitempty"`
}

// Count returns the number of records per kind.
func (d *Data) Count(k Kind) int {
	switch k {
	case KindEntityClasses:
		return len(d.EntityClasses)
	case KindEntities:
		return len(d.Entities)
	case KindAlternatives:
		return len(d.Alternatives)
	case KindParameterDefinitions:
		return len(d.ParameterDefinitions)
	case KindParameterValues:
		return len(d.ParameterValues)
	}
	return 0
}

// Len returns the total number of records.
func (d *Data) Len() int {
	n := 0
	for _, k := range Kinds {
		n += d.Count(k)
	}
	return n
}

// Empty reports whether d holds no records.
func (d *Data) Empty() bool {
	return d == nil || d.Len() == 0
}

// Merge appends other's records to d, skipping records d already has.
func (d *Data) Merge(other *Data) {
	if other == nil {
		return
	}
	for _, c := range other.EntityClasses {
		if !slices.ContainsFunc(d.EntityClasses, func(x EntityClass) bool { return x.Name == c.Name }) {
			d.EntityClasses = append(d.EntityClasses, c)
		}
	}
	for _, e := range other.Entities {
		if !slices.ContainsFunc(d.Entities, func(x Entity) bool { return x.Class == e.Class && x.Name == e.Name }) {
			d.Entities = append(d.Entities, e)
		}
	}
	for _, a := range other.Alternatives {
		if !slices.Contains(d.Alternatives, a) {
			d.Alternatives = append(d.Alternatives, a)
		}
	}
	for _, p := range other.ParameterDefinitions {
		if !slices.Contains(d.ParameterDefinitions, p) {
			d.ParameterDefinitions = append(d.ParameterDefinitions, p)
		}
	}
	for _, v := range other.ParameterValues {
		idx := slices.IndexFunc(d.ParameterValues, func(x ParameterValue) bool {
			return x.Class == v.Class && x.Entity == v.Entity && x.Parameter == v.Parameter && x.Alternative == v.Alternative
		})
		if idx < 0 {
			d.ParameterValues = append(d.ParameterValues, v)
		} else {
			d.ParameterValues[idx] = v
		}
	}
}

// Sort orders every kind deterministically. Used before comparing exports.
func (d *Data) Sort() {
	slices.SortFunc(d.EntityClasses, func(a, b EntityClass) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(d.Entities, func(a, b Entity) int {
		if c := strings.Compare(a.Class, b.Class); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(d.Alternatives, func(a, b Alternative) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(d.ParameterDefinitions, func(a, b ParameterDefinition) int {
		if c := strings.Compare(a.Class, b.Class); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(d.ParameterValues, func(a, b ParameterValue) int {
		for _, c := range []int{
			strings.Compare(a.Class, b.Class),
			strings.Compare(a.Entity, b.Entity),
			strings.Compare(a.Parameter, b.Parameter),
			strings.Compare(a.Alternative, b.Alternative),
		} {
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

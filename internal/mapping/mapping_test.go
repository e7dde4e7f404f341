package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rowsStub struct {
	header []string
	rows   [][]any
	pos    int
	err    error
}

func newRows(header []string, rows ...[]any) *rowsStub {
	return &rowsStub{header: header, rows: rows, pos: -1}
}

func (r *rowsStub) Header() []string { return r.header }
func (r *rowsStub) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}
func (r *rowsStub) Row() []any   { return r.rows[r.pos] }
func (r *rowsStub) Err() error   { return r.err }
func (r *rowsStub) Close() error { return nil }

func col(t MapType, ref string) Component {
	return Component{MapType: t, Source: SourceColumn, Column: ref}
}

func constant(t MapType, v string) Component {
	return Component{MapType: t, Source: SourceConstant, Value: v}
}

func TestApply_ClassAndEntity(t *testing.T) {
	m := Mapping{Components: []Component{col(EntityClass, "0"), col(Entity, "1")}}

	data, errs, err := Apply(context.Background(), newRows(nil, []any{"class", "entity"}), "data", m, Conversions{})

	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, []core.EntityClass{{Name: "class"}}, data.EntityClasses)
	assert.Equal(t, []core.Entity{{Class: "class", Name: "entity"}}, data.Entities)
	assert.Empty(t, data.ParameterValues)
}

func TestApply_ParameterValuesWithConversions(t *testing.T) {
	m := Mapping{Components: []Component{
		constant(EntityClass, "unit"),
		col(Entity, "name"),
		constant(ParameterDefinition, "capacity"),
		col(ParameterValue, "capacity"),
		col(Alternative, "alt"),
	}}
	rows := newRows([]string{"name", "capacity", "alt"},
		[]any{"coal", "100", "low"},
		[]any{"wind", "n/a", "low"},
		[]any{"gas", "", ""},
	)

	data, errs, err := Apply(context.Background(), rows, "units", m, Conversions{
		ColumnTypes: map[string]ValueType{"capacity": TypeFloat},
	})

	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "table units row 2")
	assert.Contains(t, errs[0], `cannot convert "n/a" to float`)

	assert.Equal(t, []core.Entity{{Class: "unit", Name: "coal"}, {Class: "unit", Name: "gas"}}, data.Entities)
	assert.Equal(t, []core.Alternative{{Name: "low"}}, data.Alternatives)
	assert.Equal(t, []core.ParameterDefinition{{Class: "unit", Name: "capacity"}}, data.ParameterDefinitions)
	assert.Equal(t, []core.ParameterValue{
		{Class: "unit", Entity: "coal", Parameter: "capacity", Alternative: "low", Value: 100.0},
	}, data.ParameterValues)
}

func TestApply_MultiDimensionalEntityNamedFromElements(t *testing.T) {
	m := Mapping{Components: []Component{
		constant(EntityClass, "unit__node"),
		constant(Dimension, "unit"),
		constant(Dimension, "node"),
		col(Element, "0"),
		col(Element, "1"),
	}}

	data, errs, err := Apply(context.Background(), newRows(nil, []any{"coal", "north"}), "data", m, Conversions{})

	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, []core.EntityClass{{Name: "unit__node", Dimensions: []string{"unit", "node"}}}, data.EntityClasses)
	assert.Equal(t, []core.Entity{{Class: "unit__node", Name: "coal__north", Elements: []string{"coal", "north"}}}, data.Entities)
}

func TestApply_PivotOverColumns(t *testing.T) {
	m := Mapping{
		Components: []Component{
			{MapType: EntityClass, Source: SourceTableName},
			col(Entity, "0"),
			{MapType: ParameterDefinition, Source: SourceHeader, Column: PivotColumn},
			col(ParameterValue, PivotColumn),
		},
		SkipColumns: []string{"comment"},
	}
	rows := newRows([]string{"unit", "capacity", "cost", "comment"},
		[]any{"coal", 100.0, 3.5, "old"},
	)

	data, errs, err := Apply(context.Background(), rows, "unit", m, Conversions{})

	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, []core.ParameterDefinition{{Class: "unit", Name: "capacity"}, {Class: "unit", Name: "cost"}}, data.ParameterDefinitions)
	assert.Equal(t, []core.ParameterValue{
		{Class: "unit", Entity: "coal", Parameter: "capacity", Alternative: core.DefaultAlternative, Value: 100.0},
		{Class: "unit", Entity: "coal", Parameter: "cost", Alternative: core.DefaultAlternative, Value: 3.5},
	}, data.ParameterValues)
}

func TestApply_ReadStartRowAndRowTypes(t *testing.T) {
	m := Mapping{
		Components: []Component{
			constant(EntityClass, "node"),
			col(Entity, "0"),
			constant(ParameterDefinition, "flag"),
			col(ParameterValue, "1"),
		},
		ReadStartRow: 1,
	}
	rows := newRows(nil,
		[]any{"title", "ignored"},
		[]any{"north", "1"},
		[]any{"south", "2"},
	)

	data, errs, err := Apply(context.Background(), rows, "data", m, Conversions{
		ColumnTypes: map[string]ValueType{"1": TypeFloat},
		RowTypes:    map[int]ValueType{2: TypeString},
	})

	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, []core.ParameterValue{
		{Class: "node", Entity: "north", Parameter: "flag", Alternative: core.DefaultAlternative, Value: 1.0},
		{Class: "node", Entity: "south", Parameter: "flag", Alternative: core.DefaultAlternative, Value: "2"},
	}, data.ParameterValues)
}

func TestApply_DuplicateRowsCollapse(t *testing.T) {
	m := Mapping{Components: []Component{col(EntityClass, "0"), col(Entity, "1")}}
	rows := newRows(nil, []any{"a", "x"}, []any{"a", "x"}, []any{"a", "y"}, []any{"", "z"})

	data, _, err := Apply(context.Background(), rows, "data", m, Conversions{})

	require.NoError(t, err)
	assert.Len(t, data.EntityClasses, 1)
	assert.Len(t, data.Entities, 2)
}

func TestApply_InvalidMapping(t *testing.T) {
	tests := []struct {
		name    string
		mapping Mapping
		header  []string
		reason  string
	}{
		{
			name:    "no class",
			mapping: Mapping{Components: []Component{col(Entity, "0")}},
			reason:  "no EntityClass component",
		},
		{
			name:    "two entities",
			mapping: Mapping{Components: []Component{col(EntityClass, "0"), col(Entity, "1"), col(Entity, "2")}},
			reason:  "more than one Entity component",
		},
		{
			name:    "value without definition",
			mapping: Mapping{Components: []Component{col(EntityClass, "0"), col(Entity, "1"), col(ParameterValue, "2")}},
			reason:  "ParameterValue without ParameterDefinition",
		},
		{
			name: "elements without dimensions",
			mapping: Mapping{Components: []Component{
				col(EntityClass, "0"), col(Element, "1"),
			}},
			reason: "1 Element components for 0 Dimension components",
		},
		{
			name:    "unknown column name",
			mapping: Mapping{Components: []Component{col(EntityClass, "missing")}},
			header:  []string{"class"},
			reason:  `EntityClass refers to unknown column "missing"`,
		},
		{
			name:    "header source without header",
			mapping: Mapping{Components: []Component{{MapType: EntityClass, Source: SourceHeader, Column: "0"}}},
			reason:  "takes its value from a header but the table has none",
		},
		{
			name:    "unknown source",
			mapping: Mapping{Components: []Component{{MapType: EntityClass, Source: "formula"}}},
			reason:  `unknown source "formula"`,
		},
		{
			name:    "constant without value",
			mapping: Mapping{Components: []Component{{MapType: EntityClass, Source: SourceConstant}}},
			reason:  "constant source needs a value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Apply(context.Background(), newRows(tt.header, []any{"a", "b", "c"}), "t", tt.mapping, Conversions{})

			var invalidErr *InvalidMappingError
			require.ErrorAs(t, err, &invalidErr)
			assert.Equal(t, "t", invalidErr.Table)
			assert.Contains(t, invalidErr.Reason, tt.reason)
		})
	}
}

func TestApply_HiddenComponentIgnored(t *testing.T) {
	m := Mapping{Components: []Component{
		col(EntityClass, "0"),
		col(Entity, "1"),
		{MapType: ParameterValue, Source: SourceHidden},
	}}

	data, _, err := Apply(context.Background(), newRows(nil, []any{"a", "x"}), "data", m, Conversions{})

	require.NoError(t, err)
	assert.Len(t, data.Entities, 1)
}

func TestApply_UnknownConversionType(t *testing.T) {
	m := Mapping{Components: []Component{col(EntityClass, "0")}}

	_, _, err := Apply(context.Background(), newRows(nil), "data", m, Conversions{DefaultType: "date"})

	var invalidErr *InvalidMappingError
	assert.ErrorAs(t, err, &invalidErr)
}

func TestApply_IteratorError(t *testing.T) {
	m := Mapping{Components: []Component{col(EntityClass, "0")}}
	rows := newRows(nil)
	rows.err = errors.New("disk gone")

	_, _, err := Apply(context.Background(), rows, "data", m, Conversions{})

	assert.ErrorContains(t, err, "disk gone")
}

func TestApply_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := Mapping{Components: []Component{col(EntityClass, "0")}}

	_, _, err := Apply(ctx, newRows(nil, []any{"a"}), "data", m, Conversions{})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestConvert(t *testing.T) {
	tests := []struct {
		in      any
		typ     ValueType
		want    any
		wantErr bool
	}{
		{"1.5", TypeFloat, 1.5, false},
		{" 2 ", TypeFloat, 2.0, false},
		{"", TypeFloat, nil, false},
		{"x", TypeFloat, nil, true},
		{true, TypeFloat, nil, true},
		{"TRUE", TypeBoolean, true, false},
		{0.0, TypeBoolean, false, false},
		{"maybe", TypeBoolean, nil, true},
		{3.0, TypeString, "3", false},
		{"as is", "", "as is", false},
	}
	for _, tt := range tests {
		got, err := convert(tt.in, tt.typ)
		if tt.wantErr {
			assert.Error(t, err, "%v as %s", tt.in, tt.typ)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v as %s", tt.in, tt.typ)
	}
}

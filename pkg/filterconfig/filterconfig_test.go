package filterconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() *core.Data {
	return &core.Data{
		EntityClasses: []core.EntityClass{
			{Name: "unit"},
			{Name: "node"},
			{Name: "unit__node", Dimensions: []string{"unit", "node"}},
		},
		Entities: []core.Entity{
			{Class: "unit", Name: "coal"},
			{Class: "node", Name: "north"},
		},
		ParameterDefinitions: []core.ParameterDefinition{
			{Class: "unit", Name: "capacity"},
			{Class: "unit", Name: "label"},
		},
		ParameterValues: []core.ParameterValue{
			{Class: "unit", Entity: "coal", Parameter: "capacity", Alternative: "Base", Value: 4.0},
			{Class: "unit", Entity: "coal", Parameter: "label", Alternative: "Base", Value: "big"},
		},
	}
}

func TestSave_IsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Filters: []Filter{{Type: ClassRenamer, ClassRenames: map[string]string{"foo": "bar"}}}}

	first, err := Save(dir, cfg)
	require.NoError(t, err)
	second, err := Save(dir, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := Save(dir, &Config{Filters: []Filter{{Type: ClassRenamer, ClassRenames: map[string]string{"foo": "baz"}}}})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	loaded, err := Load(first)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"foo": "bar"}, loaded.Filters[0].ClassRenames)
}

func TestLoad_RejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"filters":[{"type":"scenario_filter"}]}`), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter type")
}

func TestApply_ClassRenamer(t *testing.T) {
	data := sampleData()
	cfg := &Config{Filters: []Filter{{Type: ClassRenamer, ClassRenames: map[string]string{"unit": "generator"}}}}

	require.NoError(t, Apply(data, []*Config{cfg}))

	assert.Equal(t, "generator", data.EntityClasses[0].Name)
	assert.Equal(t, []string{"generator", "node"}, data.EntityClasses[2].Dimensions)
	assert.Equal(t, "generator", data.Entities[0].Class)
	assert.Equal(t, "node", data.Entities[1].Class)
	assert.Equal(t, "generator", data.ParameterDefinitions[0].Class)
	assert.Equal(t, "generator", data.ParameterValues[0].Class)
}

func TestApply_ParameterRenamer(t *testing.T) {
	data := sampleData()
	cfg := &Config{Filters: []Filter{{
		Type:             ParameterRenamer,
		ParameterRenames: map[string]map[string]string{"unit": {"capacity": "max_output"}},
	}}}

	require.NoError(t, Apply(data, []*Config{cfg}))

	assert.Equal(t, "max_output", data.ParameterDefinitions[0].Name)
	assert.Equal(t, "label", data.ParameterDefinitions[1].Name)
	assert.Equal(t, "max_output", data.ParameterValues[0].Parameter)
}

func TestApply_ValueTransformer(t *testing.T) {
	tests := []struct {
		name string
		in   Instruction
		want any
	}{
		{"multiply", Instruction{Class: "unit", Parameter: "cap.*", Operation: OpMultiply, RHS: 2.5}, 10.0},
		{"negate", Instruction{Operation: OpNegate}, -4.0},
		{"invert", Instruction{Parameter: "capacity", Operation: OpInvert}, 0.25},
		{"no match", Instruction{Class: "node", Operation: OpNegate}, 4.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := sampleData()
			cfg := &Config{Filters: []Filter{{Type: ValueTransformer, Instructions: []Instruction{tt.in}}}}

			require.NoError(t, Apply(data, []*Config{cfg}))

			assert.Equal(t, tt.want, data.ParameterValues[0].Value)
			assert.Equal(t, "big", data.ParameterValues[1].Value, "non-numeric values pass through")
		})
	}
}

func TestApply_InvertZeroIsUnchanged(t *testing.T) {
	data := &core.Data{ParameterValues: []core.ParameterValue{{Class: "c", Entity: "e", Parameter: "p", Value: 0.0}}}
	cfg := &Config{Filters: []Filter{{Type: ValueTransformer, Instructions: []Instruction{{Operation: OpInvert}}}}}

	require.NoError(t, Apply(data, []*Config{cfg}))
	assert.Equal(t, 0.0, data.ParameterValues[0].Value)
}

func TestApply_OrderMatters(t *testing.T) {
	renameThenScale := []*Config{
		{Filters: []Filter{{Type: ClassRenamer, ClassRenames: map[string]string{"unit": "generator"}}}},
		{Filters: []Filter{{Type: ValueTransformer, Instructions: []Instruction{{Class: "unit", Operation: OpNegate}}}}},
	}
	data := sampleData()

	require.NoError(t, Apply(data, renameThenScale))

	assert.Equal(t, 4.0, data.ParameterValues[0].Value, "class no longer called unit when the transform runs")
}

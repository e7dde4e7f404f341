package core_test

import (
	"testing"

	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabaseResource(t *testing.T) {
	r := core.NewDatabaseResource("Store", "sqlite:///db.sqlite", "", "http://127.0.0.1:9000")

	assert.Equal(t, "db_url@Store", r.Label)
	assert.Equal(t, core.ResourceDatabase, r.Type)
	assert.True(t, r.Filterable)
	assert.Equal(t, "http://127.0.0.1:9000", r.ManagerAddress())
	assert.Nil(t, r.Ordering())
	assert.False(t, r.HasFile())
}

func TestResource_DerivedCopiesLeaveOriginalAlone(t *testing.T) {
	r := core.NewDatabaseResource("Store", "sqlite:///db.sqlite", "", "")
	ordering := &core.Ordering{ID: "run/Store/Import", Current: 1}

	withURL := r.WithURL("sqlite:///other.sqlite")
	withOrdering := r.WithMetadata(core.MetaOrdering, ordering)

	assert.Equal(t, "sqlite:///db.sqlite", r.URL)
	assert.Equal(t, "sqlite:///other.sqlite", withURL.URL)
	assert.Nil(t, r.Ordering())
	assert.Same(t, ordering, withOrdering.Ordering())
}

func TestResource_HasFile(t *testing.T) {
	tests := []struct {
		name string
		r    *core.Resource
		want bool
	}{
		{"file", core.NewFileResource("DC", "/data/a.csv", ""), true},
		{"transient written", core.NewTransientFileResource("Export", "/out/a.csv", "a.csv"), true},
		{"transient pending", core.NewTransientFileResource("Export", "", "a.csv"), false},
		{"pattern", core.NewFilePatternResource("DC", "/data/*.csv", ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.HasFile())
		})
	}
}

func TestFilterAndGroupResources(t *testing.T) {
	a := core.NewFileResource("DC", "/data/a.csv", "")
	db := core.NewDatabaseResource("Store", "sqlite:///db.sqlite", "", "")
	a2 := core.NewFileResource("DC2", "/other/a.csv", "")
	all := []*core.Resource{a, db, a2}

	assert.Equal(t, []*core.Resource{a, a2}, core.FilterByType(all, core.ResourceFile))
	groups := core.LabelToResources(all)
	assert.Equal(t, []*core.Resource{a, a2}, groups["a.csv"])
	assert.Equal(t, []*core.Resource{db}, groups["db_url@Store"])
}

func TestOrdering_Clone(t *testing.T) {
	o := &core.Ordering{ID: "x", Current: 2, Precursors: []string{"a"}}
	c := o.Clone()
	c.Precursors[0] = "b"

	assert.Equal(t, []string{"a"}, o.Precursors)
	assert.Nil(t, (*core.Ordering)(nil).Clone())
}

func TestData_Merge(t *testing.T) {
	d := &core.Data{
		EntityClasses:   []core.EntityClass{{Name: "unit"}},
		Entities:        []core.Entity{{Class: "unit", Name: "coal"}},
		ParameterValues: []core.ParameterValue{{Class: "unit", Entity: "coal", Parameter: "capacity", Alternative: "Base", Value: 1.0}},
	}
	d.Merge(&core.Data{
		EntityClasses:   []core.EntityClass{{Name: "unit"}, {Name: "node"}},
		Entities:        []core.Entity{{Class: "unit", Name: "coal"}, {Class: "unit", Name: "gas"}},
		Alternatives:    []core.Alternative{{Name: "Base"}},
		ParameterValues: []core.ParameterValue{{Class: "unit", Entity: "coal", Parameter: "capacity", Alternative: "Base", Value: 2.0}},
	})
	d.Merge(nil)

	assert.Equal(t, 2, d.Count(core.KindEntityClasses))
	assert.Equal(t, 2, d.Count(core.KindEntities))
	assert.Equal(t, 1, d.Count(core.KindAlternatives))
	require.Len(t, d.ParameterValues, 1)
	assert.Equal(t, 2.0, d.ParameterValues[0].Value)
	assert.Equal(t, 6, d.Len())
	assert.False(t, d.Empty())
	assert.True(t, (*core.Data)(nil).Empty())
}

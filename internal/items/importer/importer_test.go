package importer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/items/itemtest"
	"github.com/leapstack-labs/leapflow/internal/mapping"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classEntityMapping() mapping.Mapping {
	return mapping.Mapping{Components: []mapping.Component{
		{MapType: mapping.EntityClass, Source: mapping.SourceColumn, Column: "0"},
		{MapType: mapping.Entity, Source: mapping.SourceColumn, Column: "1"},
	}}
}

func csvSpec(mappings ...mapping.Mapping) *Specification {
	return &Specification{
		Name:       "csv import",
		SourceType: "CSV",
		Tables:     []Table{{Name: "data", Mappings: mappings}},
	}
}

func writeCSV(t *testing.T, name, content string) *core.Resource {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return core.NewFileResource("files", path, name)
}

type fixture struct {
	env     *itemtest.Env
	url     string
	target  *core.Resource
	sink    *testutil.Sink
	dataDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := itemtest.NewEnv(t)
	url := itemtest.Database(t, "target")
	return &fixture{
		env:     env,
		url:     url,
		target:  env.Resource("target", url, &core.Ordering{ID: "run/target/importer", Current: 1}),
		sink:    testutil.NewSink(),
		dataDir: t.TempDir(),
	}
}

func (f *fixture) importer(t *testing.T, cfg Config) *Importer {
	return New(items.Settings{
		Name:    "importer",
		DataDir: f.dataDir,
		Logger:  f.sink,
		Slog:    testutil.NewTestLogger(t),
	}, cfg)
}

func (f *fixture) errorLogs(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.dataDir, items.LogsDir, "*_error.log"))
	require.NoError(t, err)
	return matches
}

func TestImporter_SingleCSV(t *testing.T) {
	f := newFixture(t)
	imp := f.importer(t, Config{Specification: csvSpec(classEntityMapping())})

	state := imp.Execute(context.Background(), []*core.Resource{writeCSV(t, "in.csv", "class,entity\n")}, []*core.Resource{f.target}, &sync.Mutex{})

	require.Equal(t, core.FinishSuccess, state)
	data := f.env.Export(t, f.url)
	assert.Equal(t, []core.EntityClass{{Name: "class"}}, data.EntityClasses)
	assert.Equal(t, []core.Entity{{Class: "class", Name: "entity"}}, data.Entities)
	assert.Equal(t, []string{"Import 2 data by importer"}, f.env.Commits(t, f.url))
	assert.Empty(t, f.errorLogs(t))
}

func TestImporter_UnselectedInput(t *testing.T) {
	f := newFixture(t)
	source := writeCSV(t, "in.csv", "class,entity\n")
	imp := f.importer(t, Config{
		Specification: csvSpec(classEntityMapping()),
		FileSelection: map[string]bool{source.Label: false},
	})

	state := imp.Execute(context.Background(), []*core.Resource{source}, []*core.Resource{f.target}, &sync.Mutex{})

	assert.Equal(t, core.FinishSuccess, state)
	assert.Empty(t, f.env.Events(servermgr.EventCheckin))
	assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
	assert.Empty(t, f.env.Commits(t, f.url))
}

func TestImporter_NoSpecificationSkipsWithQuickCheckout(t *testing.T) {
	f := newFixture(t)
	other := f.env.Resource("other", itemtest.Database(t, "other"), &core.Ordering{ID: "run/other/importer", Current: 1})
	imp := f.importer(t, Config{})

	state := imp.Execute(context.Background(), nil, []*core.Resource{f.target, other}, &sync.Mutex{})

	assert.Equal(t, core.FinishSkipped, state)
	events := f.env.Events(servermgr.EventQuickCheckout)
	require.Len(t, events, 2)
	assert.Equal(t, "run/target/importer", events[0].Writer)
	assert.Equal(t, "run/other/importer", events[1].Writer)
	assert.True(t, f.sink.Contains(testutil.LevelWarning, "No specification"))
}

func TestImporter_ZeroTargets(t *testing.T) {
	f := newFixture(t)
	imp := f.importer(t, Config{Specification: csvSpec(classEntityMapping())})

	state := imp.Execute(context.Background(), []*core.Resource{writeCSV(t, "in.csv", "a,b\n")}, nil, &sync.Mutex{})

	assert.Equal(t, core.FinishSuccess, state)
	assert.Empty(t, f.env.Events(servermgr.EventCheckin))
}

func TestImporter_CancelOnError(t *testing.T) {
	broken := mapping.Mapping{Components: []mapping.Component{
		{MapType: mapping.Entity, Source: mapping.SourceColumn, Column: "1"},
	}}

	tests := []struct {
		name          string
		cancelOnError bool
		want          core.FinishState
		wantClasses   []string
	}{
		{"cancel", true, core.FinishFailure, nil},
		{"continue", false, core.FinishSuccess, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			imp := f.importer(t, Config{
				Specification: csvSpec(classEntityMapping(), broken),
				CancelOnError: tt.cancelOnError,
			})

			source := writeCSV(t, "in.csv", "a,x\nb,y\n")
			state := imp.Execute(context.Background(), []*core.Resource{source}, []*core.Resource{f.target}, &sync.Mutex{})

			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.wantClasses, itemtest.Classes(f.env.Export(t, f.url)))

			logsFound := f.errorLogs(t)
			require.Len(t, logsFound, 1)
			assert.Contains(t, filepath.Base(logsFound[0]), "_read_error.log")
			content, err := os.ReadFile(logsFound[0])
			require.NoError(t, err)
			assert.Contains(t, string(content), "no EntityClass component")
			if tt.cancelOnError {
				assert.Empty(t, f.env.Commits(t, f.url))
				assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
			} else {
				assert.Equal(t, []string{"Import 4 data by importer"}, f.env.Commits(t, f.url))
			}
		})
	}
}

func TestImporter_ImportErrorsRollBack(t *testing.T) {
	f := newFixture(t)
	spec := csvSpec(mapping.Mapping{Components: []mapping.Component{
		{MapType: mapping.EntityClass, Source: mapping.SourceColumn, Column: "0"},
		{MapType: mapping.Entity, Source: mapping.SourceColumn, Column: "1"},
		{MapType: mapping.Alternative, Source: mapping.SourceConstant, Value: "high"},
		{MapType: mapping.ParameterDefinition, Source: mapping.SourceConstant, Value: "capacity"},
		{MapType: mapping.ParameterValue, Source: mapping.SourceColumn, Column: "2"},
	}})
	// unit already exists with a dimension, so the zero-dimensional records are rejected.
	f.env.Seed(t, f.url, &core.Data{
		EntityClasses: []core.EntityClass{{Name: "node"}, {Name: "unit", Dimensions: []string{"node"}}},
	})
	source := writeCSV(t, "in.csv", "unit,x,1\n")

	imp := f.importer(t, Config{Specification: spec, CancelOnError: true})
	state := imp.Execute(context.Background(), []*core.Resource{source}, []*core.Resource{f.target}, &sync.Mutex{})

	assert.Equal(t, core.FinishFailure, state)
	assert.Equal(t, []string{"seed"}, f.env.Commits(t, f.url))
	logsFound := f.errorLogs(t)
	require.Len(t, logsFound, 1)
	assert.Contains(t, logsFound[0], "_import_error.log")
}

func TestImporter_ReadErrorIsolation(t *testing.T) {
	f := newFixture(t)
	missing := core.NewFileResource("files", filepath.Join(t.TempDir(), "missing.csv"), "missing.csv")
	good := writeCSV(t, "good.csv", "node,north\n")
	imp := f.importer(t, Config{Specification: csvSpec(classEntityMapping())})

	state := imp.Execute(context.Background(), []*core.Resource{missing, good}, []*core.Resource{f.target}, &sync.Mutex{})

	assert.Equal(t, core.FinishFailure, state)
	assert.Equal(t, []string{"node"}, itemtest.Classes(f.env.Export(t, f.url)))
	assert.True(t, f.sink.Contains(testutil.LevelError, "Failed to read"))
}

func TestImporter_TransientWithoutPathWarns(t *testing.T) {
	f := newFixture(t)
	imp := f.importer(t, Config{Specification: csvSpec(classEntityMapping())})
	pending := core.NewTransientFileResource("exporter", "", "out.csv")

	state := imp.Execute(context.Background(), []*core.Resource{pending}, []*core.Resource{f.target}, &sync.Mutex{})

	assert.Equal(t, core.FinishSuccess, state)
	assert.True(t, f.sink.Contains(testutil.LevelWarning, "has not been produced yet"))
}

func TestImporter_UnknownSourceType(t *testing.T) {
	f := newFixture(t)
	imp := f.importer(t, Config{Specification: &Specification{Name: "x", SourceType: "parquet"}})

	state := imp.Execute(context.Background(), nil, []*core.Resource{f.target}, &sync.Mutex{})

	assert.Equal(t, core.FinishFailure, state)
	assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
}

func TestImporter_MissingGAMSFails(t *testing.T) {
	t.Setenv("GAMSDIR", "")
	t.Setenv("PATH", t.TempDir())
	f := newFixture(t)
	source := writeCSV(t, "model.gdx", "")
	imp := f.importer(t, Config{
		Specification: &Specification{Name: "gdx", SourceType: "GdxConnector"},
		GAMSDir:       t.TempDir(),
	})

	state := imp.Execute(context.Background(), []*core.Resource{source}, []*core.Resource{f.target}, &sync.Mutex{})

	assert.Equal(t, core.FinishFailure, state)
	assert.Len(t, f.sink.Messages(testutil.LevelError), 1)
	assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
}

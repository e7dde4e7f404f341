package exporter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leapstack-labs/leapflow/internal/archive"
	"github.com/leapstack-labs/leapflow/internal/export"
	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/items/dbwriter"
	"github.com/leapstack-labs/leapflow/internal/items/importer"
	"github.com/leapstack-labs/leapflow/internal/items/itemtest"
	"github.com/leapstack-labs/leapflow/internal/mapping"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedData() *core.Data {
	return &core.Data{
		EntityClasses:        []core.EntityClass{{Name: "unit"}},
		Entities:             []core.Entity{{Class: "unit", Name: "coal"}, {Class: "unit", Name: "gas"}},
		ParameterDefinitions: []core.ParameterDefinition{{Class: "unit", Name: "capacity"}},
		ParameterValues: []core.ParameterValue{
			{Class: "unit", Entity: "coal", Parameter: "capacity", Alternative: "Base", Value: 100.0},
			{Class: "unit", Entity: "gas", Parameter: "capacity", Alternative: "Base", Value: 40.5},
		},
	}
}

func fileSpec(format export.Format) *export.Specification {
	return &export.Specification{
		Name:         "units",
		OutputFormat: format,
		Tables: []export.Table{
			{Name: "entities", Kind: core.KindEntities, Header: true},
			{Name: "values", Kind: core.KindParameterValues, Header: true},
		},
	}
}

type fixture struct {
	env    *itemtest.Env
	source *core.Resource
	url    string
	sink   *testutil.Sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := itemtest.NewEnv(t)
	url := itemtest.Database(t, "source")
	env.Seed(t, url, seedData())
	return &fixture{env: env, source: env.Resource("source", url, nil), url: url, sink: testutil.NewSink()}
}

func (f *fixture) exporter(t *testing.T, cfg Config) *Exporter {
	return New(items.Settings{Name: "exporter", DataDir: t.TempDir(), Logger: f.sink, Slog: testutil.NewTestLogger(t)}, cfg)
}

func TestExporter_NoSpecificationSkips(t *testing.T) {
	f := newFixture(t)
	target := f.env.Resource("target", itemtest.Database(t, "target"), &core.Ordering{ID: "run/target/exporter", Current: 1})
	e := f.exporter(t, Config{Channels: []OutputChannel{{InLabel: f.source.Label, OutLabel: "out.csv"}}})

	state := e.Execute(context.Background(), []*core.Resource{f.source}, []*core.Resource{target}, &sync.Mutex{})

	assert.Equal(t, core.FinishSkipped, state)
	assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
	assert.True(t, f.sink.Contains(testutil.LevelWarning, "No specification"))
}

func TestExporter_NoMatchingChannelSkips(t *testing.T) {
	f := newFixture(t)
	target := f.env.Resource("target", itemtest.Database(t, "target"), &core.Ordering{ID: "run/target/exporter", Current: 1})
	e := f.exporter(t, Config{
		Specification: fileSpec(export.FormatCSV),
		Channels:      []OutputChannel{{InLabel: "db_url@elsewhere", OutLabel: "out.csv"}},
	})

	state := e.Execute(context.Background(), []*core.Resource{f.source}, []*core.Resource{target}, &sync.Mutex{})

	assert.Equal(t, core.FinishSkipped, state)
	assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
	assert.Empty(t, f.env.Events(servermgr.EventCheckin))
}

func TestExporter_OutputBeforeExecution(t *testing.T) {
	f := newFixture(t)
	e := f.exporter(t, Config{
		Specification: fileSpec(export.FormatExcel),
		Channels:      []OutputChannel{{InLabel: f.source.Label, OutLabel: "units.xlsx"}},
	})

	out := e.OutputResourcesForward()

	require.Len(t, out, 1)
	assert.Equal(t, core.ResourceTransientFile, out[0].Type)
	assert.Equal(t, "units.xlsx", out[0].Label)
	assert.Empty(t, out[0].Path)
}

func TestExporter_FilesWithTimeStamps(t *testing.T) {
	f := newFixture(t)
	target := f.env.Resource("target", itemtest.Database(t, "target"), &core.Ordering{ID: "run/target/exporter", Current: 1})
	e := f.exporter(t, Config{
		Specification:    fileSpec(export.FormatExcel),
		Channels:         []OutputChannel{{InLabel: f.source.Label, OutLabel: "units.xlsx"}},
		OutputTimeStamps: true,
	})
	e.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }

	state := e.Execute(context.Background(), []*core.Resource{f.source}, []*core.Resource{target}, &sync.Mutex{})

	require.Equal(t, core.FinishSuccess, state)
	want := filepath.Join(e.OutputDir(), "db_url_source@run2024-05-01T12.30.00", "units.xlsx")
	_, err := os.Stat(want)
	require.NoError(t, err)

	out := e.OutputResourcesForward()
	require.Len(t, out, 1)
	assert.Equal(t, want, out[0].Path)
	assert.Equal(t, "db_url_source", out[0].Metadata[core.MetaFork])
	assert.Equal(t, "2024-05-01T12.30.00", out[0].Metadata[core.MetaRun])

	// the database target was not written, so it was released.
	assert.Len(t, f.env.Events(servermgr.EventQuickCheckout), 1)
}

func TestExporter_DatabaseDestination(t *testing.T) {
	f := newFixture(t)
	url := itemtest.Database(t, "results")
	target := core.NewDatabaseResource("results", url, "results", f.env.Addr).
		WithMetadata(core.MetaOrdering, &core.Ordering{ID: "run/results/exporter", Current: 1})
	e := f.exporter(t, Config{
		Specification: &export.Specification{
			Name:         "units",
			OutputFormat: export.FormatSQL,
			Tables:       []export.Table{{Name: "units", Kind: core.KindEntities, Class: "unit"}},
		},
		Channels: []OutputChannel{{InLabel: f.source.Label, OutLabel: "results"}},
	})

	state := e.Execute(context.Background(), []*core.Resource{f.source}, []*core.Resource{target}, &sync.Mutex{})

	require.Equal(t, core.FinishSuccess, state)
	data := f.env.Export(t, url)
	assert.Equal(t, []string{"unit"}, itemtest.Classes(data))
	assert.Len(t, data.Entities, 2)
	assert.Empty(t, data.ParameterValues)
	assert.Equal(t, []string{"Export 3 items from " + dburl.Redact(f.url) + " by exporter"}, f.env.Commits(t, url))
	assert.Empty(t, f.env.Events(servermgr.EventQuickCheckout))
	assert.Nil(t, e.OutputResourcesForward())
}

func TestExporter_ChannelsShareOneTurn(t *testing.T) {
	f := newFixture(t)
	second := itemtest.Database(t, "source2")
	f.env.Seed(t, second, &core.Data{
		EntityClasses: []core.EntityClass{{Name: "node"}},
		Entities:      []core.Entity{{Class: "node", Name: "north"}},
	})
	other := f.env.Resource("other", second, nil)
	url := itemtest.Database(t, "results")
	target := core.NewDatabaseResource("results", url, "results", f.env.Addr).
		WithMetadata(core.MetaOrdering, &core.Ordering{ID: "E", Current: 1})
	e := f.exporter(t, Config{
		Specification: &export.Specification{
			Name:         "entities",
			OutputFormat: export.FormatSQL,
			Tables:       []export.Table{{Name: "entities", Kind: core.KindEntities}},
		},
		Channels: []OutputChannel{
			{InLabel: f.source.Label, OutLabel: "results"},
			{InLabel: other.Label, OutLabel: "results"},
		},
	})
	lock := &sync.Mutex{}

	// a later writer whose turn comes once the exporter has finished.
	next := core.NewDatabaseResource("next", url, "", f.env.Addr).
		WithMetadata(core.MetaOrdering, &core.Ordering{ID: "W", Current: 2, Precursors: []string{"E"}})
	nextDone := make(chan error, 1)
	go func() {
		nextDone <- dbwriter.Write(context.Background(), next, lock, testutil.NewTestLogger(t), func(ctx context.Context, s *servermgr.Session) error {
			if _, _, err := s.ImportData(ctx, &core.Data{Alternatives: []core.Alternative{{Name: "later"}}}, ""); err != nil {
				return err
			}
			_, err := s.CommitSession(ctx, "later writer")
			return err
		})
	}()

	state := e.Execute(context.Background(), []*core.Resource{f.source, other}, []*core.Resource{target}, lock)

	require.Equal(t, core.FinishSuccess, state)
	require.NoError(t, <-nextDone)
	commits := f.env.Commits(t, url)
	require.Len(t, commits, 3)
	assert.True(t, strings.HasPrefix(commits[0], "Export 3 items from"), commits[0])
	assert.True(t, strings.HasPrefix(commits[1], "Export 2 items from"), commits[1])
	assert.Equal(t, "later writer", commits[2])
	assert.Len(t, f.env.Events(servermgr.EventCheckin), 2, "one check-in per writer")
	assert.Empty(t, f.env.Events(servermgr.EventQuickCheckout))
}

func TestExporter_FailedChannelIsNotAdvertised(t *testing.T) {
	f := newFixture(t)
	e := f.exporter(t, Config{
		Specification: fileSpec(export.FormatCSV),
		Channels:      []OutputChannel{{InLabel: f.source.Label, OutLabel: "*.csv"}},
	})
	// a complete file from an earlier run.
	previous := filepath.Join(e.OutputDir(), "db_url_source", "entities.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(previous), 0750))
	require.NoError(t, os.WriteFile(previous, []byte("earlier\n"), 0600))
	// the second table cannot be written.
	blocked := filepath.Join(archive.Staging(e.OutputDir(), "db_url_source"), "values.csv")
	require.NoError(t, os.MkdirAll(blocked, 0750))

	state := e.Execute(context.Background(), []*core.Resource{f.source}, nil, &sync.Mutex{})

	assert.Equal(t, core.FinishFailure, state)
	out := e.OutputResourcesForward()
	require.Len(t, out, 1)
	assert.Equal(t, previous, out[0].Path)
	content, err := os.ReadFile(previous)
	require.NoError(t, err)
	assert.Equal(t, "earlier\n", string(content))
}

func TestExporter_OutURLFallback(t *testing.T) {
	f := newFixture(t)
	url := itemtest.Database(t, "elsewhere")
	e := f.exporter(t, Config{
		Specification: &export.Specification{
			Name:         "alternatives",
			OutputFormat: export.FormatSQL,
			Tables:       []export.Table{{Name: "alternatives", Kind: core.KindAlternatives}},
		},
		Channels: []OutputChannel{{InLabel: f.source.Label, OutLabel: "missing", OutURL: url}},
	})

	state := e.Execute(context.Background(), []*core.Resource{f.source}, nil, &sync.Mutex{})

	require.Equal(t, core.FinishSuccess, state)
	// only Base, which every new database already has.
	assert.Empty(t, f.env.Commits(t, url))
	assert.Len(t, f.env.Events(servermgr.EventCheckin), 1)
}

func TestExporter_ImporterRoundTrip(t *testing.T) {
	f := newFixture(t)
	e := f.exporter(t, Config{
		Specification: fileSpec(export.FormatJSON),
		Channels:      []OutputChannel{{InLabel: f.source.Label, OutLabel: "units.json"}},
	})
	require.Equal(t, core.FinishSuccess, e.Execute(context.Background(), []*core.Resource{f.source}, nil, &sync.Mutex{}))
	files := e.OutputResourcesForward()
	require.Len(t, files, 1)
	require.NotEmpty(t, files[0].Path)

	column := func(t mapping.MapType, name string) mapping.Component {
		return mapping.Component{MapType: t, Source: mapping.SourceColumn, Column: name}
	}
	spec := &importer.Specification{
		Name:       "units",
		SourceType: "JSON",
		Tables: []importer.Table{
			{Name: "entities", Mappings: []mapping.Mapping{{Components: []mapping.Component{
				column(mapping.EntityClass, "class"),
				column(mapping.Entity, "name"),
			}}}},
			{Name: "values", Mappings: []mapping.Mapping{{Components: []mapping.Component{
				column(mapping.EntityClass, "class"),
				column(mapping.Entity, "entity"),
				column(mapping.ParameterDefinition, "parameter"),
				column(mapping.Alternative, "alternative"),
				column(mapping.ParameterValue, "value"),
			}}}},
		},
	}
	url := itemtest.Database(t, "copy")
	target := f.env.Resource("copy", url, &core.Ordering{ID: "run/copy/importer", Current: 1})
	imp := importer.New(items.Settings{Name: "importer", DataDir: t.TempDir(), Slog: testutil.NewTestLogger(t)}, importer.Config{Specification: spec})

	require.Equal(t, core.FinishSuccess, imp.Execute(context.Background(), files, []*core.Resource{target}, &sync.Mutex{}))

	assert.Equal(t, f.env.Export(t, f.url), f.env.Export(t, url))
}

func TestExporter_FailedSourceWithCancelOnError(t *testing.T) {
	f := newFixture(t)
	broken := core.NewDatabaseResource("broken", itemtest.Database(t, "broken"), "", "")
	e := f.exporter(t, Config{
		Specification: fileSpec(export.FormatCSV),
		Channels: []OutputChannel{
			{InLabel: broken.Label, OutLabel: "broken.csv"},
			{InLabel: f.source.Label, OutLabel: "*.csv"},
		},
		CancelOnError: true,
	})

	state := e.Execute(context.Background(), []*core.Resource{broken, f.source}, nil, &sync.Mutex{})

	assert.Equal(t, core.FinishFailure, state)
	_, err := os.Stat(filepath.Join(e.OutputDir(), "db_url_source"))
	assert.True(t, os.IsNotExist(err))
	errs := f.sink.Messages(testutil.LevelError)
	require.NotEmpty(t, errs)
	assert.True(t, strings.HasPrefix(errs[0], "Failed to export"))
}

func TestForkName(t *testing.T) {
	tests := map[string]string{
		"db_url@Store":   "db_url_Store",
		"plain":          "plain",
		"a b/c":          "a_b_c",
		"":               "_",
		"run-1.sqlite":   "run-1.sqlite",
		"@@weird label@": "_weird_label_",
	}
	for in, want := range tests {
		assert.Equal(t, want, ForkName(in), in)
	}
}

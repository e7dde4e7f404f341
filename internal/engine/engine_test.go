package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leapstack-labs/leapflow/internal/items/itemtest"
	"github.com/leapstack-labs/leapflow/internal/project"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/internal/state"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvImport = `{
  "name": "units",
  "source_type": "CSV",
  "tables": [{"name": "data", "mappings": [{"components": [
    {"map_type": "EntityClass", "source": "column", "column": "0"},
    {"map_type": "Entity", "source": "column", "column": "1"}]}]}]
}`

// builder assembles a project directory.
type builder struct {
	t     *testing.T
	dir   string
	items map[string]map[string]any
	conns []map[string]any
	specs map[string][]map[string]any
}

func newBuilder(t *testing.T) *builder {
	return &builder{
		t:     t,
		dir:   t.TempDir(),
		items: map[string]map[string]any{},
		specs: map[string][]map[string]any{},
	}
}

func (b *builder) file(rel, content string) string {
	path := filepath.Join(b.dir, filepath.FromSlash(rel))
	require.NoError(b.t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(b.t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (b *builder) spec(itemType, name, content string) {
	rel := ".spinetoolbox/specifications/" + itemType + "/" + name + ".json"
	b.file(rel, content)
	b.specs[itemType] = append(b.specs[itemType], map[string]any{"type": "path", "relative": true, "path": rel})
}

func (b *builder) item(name, itemType string, settings map[string]any) {
	dict := map[string]any{"type": itemType, "x": 0, "y": 0}
	for k, v := range settings {
		dict[k] = v
	}
	b.items[name] = dict
}

func (b *builder) files(name string, files map[string]string) {
	var refs []any
	for file, content := range files {
		refs = append(refs, b.file("data/"+file, content))
	}
	b.item(name, core.ItemTypeDataConnection, map[string]any{"references": refs})
}

func (b *builder) store(name string) string {
	path := filepath.Join(b.dir, name+".sqlite")
	b.item(name, core.ItemTypeDataStore, map[string]any{"url": dburl.SQLite(path)})
	return dburl.SQLite(path)
}

func (b *builder) connect(from, to string, writeIndex ...int) {
	c := map[string]any{"name": from + " to " + to, "from": []string{from, "right"}, "to": []string{to, "left"}}
	if len(writeIndex) > 0 {
		c["options"] = map[string]any{"write_index": writeIndex[0]}
	}
	b.conns = append(b.conns, c)
}

func (b *builder) load() *project.Project {
	content, err := json.Marshal(map[string]any{
		"project": map[string]any{"version": 11, "specifications": b.specs, "connections": b.conns},
		"items":   b.items,
	})
	require.NoError(b.t, err)
	b.file(".spinetoolbox/project.json", string(content))
	p, err := project.Load(b.dir)
	require.NoError(b.t, err)
	return p
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutil.NewTestLogger(t)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// twoWriters builds two importers writing into one store, ImportB before ImportA.
func twoWriters(t *testing.T) (*builder, string) {
	b := newBuilder(t)
	b.spec(core.ItemTypeImporter, "units", csvImport)
	b.files("FilesA", map[string]string{"a.csv": "unit,coal\n"})
	b.files("FilesB", map[string]string{"b.csv": "unit,gas\n"})
	b.item("ImportA", core.ItemTypeImporter, map[string]any{"specification": "units"})
	b.item("ImportB", core.ItemTypeImporter, map[string]any{"specification": "units"})
	url := b.store("Store")
	b.connect("FilesA", "ImportA")
	b.connect("FilesB", "ImportB")
	b.connect("ImportA", "Store", 2)
	b.connect("ImportB", "Store", 1)
	return b, url
}

func TestEngine_WriteIndexOrdersCommits(t *testing.T) {
	b, url := twoWriters(t)
	env := itemtest.NewEnv(t)
	e := newEngine(t, Config{Project: b.load(), ManagerAddr: env.Addr})

	result, err := e.Run(context.Background(), RunOptions{})

	require.NoError(t, err)
	assert.Empty(t, result.Failed())
	for _, name := range []string{"FilesA", "FilesB", "ImportA", "ImportB", "Store"} {
		assert.Equal(t, core.FinishSuccess, result.States[name], name)
	}
	commits := env.Commits(t, url)
	require.Len(t, commits, 2)
	assert.True(t, strings.HasSuffix(commits[0], "by ImportB"), commits[0])
	assert.True(t, strings.HasSuffix(commits[1], "by ImportA"), commits[1])

	checkins := env.Events(servermgr.EventCheckin)
	require.Len(t, checkins, 2)
	assert.Equal(t, result.RunID+"/Store/ImportB", checkins[0].Writer)
	assert.Equal(t, result.RunID+"/Store/ImportA", checkins[1].Writer)
	assert.Len(t, env.Events(servermgr.EventCheckout), 2)
	assert.Empty(t, env.Events(servermgr.EventQuickCheckout))

	data := env.Export(t, url)
	assert.Len(t, data.Entities, 2)
}

func TestEngine_FailureExcludesDownstreamAndReleasesTurns(t *testing.T) {
	b := newBuilder(t)
	b.spec(core.ItemTypeImporter, "units", csvImport)
	b.spec(core.ItemTypeExporter, "broken", `{"name": "broken", "output_format": "xml", "tables": [{"name": "t", "kind": "entities"}]}`)
	b.store("Source")
	b.item("Export", core.ItemTypeExporter, map[string]any{
		"specification":   "broken",
		"output_channels": []any{map[string]any{"in_label": "db_url@Source", "out_label": "out.csv"}},
	})
	b.item("Reimport", core.ItemTypeImporter, map[string]any{"specification": "units"})
	b.files("Files", map[string]string{"units.csv": "unit,coal\n"})
	b.item("Import", core.ItemTypeImporter, map[string]any{"specification": "units"})
	url := b.store("Target")
	b.connect("Source", "Export")
	b.connect("Export", "Reimport")
	b.connect("Reimport", "Target", 1)
	b.connect("Files", "Import")
	b.connect("Import", "Target", 2)
	env := itemtest.NewEnv(t)
	e := newEngine(t, Config{Project: b.load(), ManagerAddr: env.Addr})

	result, err := e.Run(context.Background(), RunOptions{})

	require.NoError(t, err)
	assert.Equal(t, []string{"Export"}, result.Failed())
	assert.Equal(t, []string{"Reimport", "Target"}, result.Excluded())
	assert.Equal(t, core.FinishSuccess, result.States["Import"])

	released := env.Events(servermgr.EventQuickCheckout)
	require.Len(t, released, 1)
	assert.Equal(t, result.RunID+"/Target/Reimport", released[0].Writer)
	assert.Len(t, env.Commits(t, url), 1)
}

func TestEngine_SelectedItems(t *testing.T) {
	b, url := twoWriters(t)
	env := itemtest.NewEnv(t)
	e := newEngine(t, Config{Project: b.load(), ManagerAddr: env.Addr})

	result, err := e.Run(context.Background(), RunOptions{Items: []string{"ImportA"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"ImportA"}, result.Order)
	assert.Equal(t, core.FinishSuccess, result.States["ImportA"])
	commits := env.Commits(t, url)
	require.Len(t, commits, 1)
	assert.True(t, strings.HasSuffix(commits[0], "by ImportA"))

	result, err = e.Run(context.Background(), RunOptions{Items: []string{"FilesB"}, Downstream: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"FilesB", "ImportB", "Store"}, result.Order)

	_, err = e.Run(context.Background(), RunOptions{Items: []string{"nope"}})
	assert.Error(t, err)
}

func TestEngine_StrictWriteOrder(t *testing.T) {
	b := newBuilder(t)
	b.spec(core.ItemTypeImporter, "units", csvImport)
	b.files("Files", map[string]string{"units.csv": "unit,coal\n"})
	b.item("ImportA", core.ItemTypeImporter, map[string]any{"specification": "units"})
	b.item("ImportB", core.ItemTypeImporter, map[string]any{"specification": "units"})
	b.store("Store")
	b.connect("Files", "ImportA")
	b.connect("Files", "ImportB")
	b.connect("ImportA", "Store", 1)
	b.connect("ImportB", "Store")
	e := newEngine(t, Config{Project: b.load(), StrictWriteOrder: true})

	_, err := e.Run(context.Background(), RunOptions{})

	var unordered *UnorderedWritersError
	require.True(t, errors.As(err, &unordered))
	assert.Equal(t, []string{"ImportB"}, unordered.Writers)
}

func TestEngine_RecordsRunHistory(t *testing.T) {
	b, _ := twoWriters(t)
	store := state.NewSQLiteStore(testutil.NewTestLogger(t))
	require.NoError(t, store.Open(":memory:"))
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { _ = store.Close() })
	p := b.load()
	e := newEngine(t, Config{Project: p, Store: store})

	result, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, p.Dir, run.Project)

	itemRuns, err := store.GetItemRunsForRun(result.RunID)
	require.NoError(t, err)
	require.Len(t, itemRuns, 5)
	for _, ir := range itemRuns {
		assert.Equal(t, core.FinishSuccess, ir.State, ir.ItemName)
		assert.NotNil(t, ir.CompletedAt)
	}
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	b, url := twoWriters(t)
	env := itemtest.NewEnv(t)
	e := newEngine(t, Config{Project: b.load(), ManagerAddr: env.Addr})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Run(ctx, RunOptions{})

	require.NoError(t, err)
	assert.Len(t, result.Excluded(), 5)
	assert.Empty(t, env.Commits(t, url))
	e.Stop()
}

func TestEngine_RejectsCycles(t *testing.T) {
	b := newBuilder(t)
	b.item("A", core.ItemTypeMerger, nil)
	b.item("B", core.ItemTypeMerger, nil)
	b.connect("A", "B")
	b.connect("B", "A")

	_, err := New(Config{Project: b.load()})

	assert.Error(t, err)
}

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestTimestamp(t *testing.T) {
	ts := Timestamp(time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC))
	assert.Equal(t, "2024-03-09T07.05.01", ts)
}

func TestParseFork(t *testing.T) {
	tests := []struct {
		dir      string
		wantFork string
		wantRun  string
	}{
		{"base@run2024-03-09T07.05.01", "base", "2024-03-09T07.05.01"},
		{"base", "base", ""},
		{"odd@runyesterday", "odd@runyesterday", ""},
		{"/abs/out/scenario_a@run2024-01-01T00.00.00", "scenario_a", "2024-01-01T00.00.00"},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			fork, run := ParseFork(tt.dir)
			assert.Equal(t, tt.wantFork, fork)
			assert.Equal(t, tt.wantRun, run)
		})
	}
}

func TestForkDir_RoundTrip(t *testing.T) {
	fork, run := ParseFork(ForkDir("base", "2024-03-09T07.05.01"))
	assert.Equal(t, "base", fork)
	assert.Equal(t, "2024-03-09T07.05.01", run)
	assert.Equal(t, "base", ForkDir("base", ""))
}

func TestScan_NewestDuplicateWins(t *testing.T) {
	out := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, filepath.Join(out, ForkDir("base", "2024-01-01T00.00.00"), "data.csv"), old)
	writeFile(t, filepath.Join(out, ForkDir("base", "2024-01-02T00.00.00"), "data.csv"), time.Now())

	resources, err := Scan(out, "exporter", []string{"data.csv"})
	require.NoError(t, err)
	require.Len(t, resources, 1)

	r := resources[0]
	assert.Equal(t, core.ResourceTransientFile, r.Type)
	assert.Equal(t, "data.csv", r.Label)
	assert.Equal(t, "exporter", r.ProviderName)
	assert.Contains(t, r.Path, "2024-01-02T00.00.00")
	assert.Equal(t, "base", r.Metadata[core.MetaFork])
	assert.Equal(t, "2024-01-02T00.00.00", r.Metadata[core.MetaRun])
}

func TestScan_GlobLabelsAndErrorLogs(t *testing.T) {
	out := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(out, "base", "tables_unit.csv"), now)
	writeFile(t, filepath.Join(out, "base", "tables_node.csv"), now)
	writeFile(t, filepath.Join(out, "base", "2024-01-01T00.00.00_export_error.log"), now)
	writeFile(t, filepath.Join(out, "base", "notes.txt"), now)

	resources, err := Scan(out, "exporter", []string{"tables_*.csv", "*.log"})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, filepath.Join(out, "base", "tables_node.csv"), resources[0].Path)
	assert.Equal(t, filepath.Join(out, "base", "tables_unit.csv"), resources[1].Path)
	assert.Equal(t, "tables_*.csv", resources[0].Label)
	assert.Equal(t, "base", resources[0].Metadata[core.MetaFork])
	assert.NotContains(t, resources[0].Metadata, core.MetaRun)
}

func TestScan_MissingDirectory(t *testing.T) {
	resources, err := Scan(filepath.Join(t.TempDir(), "missing"), "exporter", []string{"a.csv"})
	require.NoError(t, err)
	assert.Empty(t, resources)
}

func TestScan_SkipsStagedFiles(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(Staging(out, "base"), "data.csv"), time.Now())

	resources, err := Scan(out, "exporter", []string{"data.csv"})
	require.NoError(t, err)
	assert.Empty(t, resources)
}

func TestPromote_ReplacesExistingFiles(t *testing.T) {
	out := t.TempDir()
	final := filepath.Join(out, "base")
	writeFile(t, filepath.Join(final, "a.csv"), time.Now())
	staging := Staging(out, "base")
	require.NoError(t, os.MkdirAll(staging, 0750))
	staged := []string{filepath.Join(staging, "a.csv"), filepath.Join(staging, "b.csv")}
	for _, p := range staged {
		require.NoError(t, os.WriteFile(p, []byte("new"), 0600))
	}

	paths, err := Promote(staged, final)

	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(final, "a.csv"), filepath.Join(final, "b.csv")}, paths)
	content, err := os.ReadFile(filepath.Join(final, "a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPromote_FailureRestoresOutput(t *testing.T) {
	out := t.TempDir()
	final := filepath.Join(out, "base")
	writeFile(t, filepath.Join(final, "a.csv"), time.Now())
	staging := Staging(out, "base")
	require.NoError(t, os.MkdirAll(staging, 0750))
	present := filepath.Join(staging, "a.csv")
	require.NoError(t, os.WriteFile(present, []byte("new"), 0600))
	missing := filepath.Join(staging, "b.csv")

	_, err := Promote([]string{present, missing}, final)

	require.Error(t, err)
	content, err := os.ReadFile(filepath.Join(final, "a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))
	_, err = os.Stat(filepath.Join(final, "b.csv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(present)
	assert.NoError(t, err, "staged file is put back")
}

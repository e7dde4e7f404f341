package logs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	path, err := WriteErrorLog(dir, KindImport, []string{"row 2: bad value", "row 5: unknown class"})
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, "_import_error.log"), path)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "row 2: bad value\nrow 5: unknown class\n", string(content))
}

func TestWriteErrorLog_UnwritableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, err := WriteErrorLog(filepath.Join(file, "logs"), KindRead, []string{"x"})
	assert.Error(t, err)
}

func TestAnchor(t *testing.T) {
	got := Anchor("/data/logs/run_import_error.log")
	assert.Equal(t, "<a title='/data/logs/run_import_error.log' href='file:///data/logs/run_import_error.log'>run_import_error.log</a>", got)
}

func TestAnchor_EscapesQuotes(t *testing.T) {
	got := Anchor("/data/it's.log")
	assert.Contains(t, got, "title='/data/it&#39;s.log'")
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain message", "plain message"},
		{"See " + Anchor("/tmp/x_error.log") + " for details", "See x_error.log (/tmp/x_error.log) for details"},
		{"1 &lt; 2", "1 < 2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PlainText(tt.in), tt.in)
	}
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sinks := NewConsoleSinks(&buf, false)

	a := sinks("importer")
	a.Msg("started")
	a.MsgError("failed: " + Anchor("/tmp/a.log"))
	sinks("merger").MsgSuccess("done")

	assert.Equal(t, "[importer] started\n[importer] failed: a.log (/tmp/a.log)\n[merger] done\n", buf.String())
}

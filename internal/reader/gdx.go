package reader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrGAMSNotFound is returned when no GAMS installation can be located.
var ErrGAMSNotFound = errors.New("GAMS installation not found: set gams_path or GAMSDIR, or put gams on PATH")

// FindGAMS returns the GAMS system directory: configured first, then $GAMSDIR, then the
// directory of the gams executable on PATH.
func FindGAMS(configured string) (string, error) {
	candidates := []string{configured, os.Getenv("GAMSDIR")}
	if exe, err := exec.LookPath("gams"); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		candidates = append(candidates, filepath.Dir(exe))
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(gdxdumpPath(dir)); err == nil {
			return dir, nil
		}
	}
	return "", ErrGAMSNotFound
}

func gdxdumpPath(dir string) string {
	name := "gdxdump"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(dir, name)
}

// gdxReader reads GAMS data exchange files through the gdxdump tool. Every symbol is a table.
type gdxReader struct {
	gamsDir string
	logger  *slog.Logger
	gdxdump string
	path    string
}

func (r *gdxReader) Connect(_ context.Context, source string) error {
	dir, err := FindGAMS(r.gamsDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("failed to open %s: %w", source, err)
	}
	r.gdxdump = gdxdumpPath(dir)
	r.path = source
	r.logger.Debug("gdx source connected", slog.String("gams", dir), slog.String("file", source))
	return nil
}

// run executes gdxdump; the process is killed when ctx is cancelled.
func (r *gdxReader) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.gdxdump, append([]string{r.path}, args...)...) //nolint:gosec // fixed tool, user-selected file
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gdxdump failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Tables lists symbols. gdxdump prints them as
//
//	  Symbol  Dim  Type  Explanatory text
//	1 demand    2  Par   demand per node
func (r *gdxReader) Tables(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "Symbols")
	if err != nil {
		return nil, err
	}
	var symbols []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !isDigits(fields[0]) {
			continue
		}
		symbols = append(symbols, fields[1])
	}
	return symbols, sc.Err()
}

func (r *gdxReader) Rows(ctx context.Context, table string, opts TableOptions) (RowIterator, error) {
	out, err := r.run(ctx, "Symb="+table, "Format=csv", "Header=Y")
	if err != nil {
		return nil, err
	}
	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse symbol %s: %w", table, err)
	}
	if len(records) == 0 {
		return nil, &UnknownTableError{Table: table}
	}
	// gdxdump always writes a header row.
	opts.HasHeader = true
	header, rows := applySkipAndHeader(records, opts)
	return newSliceIterator(header, rows), nil
}

func (r *gdxReader) Disconnect() error {
	r.path = ""
	return nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

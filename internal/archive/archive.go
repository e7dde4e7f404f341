// Package archive lays out item output directories and scans them for produced files.
//
// An output directory holds one sub-directory per fork. With time stamps enabled a fork
// directory is named "<fork>@run<timestamp>" so that successive runs do not overwrite each other.
// Files are written below the staging directory first and promoted into their fork once the
// whole channel has been written, so Scan never sees a partial export.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// TimestampLayout formats run time stamps. It avoids characters that are invalid in file names.
const TimestampLayout = "2006-01-02T15.04.05"

const runSeparator = "@run"

// StagingDir is the directory below an output directory that exports are written into before
// promotion. Scan skips it, along with every other hidden directory.
const StagingDir = ".partial"

// Staging returns the directory a fork is written into before promotion.
func Staging(outputDir, forkDir string) string {
	return filepath.Join(outputDir, StagingDir, forkDir)
}

// Promote moves the staged files into dir, replacing files of the same name. Either every file
// is promoted or, on error, dir is restored to what it held before and the staged files are put
// back. Replaced files are removed once all files are in place.
func Promote(staged []string, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	type move struct{ staged, final, backup string }
	moves := make([]move, len(staged))
	for i, p := range staged {
		moves[i] = move{staged: p, final: filepath.Join(dir, filepath.Base(p)), backup: p + ".replaced"}
	}

	var backedUp, promoted []move
	undo := func(cause error) error {
		errs := []error{cause}
		for _, m := range promoted {
			errs = append(errs, os.Rename(m.final, m.staged))
		}
		for _, m := range backedUp {
			errs = append(errs, os.Rename(m.backup, m.final))
		}
		return errors.Join(errs...)
	}

	for _, m := range moves {
		if _, err := os.Lstat(m.final); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := os.Rename(m.final, m.backup); err != nil {
			return nil, undo(fmt.Errorf("failed to replace %s: %w", m.final, err))
		}
		backedUp = append(backedUp, m)
	}
	paths := make([]string, 0, len(moves))
	for _, m := range moves {
		if err := os.Rename(m.staged, m.final); err != nil {
			return nil, undo(fmt.Errorf("failed to promote %s: %w", m.staged, err))
		}
		promoted = append(promoted, m)
		paths = append(paths, m.final)
	}
	for _, m := range backedUp {
		_ = os.RemoveAll(m.backup)
	}
	return paths, nil
}

// Timestamp formats t for use in directory and file names.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ForkDir returns the directory name of a fork, with the run time stamp when ts is not empty.
func ForkDir(fork, ts string) string {
	if ts == "" {
		return fork
	}
	return fork + runSeparator + ts
}

// ParseFork splits a fork directory name into the fork and its run time stamp.
// run is empty for directories without a time stamp.
func ParseFork(dir string) (fork, run string) {
	fork, run, found := strings.Cut(filepath.Base(dir), runSeparator)
	if !found {
		return fork, ""
	}
	if _, err := time.Parse(TimestampLayout, run); err != nil {
		return filepath.Base(dir), ""
	}
	return fork, run
}

// IsErrorLog reports whether name is an error log, which is never advertised.
func IsErrorLog(name string) bool {
	return strings.HasSuffix(name, "_error.log")
}

type match struct {
	path    string
	modTime time.Time
	fork    string
	run     string
}

// Scan walks outputDir recursively and returns one transient file resource per produced file
// whose name matches a label. Labels may be glob patterns. When several forks hold a file of
// the same name, the most recently modified one wins. A missing outputDir yields no resources.
func Scan(outputDir, provider string, labels []string) ([]*core.Resource, error) {
	found := make(map[string]map[string]match, len(labels)) // label -> file name -> match

	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == outputDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if path != outputDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsErrorLog(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var fork, run string
		if rel, err := filepath.Rel(outputDir, path); err == nil {
			if first, _, nested := strings.Cut(filepath.ToSlash(rel), "/"); nested {
				fork, run = ParseFork(first)
			}
		}
		for _, label := range labels {
			ok, err := filepath.Match(label, d.Name())
			if err != nil {
				return fmt.Errorf("invalid output label %q: %w", label, err)
			}
			if !ok {
				continue
			}
			if found[label] == nil {
				found[label] = make(map[string]match)
			}
			prev, dup := found[label][d.Name()]
			if !dup || info.ModTime().After(prev.modTime) {
				found[label][d.Name()] = match{path: path, modTime: info.ModTime(), fork: fork, run: run}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", outputDir, err)
	}

	var out []*core.Resource
	for _, label := range labels {
		names := make([]string, 0, len(found[label]))
		for name := range found[label] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m := found[label][name]
			r := core.NewTransientFileResource(provider, m.path, label)
			if m.fork != "" {
				r.Metadata[core.MetaFork] = m.fork
			}
			if m.run != "" {
				r.Metadata[core.MetaRun] = m.run
			}
			out = append(out, r)
		}
	}
	return out, nil
}

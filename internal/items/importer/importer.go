// Package importer implements the Importer item: it reads tabular sources, maps them to
// entity and parameter records and writes the records to its target databases.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/datastore"
	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/items/dbwriter"
	"github.com/leapstack-labs/leapflow/internal/logs"
	"github.com/leapstack-labs/leapflow/internal/mapping"
	"github.com/leapstack-labs/leapflow/internal/reader"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// Specification tells an importer how to read its sources.
type Specification struct {
	Name        string  `mapstructure:"name"`
	Description string  `mapstructure:"description"`
	SourceType  string  `mapstructure:"source_type"`
	Tables      []Table `mapstructure:"tables"`
}

// Table is the import setup of one source table.
type Table struct {
	Name        string              `mapstructure:"name"`
	Options     reader.TableOptions `mapstructure:"options"`
	Conversions mapping.Conversions `mapstructure:"conversions"`
	Mappings    []mapping.Mapping   `mapstructure:"mappings"`
}

// Config holds the importer's item settings.
type Config struct {
	// Specification is nil when the item has none; the importer then skips.
	Specification *Specification
	CancelOnError bool
	OnConflict    string
	// FileSelection maps source labels to whether they are imported. Unlisted labels are.
	FileSelection map[string]bool
	GAMSDir       string
}

// Importer is the Importer project item.
type Importer struct {
	items.Base
	cfg Config
}

var _ core.ExecutableItem = (*Importer)(nil)

// New creates an importer.
func New(s items.Settings, cfg Config) *Importer {
	return &Importer{Base: items.NewBase(s), cfg: cfg}
}

// ItemType implements core.ExecutableItem.
func (*Importer) ItemType() string { return core.ItemTypeImporter }

// OutputResourcesForward implements core.ExecutableItem. Importers advertise nothing.
func (*Importer) OutputResourcesForward() []*core.Resource { return nil }

// OutputResourcesBackward implements core.ExecutableItem.
func (*Importer) OutputResourcesBackward() []*core.Resource { return nil }

type source struct {
	label string
	path  string
}

type sourceData struct {
	label string
	data  *core.Data
}

// Execute implements core.ExecutableItem.
func (imp *Importer) Execute(ctx context.Context, forward, backward []*core.Resource, lock sync.Locker) core.FinishState {
	ctx, done := imp.Begin(ctx)
	defer done()
	logger := imp.Logger()
	targets := core.FilterByType(backward, core.ResourceDatabase)

	spec := imp.cfg.Specification
	if spec == nil {
		logger.MsgWarning("No specification defined. Skipping.")
		imp.quickCheckout(ctx, targets)
		return core.FinishSkipped
	}
	if _, err := datastore.ParseConflictMode(imp.cfg.OnConflict); err != nil {
		logger.MsgError(err.Error())
		imp.quickCheckout(ctx, targets)
		return core.FinishFailure
	}
	sourceType, err := reader.ParseSourceType(spec.SourceType)
	if err != nil {
		logger.MsgError(fmt.Sprintf("Specification %s: %v", spec.Name, err))
		imp.quickCheckout(ctx, targets)
		return core.FinishFailure
	}

	sources := imp.selectSources(forward, sourceType)
	if len(sources) == 0 {
		logger.Msg("No sources selected. Nothing to import.")
		imp.quickCheckout(ctx, targets)
		return core.FinishSuccess
	}
	if len(targets) == 0 {
		logger.Msg("No target databases. Nothing to import.")
		return core.FinishSuccess
	}

	r, err := reader.New(sourceType, reader.Options{GAMSDir: imp.cfg.GAMSDir, Logger: imp.Slog()})
	if err != nil {
		logger.MsgError(err.Error())
		imp.quickCheckout(ctx, targets)
		return core.FinishFailure
	}

	var (
		collected []sourceData
		readErrs  []string
		failed    bool
	)
	for _, src := range sources {
		logger.Msg("Importing " + describe(src, sourceType))
		data, errs, err := imp.readSource(ctx, r, src)
		readErrs = append(readErrs, errs...)
		var invalid *mapping.InvalidMappingError
		switch {
		case err == nil:
		case ctx.Err() != nil:
			logger.MsgError("Import cancelled.")
			imp.ReportErrors(logs.KindRead, readErrs)
			imp.quickCheckout(ctx, targets)
			return core.FinishFailure
		case errors.Is(err, reader.ErrGAMSNotFound):
			logger.MsgError(err.Error())
			imp.quickCheckout(ctx, targets)
			return core.FinishFailure
		case errors.As(err, &invalid):
			// cancel_on_error is set; otherwise readSource records invalid mappings as errors.
			imp.ReportErrors(logs.KindRead, readErrs)
			imp.quickCheckout(ctx, targets)
			return core.FinishFailure
		default:
			logger.MsgError(fmt.Sprintf("Failed to read %s: %v", describe(src, sourceType), err))
			readErrs = append(readErrs, fmt.Sprintf("%s: %v", src.label, err))
			failed = true
			if imp.cfg.CancelOnError {
				imp.ReportErrors(logs.KindRead, readErrs)
				imp.quickCheckout(ctx, targets)
				return core.FinishFailure
			}
			continue
		}
		collected = append(collected, sourceData{label: src.label, data: data})
	}
	imp.ReportErrors(logs.KindRead, readErrs)

	var importErrs []string
	for i, target := range targets {
		errs, err := imp.write(ctx, target, lock, collected)
		importErrs = append(importErrs, errs...)
		if err != nil {
			if ctx.Err() != nil {
				logger.MsgError("Import cancelled.")
			} else {
				logger.MsgError(fmt.Sprintf("Failed to import into %s: %v", dburl.Redact(target.URL), err))
			}
			imp.ReportErrors(logs.KindImport, importErrs)
			imp.quickCheckout(ctx, targets[i+1:])
			return core.FinishFailure
		}
	}
	imp.ReportErrors(logs.KindImport, importErrs)
	if failed {
		return core.FinishFailure
	}
	return core.FinishSuccess
}

var errRolledBack = errors.New("import errors, changes rolled back")

// write imports every source's data into target during one turn.
func (imp *Importer) write(ctx context.Context, target *core.Resource, lock sync.Locker, collected []sourceData) ([]string, error) {
	var importErrs []string
	err := dbwriter.Write(ctx, target, lock, imp.Slog(), func(ctx context.Context, s *servermgr.Session) error {
		for _, sd := range collected {
			if sd.data.Empty() {
				continue
			}
			count, errs, err := s.ImportData(ctx, sd.data, imp.cfg.OnConflict)
			if err != nil {
				return err
			}
			importErrs = append(importErrs, errs...)
			if len(errs) > 0 && imp.cfg.CancelOnError {
				pending, err := s.HasPendingChanges(ctx)
				if err != nil {
					return err
				}
				if pending {
					if err := s.RollbackSession(ctx); err != nil {
						return err
					}
				}
				return errRolledBack
			}
			if count == 0 {
				continue
			}
			msg := fmt.Sprintf("Import %d data by %s", count, imp.Name())
			if _, err := s.CommitSession(ctx, msg); err != nil && !errors.Is(err, datastore.ErrNothingToCommit) {
				return err
			}
			imp.Logger().Msg(fmt.Sprintf("Inserted %d data with %d errors into %s", count, len(errs), dburl.Redact(target.URL)))
		}
		return nil
	})
	return importErrs, err
}

// readSource reads and maps every configured table of one source. Mapping and row problems are
// returned as messages; err is set when the source could not be read at all, or when a mapping
// is invalid and cancel_on_error is set.
func (imp *Importer) readSource(ctx context.Context, r reader.Reader, src source) (*core.Data, []string, error) {
	if err := r.Connect(ctx, src.path); err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := r.Disconnect(); err != nil {
			imp.Slog().Warn("failed to disconnect source", slog.String("source", src.label), slog.Any("error", err))
		}
	}()
	available, err := r.Tables(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tables: %w", err)
	}

	data := &core.Data{}
	var errs []string
	for _, table := range imp.cfg.Specification.Tables {
		if !slices.Contains(available, table.Name) {
			errs = append(errs, fmt.Sprintf("%s: no table %s", src.label, table.Name))
			continue
		}
		for _, m := range table.Mappings {
			d, rowErrs, err := imp.applyMapping(ctx, r, table, m)
			errs = append(errs, prefix(src.label, rowErrs)...)
			var invalid *mapping.InvalidMappingError
			switch {
			case err == nil:
				data.Merge(d)
			case ctx.Err() != nil:
				return nil, errs, ctx.Err()
			case errors.As(err, &invalid):
				imp.Logger().MsgError(fmt.Sprintf("%s: %v", src.label, err))
				errs = append(errs, fmt.Sprintf("%s: %v", src.label, err))
				if imp.cfg.CancelOnError {
					return nil, errs, err
				}
			default:
				errs = append(errs, fmt.Sprintf("%s: %v", src.label, err))
			}
		}
	}
	return data, errs, nil
}

func (imp *Importer) applyMapping(ctx context.Context, r reader.Reader, table Table, m mapping.Mapping) (*core.Data, []string, error) {
	it, err := r.Rows(ctx, table.Name, table.Options)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = it.Close() }()
	return mapping.Apply(ctx, it, table.Name, m, table.Conversions)
}

// selectSources picks the upstream resources the user selected, expanding file patterns.
func (imp *Importer) selectSources(forward []*core.Resource, st reader.SourceType) []source {
	var out []source
	for _, res := range forward {
		if selected, ok := imp.cfg.FileSelection[res.Label]; ok && !selected {
			continue
		}
		switch res.Type {
		case core.ResourceDatabase:
			if !st.FileBased() {
				out = append(out, source{label: res.Label, path: res.URL})
			}
		case core.ResourceFile, core.ResourceTransientFile:
			if !st.FileBased() {
				continue
			}
			if res.Path == "" {
				imp.Logger().MsgWarning(fmt.Sprintf("File %s has not been produced yet. Skipping.", res.Label))
				continue
			}
			out = append(out, source{label: res.Label, path: res.Path})
		case core.ResourceFilePattern:
			if !st.FileBased() {
				continue
			}
			matches, err := filepath.Glob(res.Path)
			if err != nil || len(matches) == 0 {
				imp.Logger().MsgWarning(fmt.Sprintf("No files match %s. Skipping.", res.Label))
				continue
			}
			for _, m := range matches {
				out = append(out, source{label: filepath.Base(m), path: m})
			}
		}
	}
	return out
}

func (imp *Importer) quickCheckout(ctx context.Context, targets []*core.Resource) {
	if err := dbwriter.QuickCheckout(ctx, targets, imp.Slog()); err != nil {
		imp.Logger().MsgWarning(err.Error())
	}
}

func describe(src source, st reader.SourceType) string {
	if st.FileBased() {
		return logs.Anchor(src.path)
	}
	return dburl.Redact(src.path)
}

func prefix(label string, errs []string) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = label + ": " + e
	}
	return out
}

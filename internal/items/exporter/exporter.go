// Package exporter implements the Exporter item, which writes the contents of its input
// databases to files or to other databases.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/leapstack-labs/leapflow/internal/archive"
	"github.com/leapstack-labs/leapflow/internal/datastore"
	"github.com/leapstack-labs/leapflow/internal/export"
	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/items/dbwriter"
	"github.com/leapstack-labs/leapflow/internal/logs"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// OutputChannel connects one input database to one output.
type OutputChannel struct {
	InLabel string `mapstructure:"in_label"`
	// OutLabel names the output file, or the database resource written into.
	OutLabel string `mapstructure:"out_label"`
	// OutURL is the database written into when no downstream resource carries OutLabel.
	OutURL string `mapstructure:"out_url"`
}

// Config holds the exporter's item settings.
type Config struct {
	Specification    *export.Specification
	Channels         []OutputChannel
	OutputTimeStamps bool
	CancelOnError    bool
}

// Exporter is the Exporter project item.
type Exporter struct {
	items.Base
	cfg Config
	now func() time.Time
}

var _ core.ExecutableItem = (*Exporter)(nil)

// New creates an exporter.
func New(s items.Settings, cfg Config) *Exporter {
	return &Exporter{Base: items.NewBase(s), cfg: cfg, now: time.Now}
}

// ItemType implements core.ExecutableItem.
func (*Exporter) ItemType() string { return core.ItemTypeExporter }

// OutputResourcesBackward implements core.ExecutableItem.
func (*Exporter) OutputResourcesBackward() []*core.Resource { return nil }

// OutputDir returns the directory exported files are written below.
func (e *Exporter) OutputDir() string {
	return filepath.Join(e.DataDir(), items.OutputDir)
}

// OutputResourcesForward implements core.ExecutableItem. It advertises the newest file produced
// for each file channel; channels that have produced nothing yet are advertised without a path.
func (e *Exporter) OutputResourcesForward() []*core.Resource {
	if e.cfg.Specification == nil || e.cfg.Specification.OutputFormat == export.FormatSQL {
		return nil
	}
	var labels []string
	for _, ch := range e.cfg.Channels {
		if ch.OutLabel != "" {
			labels = append(labels, ch.OutLabel)
		}
	}
	found, err := archive.Scan(e.OutputDir(), e.Name(), labels)
	if err != nil {
		e.Slog().Warn("failed to scan output directory", slog.Any("error", err))
	}
	produced := map[string]bool{}
	for _, r := range found {
		produced[r.Label] = true
	}
	for _, label := range labels {
		if !produced[label] {
			found = append(found, core.NewTransientFileResource(e.Name(), "", label))
		}
	}
	return found
}

type job struct {
	channel OutputChannel
	source  *core.Resource
}

var errRolledBack = errors.New("export errors, changes rolled back")

// Execute implements core.ExecutableItem.
func (e *Exporter) Execute(ctx context.Context, forward, backward []*core.Resource, lock sync.Locker) core.FinishState {
	ctx, done := e.Begin(ctx)
	defer done()
	logger := e.Logger()
	targets := core.FilterByType(backward, core.ResourceDatabase)

	spec := e.cfg.Specification
	if spec == nil {
		logger.MsgWarning("No specification defined. Skipping.")
		e.quickCheckout(ctx, targets)
		return core.FinishSkipped
	}
	if err := spec.Validate(); err != nil {
		logger.MsgError(err.Error())
		e.quickCheckout(ctx, targets)
		return core.FinishFailure
	}
	jobs := e.match(core.FilterByType(forward, core.ResourceDatabase))
	if len(jobs) == 0 {
		logger.MsgWarning("No output channel matches the available inputs. Skipping.")
		e.quickCheckout(ctx, targets)
		return core.FinishSkipped
	}

	ts := ""
	if e.cfg.OutputTimeStamps {
		ts = archive.Timestamp(e.now())
	}
	dests := newDestinations(e.Slog())
	var (
		exportErrs []string
		failed     bool
	)
	for _, j := range jobs {
		errs, err := e.run(ctx, j, spec, ts, targets, lock, dests)
		exportErrs = append(exportErrs, errs...)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			logger.MsgError("Export cancelled.")
			dests.close(ctx)
			e.ReportErrors(logs.KindExport, exportErrs)
			e.quickCheckout(ctx, dests.unused(targets))
			return core.FinishFailure
		}
		msg := fmt.Sprintf("Failed to export %s: %v", dburl.Redact(j.source.URL), err)
		logger.MsgError(msg)
		exportErrs = append(exportErrs, msg)
		failed = true
		if e.cfg.CancelOnError {
			break
		}
	}
	if err := dests.finish(ctx); err != nil {
		logger.MsgError(fmt.Sprintf("Failed to complete database writes: %v", err))
		failed = true
	}
	e.ReportErrors(logs.KindExport, exportErrs)
	e.quickCheckout(ctx, dests.unused(targets))
	if failed {
		return core.FinishFailure
	}
	return core.FinishSuccess
}

// match pairs every input with its channel, in channel order.
func (e *Exporter) match(sources []*core.Resource) []job {
	byLabel := core.LabelToResources(sources)
	var jobs []job
	for _, ch := range e.cfg.Channels {
		for _, src := range byLabel[ch.InLabel] {
			jobs = append(jobs, job{channel: ch, source: src})
		}
	}
	return jobs
}

func (e *Exporter) run(ctx context.Context, j job, spec *export.Specification, ts string, targets []*core.Resource, lock sync.Locker, dests *destinations) ([]string, error) {
	data, err := dbwriter.Export(ctx, j.source, e.Slog())
	if err != nil {
		return nil, err
	}
	if spec.OutputFormat == export.FormatSQL {
		return e.writeDatabase(ctx, j, export.Subset(data, spec), targets, lock, dests)
	}

	fork := archive.ForkDir(ForkName(j.channel.InLabel), ts)
	name := j.channel.OutLabel
	if name == "" {
		name = ForkName(j.channel.InLabel) + extension(spec.OutputFormat)
	}
	staged, err := export.WriteFiles(ctx, spec.OutputFormat, archive.Staging(e.OutputDir(), fork), name, export.Tables(data, spec))
	if err != nil {
		return nil, err
	}
	paths, err := archive.Promote(staged, filepath.Join(e.OutputDir(), fork))
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		e.Logger().Msg("Wrote " + logs.Anchor(p))
	}
	return nil, nil
}

// writeDatabase imports one channel's data into its destination. The destination's turn is
// taken on first use and held until Execute finishes; the lock is held per channel.
func (e *Exporter) writeDatabase(ctx context.Context, j job, data *core.Data, targets []*core.Resource, lock sync.Locker, dests *destinations) ([]string, error) {
	target := e.destination(j, targets)
	if target == nil {
		return nil, fmt.Errorf("no output database for %s", j.channel.InLabel)
	}
	s, err := dests.session(ctx, target)
	if err != nil {
		return nil, err
	}
	if data.Empty() {
		return nil, nil
	}

	lock.Lock()
	defer lock.Unlock()
	count, errs, err := s.ImportData(ctx, data, "")
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 && e.cfg.CancelOnError {
		if count > 0 {
			if err := s.RollbackSession(ctx); err != nil {
				return errs, err
			}
		}
		return errs, errRolledBack
	}
	if count == 0 {
		return errs, nil
	}
	msg := fmt.Sprintf("Export %d items from %s by %s", count, dburl.Redact(j.source.URL), e.Name())
	if _, err := s.CommitSession(ctx, msg); err != nil && !errors.Is(err, datastore.ErrNothingToCommit) {
		return errs, err
	}
	e.Logger().Msg(fmt.Sprintf("Exported %d items with %d errors into %s", count, len(errs), dburl.Redact(target.URL)))
	return errs, nil
}

// destinations holds one checked-in session per destination database of an execution, so
// that channels sharing a destination write within a single turn.
type destinations struct {
	logger   *slog.Logger
	order    []string
	sessions map[string]*servermgr.Session
	// attempted holds the labels of targets whose turn is settled by their session.
	attempted map[string]bool
}

func newDestinations(logger *slog.Logger) *destinations {
	return &destinations{logger: logger, sessions: map[string]*servermgr.Session{}, attempted: map[string]bool{}}
}

func (d *destinations) session(ctx context.Context, target *core.Resource) (*servermgr.Session, error) {
	key := target.Label + "\x00" + dburl.Strip(target.URL)
	if s, ok := d.sessions[key]; ok {
		return s, nil
	}
	// a failed open quick-checks-out itself.
	d.attempted[target.Label] = true
	s, err := dbwriter.Open(ctx, target, d.logger)
	if err != nil {
		return nil, err
	}
	d.sessions[key] = s
	d.order = append(d.order, key)
	return s, nil
}

// finish checks out and closes every session.
func (d *destinations) finish(ctx context.Context) error {
	var errs []error
	for _, key := range d.order {
		s := d.sessions[key]
		if err := s.Checkout(ctx, true); err != nil {
			errs = append(errs, err)
		}
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.sessions = map[string]*servermgr.Session{}
	d.order = nil
	return errors.Join(errs...)
}

// close closes every session without checking out, which quick-checks-out their writers.
func (d *destinations) close(ctx context.Context) {
	for _, key := range d.order {
		_ = d.sessions[key].Close(ctx)
	}
	d.sessions = map[string]*servermgr.Session{}
	d.order = nil
}

func (d *destinations) unused(targets []*core.Resource) []*core.Resource {
	var out []*core.Resource
	for _, t := range targets {
		if !d.attempted[t.Label] {
			out = append(out, t)
		}
	}
	return out
}

// destination returns the downstream database labelled out_label, falling back to out_url
// published through the source's server manager.
func (e *Exporter) destination(j job, targets []*core.Resource) *core.Resource {
	for _, t := range targets {
		if j.channel.OutLabel != "" && t.Label == j.channel.OutLabel {
			return t
		}
	}
	if j.channel.OutURL == "" {
		return nil
	}
	return core.NewDatabaseResource(e.Name(), j.channel.OutURL, j.channel.OutLabel, j.source.ManagerAddress())
}

func (e *Exporter) quickCheckout(ctx context.Context, targets []*core.Resource) {
	if err := dbwriter.QuickCheckout(ctx, targets, e.Slog()); err != nil {
		e.Logger().MsgWarning(err.Error())
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ForkName turns an input label into a directory name.
func ForkName(label string) string {
	name := unsafeName.ReplaceAllString(label, "_")
	if name == "" {
		return "_"
	}
	return name
}

func extension(f export.Format) string {
	switch f {
	case export.FormatExcel:
		return ".xlsx"
	case export.FormatJSON:
		return ".json"
	}
	return ".csv"
}

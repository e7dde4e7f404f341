// Package merger implements the Merger item, which copies everything in its source databases
// into its target databases.
package merger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/datastore"
	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/items/dbwriter"
	"github.com/leapstack-labs/leapflow/internal/logs"
	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// Config holds the merger's item settings.
type Config struct {
	CancelOnError bool
}

// Merger is the Merger project item.
type Merger struct {
	items.Base
	cfg Config
}

var _ core.ExecutableItem = (*Merger)(nil)

// New creates a merger.
func New(s items.Settings, cfg Config) *Merger {
	return &Merger{Base: items.NewBase(s), cfg: cfg}
}

// ItemType implements core.ExecutableItem.
func (*Merger) ItemType() string { return core.ItemTypeMerger }

// OutputResourcesForward implements core.ExecutableItem.
func (*Merger) OutputResourcesForward() []*core.Resource { return nil }

// OutputResourcesBackward implements core.ExecutableItem.
func (*Merger) OutputResourcesBackward() []*core.Resource { return nil }

type sourceData struct {
	url  string
	data *core.Data
}

var errRolledBack = errors.New("merge errors, changes rolled back")

// Execute implements core.ExecutableItem.
func (m *Merger) Execute(ctx context.Context, forward, backward []*core.Resource, lock sync.Locker) core.FinishState {
	ctx, done := m.Begin(ctx)
	defer done()
	logger := m.Logger()
	sources := core.FilterByType(forward, core.ResourceDatabase)
	targets := core.FilterByType(backward, core.ResourceDatabase)

	if len(sources) == 0 || len(targets) == 0 {
		logger.Msg("No source or target databases. Nothing to merge.")
		m.quickCheckout(ctx, targets)
		return core.FinishSuccess
	}

	var (
		collected []sourceData
		readErrs  []string
		failed    bool
	)
	for _, src := range sources {
		data, err := dbwriter.Export(ctx, src, m.Slog())
		if err != nil {
			if ctx.Err() != nil {
				logger.MsgError("Merge cancelled.")
				m.quickCheckout(ctx, targets)
				return core.FinishFailure
			}
			msg := fmt.Sprintf("Failed to read %s: %v", dburl.Redact(src.URL), err)
			logger.MsgError(msg)
			readErrs = append(readErrs, msg)
			failed = true
			if m.cfg.CancelOnError {
				m.ReportErrors(logs.KindRead, readErrs)
				m.quickCheckout(ctx, targets)
				return core.FinishFailure
			}
			continue
		}
		collected = append(collected, sourceData{url: src.URL, data: data})
	}
	m.ReportErrors(logs.KindRead, readErrs)

	var mergeErrs []string
	for i, target := range targets {
		errs, err := m.mergeInto(ctx, target, lock, collected)
		mergeErrs = append(mergeErrs, errs...)
		if err != nil {
			if ctx.Err() != nil {
				logger.MsgError("Merge cancelled.")
			} else {
				logger.MsgError(fmt.Sprintf("Failed to merge into %s: %v", dburl.Redact(target.URL), err))
			}
			m.ReportErrors(logs.KindMerge, mergeErrs)
			m.quickCheckout(ctx, targets[i+1:])
			return core.FinishFailure
		}
	}
	m.ReportErrors(logs.KindMerge, mergeErrs)
	if failed {
		return core.FinishFailure
	}
	return core.FinishSuccess
}

// mergeInto holds the turn on target for all sources, taking the lock once per source.
func (m *Merger) mergeInto(ctx context.Context, target *core.Resource, lock sync.Locker, collected []sourceData) ([]string, error) {
	s, err := dbwriter.Open(ctx, target, m.Slog())
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close(ctx) }()

	var allErrs []string
	for _, sd := range collected {
		errs, err := m.mergeSource(ctx, s, lock, sd)
		allErrs = append(allErrs, errs...)
		if err != nil {
			return allErrs, err
		}
	}
	return allErrs, s.Checkout(ctx, true)
}

func (m *Merger) mergeSource(ctx context.Context, s *servermgr.Session, lock sync.Locker, sd sourceData) ([]string, error) {
	if sd.data.Empty() {
		return nil, nil
	}
	lock.Lock()
	defer lock.Unlock()

	count, errs, err := s.ImportData(ctx, sd.data, "")
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 && m.cfg.CancelOnError {
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
	source := dburl.Redact(sd.url)
	if _, err := s.CommitSession(ctx, fmt.Sprintf("Import %d items from %s", count, source)); err != nil && !errors.Is(err, datastore.ErrNothingToCommit) {
		return errs, err
	}
	m.Logger().Msg(fmt.Sprintf("Merged %d items with %d errors from %s into %s", count, len(errs), source, dburl.Redact(s.URL())))
	return errs, nil
}

func (m *Merger) quickCheckout(ctx context.Context, targets []*core.Resource) {
	if err := dbwriter.QuickCheckout(ctx, targets, m.Slog()); err != nil {
		m.Logger().MsgWarning(err.Error())
	}
}

// Package dbwriter implements the protocol every item writing to a database follows.
//
// A writer opens the target through the server manager, waits for its turn, takes the shared
// lock, checks in, writes, checks out and releases the lock. Waiting happens before the lock is
// taken so a writer whose turn has not come never blocks writers of other targets.
package dbwriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/servermgr"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// ErrNoServerManager is returned for a database resource that does not name a server manager.
var ErrNoServerManager = errors.New("database resource has no server manager address")

// client returns a client for the server manager r was published through.
func client(r *core.Resource, logger *slog.Logger) (*servermgr.Client, error) {
	addr := r.ManagerAddress()
	if addr == "" {
		return nil, fmt.Errorf("%s: %w", dburl.Redact(r.URL), ErrNoServerManager)
	}
	return servermgr.NewClient(addr, logger), nil
}

// Write runs work on target between check-in and check-out while holding lock.
// The session is closed on return, which quick-checks-out the writer if work failed.
func Write(ctx context.Context, target *core.Resource, lock sync.Locker, logger *slog.Logger, work func(context.Context, *servermgr.Session) error) (err error) {
	s, err := open(ctx, target, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := s.WaitTurn(ctx); err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	if err := s.Checkin(ctx); err != nil {
		return err
	}
	if err := work(ctx, s); err != nil {
		return err
	}
	return s.Checkout(ctx, true)
}

// Open opens target and checks in without taking the lock. It suits writers that take the lock
// several times during one turn. The caller checks out and must Close the session.
func Open(ctx context.Context, target *core.Resource, logger *slog.Logger) (*servermgr.Session, error) {
	s, err := open(ctx, target, logger)
	if err != nil {
		return nil, err
	}
	if err := s.WaitTurn(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	if err := s.Checkin(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, target *core.Resource, logger *slog.Logger) (*servermgr.Session, error) {
	c, err := client(target, logger)
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, target.URL, target.Ordering())
}

// Export opens source for reading and returns its data as seen through the URL's filters.
func Export(ctx context.Context, source *core.Resource, logger *slog.Logger) (*core.Data, error) {
	c, err := client(source, logger)
	if err != nil {
		return nil, err
	}
	s, err := c.Open(ctx, source.URL, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close(ctx) }()
	return s.ExportData(ctx)
}

// QuickCheckout completes the writer on every target without writing. Targets without an
// ordering are skipped.
func QuickCheckout(ctx context.Context, targets []*core.Resource, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, t := range targets {
		if t.Type != core.ResourceDatabase || t.Ordering() == nil {
			continue
		}
		c, err := client(t, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.QuickCheckout(ctx, t.URL, t.Ordering()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

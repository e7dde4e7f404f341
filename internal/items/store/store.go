// Package store implements the Data Store item, which advertises one database to the items
// around it.
package store

import (
	"context"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Config holds the data store's item settings.
type Config struct {
	URL string
	// ManagerAddr is the server manager the database is opened through.
	ManagerAddr string
}

// Store is the Data Store project item.
type Store struct {
	items.Base
	cfg Config
}

var _ core.ExecutableItem = (*Store)(nil)

// New creates a data store.
func New(s items.Settings, cfg Config) *Store {
	return &Store{Base: items.NewBase(s), cfg: cfg}
}

// ItemType implements core.ExecutableItem.
func (*Store) ItemType() string { return core.ItemTypeDataStore }

// Execute implements core.ExecutableItem. A store has nothing to do; its readers and writers
// open the database themselves.
func (s *Store) Execute(_ context.Context, _, _ []*core.Resource, _ sync.Locker) core.FinishState {
	if s.cfg.URL == "" {
		s.Logger().MsgWarning("No database URL set.")
	}
	return core.FinishSuccess
}

// OutputResourcesForward implements core.ExecutableItem.
func (s *Store) OutputResourcesForward() []*core.Resource { return s.resources() }

// OutputResourcesBackward implements core.ExecutableItem. Upstream writers see the store as
// their target.
func (s *Store) OutputResourcesBackward() []*core.Resource { return s.resources() }

func (s *Store) resources() []*core.Resource {
	if s.cfg.URL == "" {
		return nil
	}
	return []*core.Resource{core.NewDatabaseResource(s.Name(), s.cfg.URL, "", s.cfg.ManagerAddr)}
}

// Package transformer implements the Data Transformer item. It never touches a database: it
// stacks a filter configuration on the URLs of the databases passing through it, and readers
// downstream see the data through that filter.
package transformer

import (
	"context"
	"fmt"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
	"github.com/leapstack-labs/leapflow/pkg/filterconfig"
)

// Specification names the filters a transformer applies.
type Specification struct {
	Name        string                `mapstructure:"name"`
	Description string                `mapstructure:"description"`
	Filters     []filterconfig.Filter `mapstructure:"filter"`
}

// Config holds the transformer's item settings.
type Config struct {
	Specification *Specification
}

// Transformer is the Data Transformer project item.
type Transformer struct {
	items.Base
	cfg Config

	mu       sync.Mutex
	upstream []*core.Resource
}

var _ core.ExecutableItem = (*Transformer)(nil)

// New creates a transformer.
func New(s items.Settings, cfg Config) *Transformer {
	return &Transformer{Base: items.NewBase(s), cfg: cfg}
}

// ItemType implements core.ExecutableItem.
func (*Transformer) ItemType() string { return core.ItemTypeTransformer }

// Execute implements core.ExecutableItem. It records the upstream resources and always succeeds.
func (t *Transformer) Execute(_ context.Context, forward, _ []*core.Resource, _ sync.Locker) core.FinishState {
	if t.cfg.Specification == nil {
		t.Logger().MsgWarning("No specification defined. Passing resources through unchanged.")
	}
	t.mu.Lock()
	t.upstream = forward
	t.mu.Unlock()
	return core.FinishSuccess
}

// OutputResourcesForward implements core.ExecutableItem. Database resources are re-advertised
// with the filter configuration appended to their URLs; everything else passes through.
func (t *Transformer) OutputResourcesForward() []*core.Resource {
	t.mu.Lock()
	upstream := t.upstream
	t.mu.Unlock()

	path := ""
	if t.cfg.Specification != nil {
		p, err := t.saveConfig()
		if err != nil {
			t.Logger().MsgError(fmt.Sprintf("Failed to store filter configuration: %v", err))
			return nil
		}
		path = p
	}

	out := make([]*core.Resource, 0, len(upstream))
	for _, r := range upstream {
		if r.Type != core.ResourceDatabase || path == "" {
			out = append(out, r)
			continue
		}
		decorated := r.WithURL(dburl.AppendFilter(r.URL, path))
		decorated.ProviderName = t.Name()
		out = append(out, decorated)
	}
	return out
}

// OutputResourcesBackward implements core.ExecutableItem.
func (*Transformer) OutputResourcesBackward() []*core.Resource { return nil }

func (t *Transformer) saveConfig() (string, error) {
	cfg := &filterconfig.Config{Filters: t.cfg.Specification.Filters}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("specification %s: %w", t.cfg.Specification.Name, err)
	}
	return filterconfig.Save(t.DataDir(), cfg)
}

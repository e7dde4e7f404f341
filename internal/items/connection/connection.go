// Package connection implements the Data Connection item, which advertises files to the items
// downstream of it.
package connection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Config holds the data connection's item settings.
type Config struct {
	// References are absolute file paths or glob patterns.
	References []string
}

// Connection is the Data Connection project item.
type Connection struct {
	items.Base
	cfg Config
}

var _ core.ExecutableItem = (*Connection)(nil)

// New creates a data connection.
func New(s items.Settings, cfg Config) *Connection {
	return &Connection{Base: items.NewBase(s), cfg: cfg}
}

// ItemType implements core.ExecutableItem.
func (*Connection) ItemType() string { return core.ItemTypeDataConnection }

// Execute implements core.ExecutableItem. Missing files are reported but do not fail the run;
// the consumers decide what an absent input means.
func (c *Connection) Execute(_ context.Context, _, _ []*core.Resource, _ sync.Locker) core.FinishState {
	for _, ref := range c.cfg.References {
		if isPattern(ref) {
			continue
		}
		if _, err := os.Stat(ref); err != nil {
			c.Logger().MsgWarning(fmt.Sprintf("File %s does not exist.", ref))
		}
	}
	return core.FinishSuccess
}

// OutputResourcesForward implements core.ExecutableItem.
func (c *Connection) OutputResourcesForward() []*core.Resource {
	out := make([]*core.Resource, 0, len(c.cfg.References))
	for _, ref := range c.cfg.References {
		if isPattern(ref) {
			out = append(out, core.NewFilePatternResource(c.Name(), ref, ""))
		} else {
			out = append(out, core.NewFileResource(c.Name(), ref, filepath.Base(ref)))
		}
	}
	return out
}

// OutputResourcesBackward implements core.ExecutableItem.
func (*Connection) OutputResourcesBackward() []*core.Resource { return nil }

func isPattern(ref string) bool {
	return strings.ContainsAny(ref, "*?[")
}

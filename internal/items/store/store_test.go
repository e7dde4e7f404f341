package store

import (
	"context"
	"sync"
	"testing"

	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AdvertisesDatabase(t *testing.T) {
	s := New(items.Settings{Name: "Store"}, Config{URL: "sqlite:///tmp/db.sqlite", ManagerAddr: "http://127.0.0.1:1"})

	for _, res := range [][]*core.Resource{s.OutputResourcesForward(), s.OutputResourcesBackward()} {
		require.Len(t, res, 1)
		assert.Equal(t, core.ResourceDatabase, res[0].Type)
		assert.Equal(t, "db_url@Store", res[0].Label)
		assert.Equal(t, "sqlite:///tmp/db.sqlite", res[0].URL)
		assert.Equal(t, "http://127.0.0.1:1", res[0].ManagerAddress())
	}
}

func TestStore_WithoutURL(t *testing.T) {
	sink := testutil.NewSink()
	s := New(items.Settings{Name: "Store", Logger: sink}, Config{})

	assert.Equal(t, core.FinishSuccess, s.Execute(context.Background(), nil, nil, &sync.Mutex{}))
	assert.Empty(t, s.OutputResourcesForward())
	assert.True(t, sink.Contains(testutil.LevelWarning, "No database URL"))
}

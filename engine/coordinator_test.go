package engine

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/group"
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/types"
)

func TestCoordinatorRejectsHashedPlan(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{{Strategy: group.Hashed}}}
	root := mpool.New("root", nil)
	cfg := config.Default()
	cfg.Workers = 2

	_, err := NewCoordinator(kit, plan, []types.T{types.TVarchar}, root, cfg, nil)
	require.Error(t, err)
}

func TestCoordinatorScatterGatherSumsAcrossWorkers(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{{Strategy: group.Plain, Sets: []group.GroupingSet{{Bitmap: roaring.New()}}}}}
	root := mpool.New("root", nil)
	cfg := config.Default()
	cfg.Workers = 2
	cfg.RingBufferBytes = 4096

	c, err := NewCoordinator(kit, plan, []types.T{types.TVarchar}, root, cfg, nil)
	require.NoError(t, err)

	rows := []struct {
		key   string
		value float64
	}{
		{"a", 1}, {"a", 2}, {"b", 10}, {"a", 3}, {"b", 20},
	}
	for _, r := range rows {
		row := group.Row{Args: []any{r.value}, Nulls: []bool{false}}
		require.NoError(t, c.Scatter([]any{r.key}, row))
	}

	out, err := c.Run()
	require.NoError(t, err)

	totals := make(map[string]float64)
	for _, o := range out {
		key, _ := o.Direct[0].(string)
		totals[key] = o.AggVals[0].(float64)
	}
	require.Equal(t, 6.0, totals["a"])
	require.Equal(t, 30.0, totals["b"])
}

func TestCoordinatorRoutesNullKeyToWorkerZero(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{{Strategy: group.Plain, Sets: []group.GroupingSet{{Bitmap: roaring.New()}}}}}
	root := mpool.New("root", nil)
	cfg := config.Default()
	cfg.Workers = 3
	cfg.RingBufferBytes = 4096

	c, err := NewCoordinator(kit, plan, []types.T{types.TVarchar}, root, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, c.Scatter([]any{nil}, group.Row{Args: []any{5.0}, Nulls: []bool{false}}))
	require.NoError(t, c.Scatter([]any{nil}, group.Row{Args: []any{7.0}, Nulls: []bool{false}}))

	out, err := c.Run()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 12.0, out[0].AggVals[0])
}

package group

import (
	"fmt"
	"math"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/batch"
	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/types"
	"github.com/aggcore/aggexec/vector"
)

func hashedKeyVec(t *testing.T, keys []int64) *vector.Vector {
	t.Helper()
	v := vector.New(types.Type{Oid: types.TInt64})
	for _, k := range keys {
		v.Append(k, false, nil)
	}
	return v
}

func sumByKeyRepr(out []Output) map[string]float64 {
	totals := make(map[string]float64)
	for _, o := range out {
		totals[fmt.Sprint(o.Direct[0])] += o.AggVals[0].(float64)
	}
	return totals
}

func TestGroupHashedStrategyGroupsByKeyColumn(t *testing.T) {
	kit := sumKit(t)
	root := mpool.New("root", nil)
	bm := roaring.New()
	bm.Add(0)
	phases := []PerPhase{{Strategy: Hashed, Sets: []GroupingSet{{Cols: []int32{0}, Bitmap: bm}}}}

	g, err := NewGroup(kit, phases, SplitMode{}, root, config.Default(), nil)
	require.NoError(t, err)

	keys := []int64{1, 1, 2, 1, 2}
	values := []float64{10, 20, 100, 30, 200}
	keyVec := hashedKeyVec(t, keys)
	src := &batch.Batch{Vecs: []*vector.Vector{keyVec}, Zs: []int64{1, 1, 1, 1, 1}}

	rowFn := func(i int) (Row, error) {
		return Row{Args: []any{values[i]}, Nulls: []bool{false}}, nil
	}
	keyOf := func(i int, set GroupingSet) []any { return nil }
	keyVecsOf := func(set GroupingSet) []*vector.Vector { return []*vector.Vector{keyVec} }

	require.NoError(t, g.Call(src, rowFn, keyOf, keyVecsOf))
	out, err := g.Close()
	require.NoError(t, err)
	require.Len(t, out, 2)

	totals := sumByKeyRepr(out)
	require.Len(t, totals, 2)
	var got []float64
	for _, v := range totals {
		got = append(got, v)
	}
	require.ElementsMatch(t, []float64{60, 300}, got)
}

func TestGroupHashedStrategySpillsAndMergesAcrossFlushes(t *testing.T) {
	kit := sumKit(t)
	root := mpool.New("root", nil)
	bm := roaring.New()
	bm.Add(0)
	phases := []PerPhase{{Strategy: Hashed, Sets: []GroupingSet{{Cols: []int32{0}, Bitmap: bm}}}}

	cfg := config.Default()
	cfg.WorkMemBytes = 80 // one resident entry's worth, forcing an early flush
	cfg.NBatches = 4

	g, err := NewGroup(kit, phases, SplitMode{}, root, cfg, nil)
	require.NoError(t, err)

	keys := []int64{1, 1, 2, 1, 2}
	values := []float64{10, 20, 100, 30, 200}
	keyVec := hashedKeyVec(t, keys)
	src := &batch.Batch{Vecs: []*vector.Vector{keyVec}, Zs: []int64{1, 1, 1, 1, 1}}

	rowFn := func(i int) (Row, error) {
		return Row{Args: []any{values[i]}, Nulls: []bool{false}}, nil
	}
	keyOf := func(i int, set GroupingSet) []any { return nil }
	keyVecsOf := func(set GroupingSet) []*vector.Vector { return []*vector.Vector{keyVec} }

	require.NoError(t, g.Call(src, rowFn, keyOf, keyVecsOf))
	require.NotNil(t, g.hashSets[0].spill, "WorkMemBytes is tight enough that this run must have spilled")

	out, err := g.Close()
	require.NoError(t, err)

	totals := sumByKeyRepr(out)
	var got []float64
	for _, v := range totals {
		got = append(got, v)
	}
	require.ElementsMatch(t, []float64{60, 300}, got, "a group split across two flushes must still sum to the same total as the unspilled run")
}

func TestClassifyStrategyDerivesFromPhaseList(t *testing.T) {
	require.Equal(t, Plain, ClassifyStrategy([]PerPhase{{Strategy: Plain}}))
	require.Equal(t, Sorted, ClassifyStrategy([]PerPhase{{Strategy: Sorted}}))
	require.Equal(t, Hashed, ClassifyStrategy([]PerPhase{{Strategy: Hashed}}))
	require.Equal(t, Mixed, ClassifyStrategy([]PerPhase{{Strategy: Hashed}, {Strategy: Sorted}}))
}

func TestBoundaryMaskOpensOnFirstRow(t *testing.T) {
	ph := PerPhase{Sets: []GroupingSet{{Cols: []int32{0}}}}
	mask := BoundaryMask(ph, nil, []any{"a"})
	require.True(t, mask[0])
}

func TestBoundaryMaskClosesOnlySetsCoveringChangedColumn(t *testing.T) {
	ph := PerPhase{Sets: []GroupingSet{
		{Cols: []int32{0}},    // prefix len 1
		{Cols: []int32{0, 1}}, // prefix len 2
	}}
	prev := []any{"a", "x"}
	cur := []any{"a", "y"} // only the second column changed
	mask := BoundaryMask(ph, prev, cur)
	require.False(t, mask[0], "a set keyed only on the unchanged leading column must not close")
	require.True(t, mask[1], "a set whose key extends into the changed column must close")
}

func TestBoundaryMaskClosesEverySetWhenLeadingColumnChanges(t *testing.T) {
	ph := PerPhase{Sets: []GroupingSet{
		{Cols: []int32{0}},
		{Cols: []int32{0, 1}},
	}}
	prev := []any{"a", "x"}
	cur := []any{"b", "x"}
	mask := BoundaryMask(ph, prev, cur)
	require.True(t, mask[0])
	require.True(t, mask[1])
}

func sumKit(t *testing.T) *aggexec.StateKit {
	t.Helper()
	kit := aggexec.NewStateKit()
	_, err := kit.AddAggregate(aggexec.NewSum(), &aggexec.PerAgg{
		Name: "sum", ArgSig: "col0", FinalFn: aggexec.SumFinal(),
	}, 1)
	require.NoError(t, err)
	return kit
}

func TestGroupPlainStrategySumsEveryRowIntoOneGroup(t *testing.T) {
	kit := sumKit(t)
	root := mpool.New("root", nil)
	phases := []PerPhase{{Strategy: Plain, Sets: []GroupingSet{{Bitmap: roaring.New()}}}}

	g, err := NewGroup(kit, phases, SplitMode{}, root, config.Default(), nil)
	require.NoError(t, err)

	values := []float64{2, 3, 4}
	in := &batch.Batch{Zs: []int64{1, 1, 1}}
	rowFn := func(i int) (Row, error) {
		return Row{Args: []any{values[i]}, Nulls: []bool{false}}, nil
	}
	keyOf := func(i int, set GroupingSet) []any { return []any{} }
	keyVecsOf := func(set GroupingSet) []*vector.Vector { return nil }

	require.NoError(t, g.Call(in, rowFn, keyOf, keyVecsOf))

	out, err := g.Close()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 9.0, out[0].AggVals[0])
	require.False(t, out[0].AggNulls[0])
}

func TestGroupSortedStrategyEmitsOneRowPerRunOfEqualKeys(t *testing.T) {
	kit := sumKit(t)
	root := mpool.New("root", nil)
	bm := roaring.New()
	bm.Add(0)
	phases := []PerPhase{{Strategy: Sorted, Sets: []GroupingSet{{Cols: []int32{0}, Bitmap: bm}}}}

	g, err := NewGroup(kit, phases, SplitMode{}, root, config.Default(), nil)
	require.NoError(t, err)

	// pre-sorted input: two runs, "a" (2 rows) then "b" (1 row)
	keys := []any{"a", "a", "b"}
	values := []float64{1, 2, 10}
	in := &batch.Batch{Zs: []int64{1, 1, 1}}
	rowFn := func(i int) (Row, error) {
		return Row{Args: []any{values[i]}, Nulls: []bool{false}}, nil
	}
	keyOf := func(i int, set GroupingSet) []any { return []any{keys[i]} }
	keyVecsOf := func(set GroupingSet) []*vector.Vector { return nil }

	require.NoError(t, g.Call(in, rowFn, keyOf, keyVecsOf))
	out, err := g.Close()
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []any{"a"}, out[0].Direct)
	require.Equal(t, 3.0, out[0].AggVals[0])
	require.Equal(t, []any{"b"}, out[1].Direct)
	require.Equal(t, 10.0, out[1].AggVals[0])
}

func TestGroupHavingFilterSuppressesGroups(t *testing.T) {
	kit := sumKit(t)
	root := mpool.New("root", nil)
	bm := roaring.New()
	bm.Add(0)
	phases := []PerPhase{{Strategy: Sorted, Sets: []GroupingSet{{Cols: []int32{0}, Bitmap: bm}}}}

	having := func(out []any) (bool, error) {
		return out[0] == "b", nil
	}
	g, err := NewGroup(kit, phases, SplitMode{}, root, config.Default(), having)
	require.NoError(t, err)

	keys := []any{"a", "b"}
	values := []float64{1, 2}
	in := &batch.Batch{Zs: []int64{1, 1}}
	rowFn := func(i int) (Row, error) {
		return Row{Args: []any{values[i]}, Nulls: []bool{false}}, nil
	}
	keyOf := func(i int, set GroupingSet) []any { return []any{keys[i]} }
	keyVecsOf := func(set GroupingSet) []*vector.Vector { return nil }

	require.NoError(t, g.Call(in, rowFn, keyOf, keyVecsOf))
	out, err := g.Close()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []any{"b"}, out[0].Direct)
}

func TestFirstDiffIndexAndEqualAny(t *testing.T) {
	require.Equal(t, 0, firstDiffIndex([]any{"a"}, []any{"b"}))
	require.Equal(t, 1, firstDiffIndex([]any{"a", "x"}, []any{"a", "y"}))
	require.Equal(t, -1, firstDiffIndex([]any{"a", "x"}, []any{"a", "x"}), "identical slices report no diff")
	require.True(t, equalAny(3.0, 3.0))
	require.False(t, equalAny(3.0, math.NaN()))
}

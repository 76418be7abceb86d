package aggexec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggcore/aggexec/types"
)

func TestSumStrictNullInitval(t *testing.T) {
	trans := NewSum()
	pg := &PerGroup{IsNull: true, NoTransValue: true}

	require.NoError(t, AdvanceTransition(trans, pg, []any{1.5}, []bool{false}, 0))
	require.False(t, pg.IsNull)
	require.Equal(t, 1.5, math.Float64frombits(pg.Value.Bits))

	require.NoError(t, AdvanceTransition(trans, pg, []any{2.5}, []bool{false}, 0))
	require.Equal(t, 4.0, math.Float64frombits(pg.Value.Bits))

	require.NoError(t, AdvanceTransition(trans, pg, []any{99.0}, []bool{true}, 0))
	require.Equal(t, 4.0, math.Float64frombits(pg.Value.Bits), "a null argument to a strict transfn must leave the state untouched")
}

func TestCountNonStrictIgnoresNullArgument(t *testing.T) {
	trans := NewCount(false)
	pg := &PerGroup{Value: literalTransValue(trans.InitValue)}

	require.NoError(t, AdvanceTransition(trans, pg, []any{nil}, []bool{true}, 0))
	require.Equal(t, uint64(0), pg.Value.Bits)

	require.NoError(t, AdvanceTransition(trans, pg, []any{"x"}, []bool{false}, 0))
	require.Equal(t, uint64(1), pg.Value.Bits)
}

func TestAvgSerializeDeserializeRoundTrip(t *testing.T) {
	trans := NewAvg()
	pg := &PerGroup{IsNull: true, NoTransValue: true}

	require.NoError(t, AdvanceTransition(trans, pg, []any{10.0}, []bool{false}, 0))
	require.NoError(t, AdvanceTransition(trans, pg, []any{20.0}, []bool{false}, 0))

	blob, err := trans.SerializeFn(pg.Value)
	require.NoError(t, err)
	require.Len(t, blob, 16)

	restored, err := trans.DeserializeFn(blob)
	require.NoError(t, err)

	final, isNull, err := AvgFinal()(restored, false, nil)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, 15.0, final)
}

func TestAvgNullWhenNoInput(t *testing.T) {
	_, isNull, err := AvgFinal()(TransValue{}, true, nil)
	require.NoError(t, err)
	require.True(t, isNull)
}

func TestMinMaxTracksComparator(t *testing.T) {
	minTrans := NewMinMax("min", func(a, b float64) bool { return a < b })
	pg := &PerGroup{IsNull: true, NoTransValue: true}
	for _, v := range []float64{5, 2, 8, 1, 9} {
		require.NoError(t, AdvanceTransition(minTrans, pg, []any{v}, []bool{false}, 0))
	}
	val, isNull, err := MinMaxFinal()(pg.Value, pg.IsNull, nil)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, 1.0, val)
}

func TestMinMaxCombineKeepsSmaller(t *testing.T) {
	minTrans := NewMinMax("min", func(a, b float64) bool { return a < b })
	a := ByValOf(math.Float64bits(3.0))
	b := ByValOf(math.Float64bits(-7.0))
	merged, err := minTrans.CombineFn(a, b)
	require.NoError(t, err)
	require.Equal(t, -7.0, math.Float64frombits(merged.Bits))
}

func TestCombineTransitionMergesPartialStates(t *testing.T) {
	trans := NewSum()
	a := &PerGroup{IsNull: true, NoTransValue: true}
	require.NoError(t, AdvanceTransition(trans, a, []any{3.0}, []bool{false}, 0))

	partial := ByValOf(math.Float64bits(7.0))
	require.NoError(t, CombineTransition(trans, a, partial, false, 0))
	require.Equal(t, 10.0, math.Float64frombits(a.Value.Bits))
}

func TestArrayAggCollectsInOrderAndCombines(t *testing.T) {
	trans := NewArrayAgg()
	pg := &PerGroup{IsNull: true, NoTransValue: true}
	require.NoError(t, AdvanceTransition(trans, pg, []any{"a"}, []bool{false}, 0))
	require.NoError(t, AdvanceTransition(trans, pg, []any{"b"}, []bool{false}, 0))

	other := &PerGroup{IsNull: true, NoTransValue: true}
	require.NoError(t, AdvanceTransition(trans, other, []any{"c"}, []bool{false}, 0))

	merged, err := trans.CombineFn(pg.Value, other.Value)
	require.NoError(t, err)
	final, isNull, err := ArrayAggFinal()(merged, false, nil)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, []any{"a", "b", "c"}, final)
}

func TestAnyValueKeepsFirstSeen(t *testing.T) {
	trans := NewAnyValue(types.New(types.TInt64, 8, 0))
	pg := &PerGroup{IsNull: true, NoTransValue: true}
	require.NoError(t, AdvanceTransition(trans, pg, []any{int64(42)}, []bool{false}, 0))
	require.NoError(t, AdvanceTransition(trans, pg, []any{int64(99)}, []bool{false}, 0))

	val, isNull, err := AnyValueFinal()(pg.Value, pg.IsNull, nil)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, uint64(42), val)
}

func TestStateKitDedupSharesTransWhenIdentical(t *testing.T) {
	kit := NewStateKit()
	sumA := NewSum()
	sumB := NewSum()

	n1, err := kit.AddAggregate(sumA, &PerAgg{Name: "sum", ArgSig: "col0"}, 1)
	require.NoError(t, err)
	n2, err := kit.AddAggregate(sumB, &PerAgg{Name: "sum", ArgSig: "col0"}, 1)
	require.NoError(t, err)

	require.Equal(t, n1, n2, "identical aggregate calls must share one PerAgg slot")
	require.Len(t, kit.Trans, 1, "identical transition identities must share one PerTrans")
}

func TestStateKitKeepsDistinctArgSigsSeparate(t *testing.T) {
	kit := NewStateKit()
	n1, err := kit.AddAggregate(NewSum(), &PerAgg{Name: "sum", ArgSig: "col0"}, 1)
	require.NoError(t, err)
	n2, err := kit.AddAggregate(NewSum(), &PerAgg{Name: "sum", ArgSig: "col1"}, 1)
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)
}

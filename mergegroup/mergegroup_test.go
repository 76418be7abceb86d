package mergegroup

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/group"
	"github.com/aggcore/aggexec/mpool"
)

func newSumKit(t *testing.T) *aggexec.StateKit {
	t.Helper()
	kit := aggexec.NewStateKit()
	_, err := kit.AddAggregate(aggexec.NewSum(), &aggexec.PerAgg{
		Name: "sum", ArgSig: "col0", FinalFn: aggexec.SumFinal(), ResultType: aggexec.NewSum().TransType,
	}, 1)
	require.NoError(t, err)
	return kit
}

func partialFor(kit *aggexec.StateKit, key []any, v float64) PartialRow {
	return PartialRow{
		Key:    key,
		States: []aggexec.TransValue{aggexec.ByValOf(math.Float64bits(v))},
		Nulls:  []bool{false},
	}
}

func TestMergerCombinesPartialStatesByKey(t *testing.T) {
	kit := newSumKit(t)
	root := mpool.New("root", nil)
	m := NewMerger(kit, root)

	require.NoError(t, m.Add(partialFor(kit, []any{"a"}, 3.0)))
	require.NoError(t, m.Add(partialFor(kit, []any{"a"}, 4.0)))
	require.NoError(t, m.Add(partialFor(kit, []any{"b"}, 10.0)))

	require.Equal(t, 2, m.GroupCount())

	fd := &group.FinalizeDriver{Kit: kit}
	out, err := fd.Finalize(m.order[0].pg, nil)
	require.NoError(t, err)
	require.Equal(t, 7.0, out.AggVals[0])

	out2, err := fd.Finalize(m.order[1].pg, nil)
	require.NoError(t, err)
	require.Equal(t, 10.0, out2.AggVals[0])
}

func TestMergerFinalizeAppliesHavingFilter(t *testing.T) {
	kit := newSumKit(t)
	root := mpool.New("root", nil)
	m := NewMerger(kit, root)
	require.NoError(t, m.AddBatch([]PartialRow{
		partialFor(kit, []any{"a"}, 1.0),
		partialFor(kit, []any{"b"}, 100.0),
	}))

	fd := &group.FinalizeDriver{Kit: kit, HavingQual: func(out []any) (bool, error) {
		return out[1].(float64) > 50, nil
	}}
	outs, err := m.Finalize(fd, nil)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, []any{"b"}, outs[0].Direct)
}

func TestMergerFinalizeAppliesMaskCallback(t *testing.T) {
	kit := newSumKit(t)
	root := mpool.New("root", nil)
	m := NewMerger(kit, root)
	require.NoError(t, m.Add(partialFor(kit, []any{"a", "b"}, 5.0)))

	fd := &group.FinalizeDriver{Kit: kit}
	outs, err := m.Finalize(fd, func(key []any) []any {
		return []any{key[0], nil}
	})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, []any{"a", nil}, outs[0].Direct)
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/group"
)

func kitWithSum(t *testing.T) *aggexec.StateKit {
	t.Helper()
	kit := aggexec.NewStateKit()
	_, err := kit.AddAggregate(aggexec.NewSum(), &aggexec.PerAgg{
		Name: "sum", ArgSig: "col0", FinalFn: aggexec.SumFinal(),
	}, 1)
	require.NoError(t, err)
	return kit
}

func TestValidateAcceptsSinglePhasePlainPlan(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{{Strategy: group.Plain}}}
	require.NoError(t, Validate(kit, plan))
}

func TestValidateRejectsChainedPlainPlan(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{{Strategy: group.Plain}, {Strategy: group.Plain}}}
	require.Error(t, Validate(kit, plan))
}

func TestValidateRejectsHashedAfterSorted(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{
		{Strategy: group.Sorted},
		{Strategy: group.Hashed},
	}}
	require.Error(t, Validate(kit, plan))
}

func TestValidateRejectsChainedSortedPhases(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{
		{Strategy: group.Sorted},
		{Strategy: group.Sorted},
	}}
	require.Error(t, Validate(kit, plan))
}

func TestValidateAcceptsHashedBeforeSorted(t *testing.T) {
	kit := kitWithSum(t)
	plan := Plan{Phases: []group.PerPhase{
		{Strategy: group.Hashed},
		{Strategy: group.Sorted},
	}}
	require.NoError(t, Validate(kit, plan))
}

func TestValidateRejectsCombineWithDistinctOrOrderBy(t *testing.T) {
	kit := kitWithSum(t)
	kit.Trans[0].NumSortCols = 1
	plan := Plan{
		Phases: []group.PerPhase{{Strategy: group.Hashed}},
		Split:  group.SplitMode{Combine: true},
	}
	require.Error(t, Validate(kit, plan))
}

func TestValidateRejectsSkipFinalSerializeWithoutSerializeFn(t *testing.T) {
	kit := kitWithSum(t)
	kit.Trans[0].RequiresSerialize = true
	kit.Trans[0].SerializeFn = nil
	plan := Plan{
		Phases: []group.PerPhase{{Strategy: group.Hashed}},
		Split:  group.SplitMode{SkipFinal: true},
	}
	require.Error(t, Validate(kit, plan))
}

func TestValidateRejectsCombineDeserializeWithoutDeserializeFn(t *testing.T) {
	kit := kitWithSum(t)
	kit.Trans[0].RequiresSerialize = true
	kit.Trans[0].DeserializeFn = nil
	plan := Plan{
		Phases: []group.PerPhase{{Strategy: group.Hashed}},
		Split:  group.SplitMode{Combine: true},
	}
	require.Error(t, Validate(kit, plan))
}

func TestValidateAcceptsSkipFinalWithSerializeFnPresent(t *testing.T) {
	kit := aggexec.NewStateKit()
	_, err := kit.AddAggregate(aggexec.NewAvg(), &aggexec.PerAgg{Name: "avg", ArgSig: "col0", FinalFn: aggexec.AvgFinal()}, 1)
	require.NoError(t, err)
	plan := Plan{
		Phases: []group.PerPhase{{Strategy: group.Hashed}},
		Split:  group.SplitMode{SkipFinal: true},
	}
	require.NoError(t, Validate(kit, plan))
}

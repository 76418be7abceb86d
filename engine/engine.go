// Package engine implements the top-level Aggregate operator: the object
// the planner hands input batches to and pulls output rows from one at a
// time, per the plan-node contract's strategy/split-mode/grouping-set
// chain description.
package engine

import (
	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/batch"
	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/group"
	"github.com/aggcore/aggexec/moerr"
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/vector"
)

// Plan is the resolved plan-node contract handed down by the planner:
// the phase list already reflects any chained Agg/Sort subnodes, and
// Split's two bits reflect the aggsplit mode (skip-final, combine).
type Plan struct {
	Phases []group.PerPhase
	Split  group.SplitMode
}

// Validate checks the invariants the core asserts rather than tolerates:
// a malformed plan is a construction-time error, not a runtime one.
func Validate(kit *aggexec.StateKit, plan Plan) error {
	strategy := group.ClassifyStrategy(plan.Phases)
	if strategy == group.Plain && len(plan.Phases) > 1 {
		return moerr.InvalidFunctionDefinition("PLAIN strategy must not carry a chained Agg node")
	}

	seenSorted := false
	sortedPhases := 0
	for _, ph := range plan.Phases {
		if ph.Strategy == group.Hashed && seenSorted {
			return moerr.InvalidFunctionDefinition("hashed chained nodes must precede sorted chained nodes")
		}
		if ph.Strategy == group.Sorted {
			seenSorted = true
			sortedPhases++
		}
	}
	// A chain of more than one sorted phase requires re-sorting the
	// previous phase's output into the next phase's input order between
	// phases (PerPhase.ReSortCols names that order); Group.Call does not
	// implement that re-sort, so reject the plan here rather than drive
	// every sorted phase off a key order that's only valid for the first
	// one. A rollup expressed as multiple grouping sets within a single
	// sorted phase is unaffected -- this only rejects a chained Agg node
	// whose own sort phase follows another sort phase.
	if sortedPhases > 1 {
		return moerr.InvalidFunctionDefinition("chained sorted phases (P>1) are not supported: no re-sort runs between them")
	}

	for _, t := range kit.Trans {
		if plan.Split.Combine && t.NumSortCols > 0 {
			return moerr.InvalidFunctionDefinition("combine mode must not be paired with DISTINCT/ORDER BY on %q", t.Name)
		}
		if plan.Split.SkipFinal && t.RequiresSerialize && t.SerializeFn == nil {
			return moerr.InvalidFunctionDefinition("%q has no serializefn but the plan requires SERIALIZE", t.Name)
		}
		if plan.Split.Combine && t.RequiresSerialize && t.DeserializeFn == nil {
			return moerr.InvalidFunctionDefinition("%q has no deserializefn but the plan requires DESERIAL", t.Name)
		}
	}
	return nil
}

// Operator is the per-worker Aggregate instance: a cooperative pull
// source over one Plan's worth of grouping/aggregation. Push feeds input
// batches in; Pull yields one output row at a time, matching §5's
// single-threaded cooperative-pull execution model (no suspension inside
// the transition hot path).
type Operator struct {
	kit  *aggexec.StateKit
	plan Plan
	g    *group.Group

	closed  bool
	buffer  []group.Output
	cursor  int
}

// New validates the plan and constructs the operator's working state.
func New(kit *aggexec.StateKit, plan Plan, root *mpool.Pool, cfg config.AggConfig, having func([]any) (bool, error)) (*Operator, error) {
	if err := Validate(kit, plan); err != nil {
		return nil, err
	}
	g, err := group.NewGroup(kit, plan.Phases, plan.Split, root, cfg, having)
	if err != nil {
		return nil, err
	}
	return &Operator{kit: kit, plan: plan, g: g}, nil
}

// Push feeds one input batch through every phase. row/keyOf/keyVecsOf are
// the caller's (planner-generated) expression-evaluation callbacks, per
// the CORE's stance that expression evaluation is an external
// collaborator, not this operator's concern.
func (op *Operator) Push(in *batch.Batch, row func(i int) (group.Row, error), keyOf func(i int, set group.GroupingSet) []any, keyVecsOf func(set group.GroupingSet) []*vector.Vector) error {
	if op.closed {
		return moerr.Internalf("Push called after the operator reached end-of-input")
	}
	return op.g.Call(in, row, keyOf, keyVecsOf)
}

// Pull returns the next output row, or ok=false once every group has been
// emitted. The first Pull after the input is exhausted triggers the
// finalize pass over every still-open group.
func (op *Operator) Pull() (group.Output, bool, error) {
	if !op.closed {
		results, err := op.g.Close()
		if err != nil {
			return group.Output{}, false, err
		}
		op.buffer = results
		op.closed = true
	}
	if op.cursor >= len(op.buffer) {
		return group.Output{}, false, nil
	}
	out := op.buffer[op.cursor]
	op.cursor++
	return out, true, nil
}

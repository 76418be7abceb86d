package engine

import (
	"encoding/gob"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/batch"
	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/group"
	"github.com/aggcore/aggexec/mergegroup"
	"github.com/aggcore/aggexec/moerr"
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/redistribute"
	"github.com/aggcore/aggexec/types"
	"github.com/aggcore/aggexec/vector"
)

func init() {
	// scatterRow rides inside redistribute.Row's Payload interface{} field;
	// gob needs the concrete type registered to decode a row that overflowed
	// to a worker's overflow store.
	gob.Register(scatterRow{})
}

// scatterRow is the payload redistribute.Pool carries between Scatter and
// each worker's drain step: the grouping key plus the already-evaluated
// combined-projection row Group.Call needs.
type scatterRow struct {
	Key []any
	Row group.Row
}

// Coordinator runs the scatter-gather shape for one PLAIN/SORTED plan
// node split across cfg.Workers parallel workers: Scatter hashes each
// input row to a worker via redistribute.Pool (rows sharing a grouping
// key always land on the same worker), each worker aggregates its own
// shard in SkipFinal mode via its own group.Group, and Run folds every
// worker's still-partial groups into one mergegroup.Merger before
// finalizing the combined result once.
//
// The hashed/mixed strategies are not supported here: they probe a
// grouping set's hash table against real vector columns, which this
// row-at-a-time scatter path does not carry. A hashed plan node keeps
// using engine.Operator directly (its own hybrid-hash spill already
// handles a table larger than work-mem, see PerHash.Insert).
type Coordinator struct {
	kit      *aggexec.StateKit
	plan     Plan
	cfg      config.AggConfig
	colTypes []types.T
	root     *mpool.Pool
	having   func([]any) (bool, error)

	rpool   *redistribute.Pool
	workers []*group.Group
}

// NewCoordinator validates the plan for the scatter-gather shape, then
// starts cfg.Workers worker-local Group instances (SkipFinal forced on)
// plus the redistribute.Pool routing rows to them.
func NewCoordinator(kit *aggexec.StateKit, plan Plan, colTypes []types.T, root *mpool.Pool, cfg config.AggConfig, having func([]any) (bool, error)) (*Coordinator, error) {
	strategy := group.ClassifyStrategy(plan.Phases)
	if strategy == group.Hashed || strategy == group.Mixed {
		return nil, moerr.InvalidFunctionDefinition("Coordinator only supports PLAIN/SORTED plans; hashed grouping needs a columnar scatter path")
	}
	if err := Validate(kit, plan); err != nil {
		return nil, err
	}

	workerSplit := plan.Split
	workerSplit.SkipFinal = true

	rpool, err := redistribute.NewPool(cfg, colTypes)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{kit: kit, plan: plan, cfg: cfg, colTypes: colTypes, root: root, having: having, rpool: rpool}
	for i := 0; i < cfg.Workers; i++ {
		g, err := group.NewGroup(kit, plan.Phases, workerSplit, root.NewChild("workercontext"), cfg, nil)
		if err != nil {
			return nil, err
		}
		c.workers = append(c.workers, g)
	}
	return c, nil
}

// Scatter routes one already-evaluated input row to its target worker by
// grouping key, per the same null-routes-to-worker-0 rule every
// redistribute.Pool.Send call follows.
func (c *Coordinator) Scatter(key []any, row group.Row) error {
	return c.rpool.Send(redistribute.Row{Key: key, Payload: scatterRow{Key: key, Row: row}}, c.colTypes)
}

// Run drains every worker's routed rows through its own Group, folds
// every worker's finished-but-not-yet-finalized groups into one
// mergegroup.Merger, and finalizes the merged result exactly once.
func (c *Coordinator) Run() ([]group.Output, error) {
	c.rpool.CloseProducing()
	defer c.rpool.Close()

	merger := mergegroup.NewMerger(c.kit, c.root)
	for i, g := range c.workers {
		if err := c.rpool.Drain(i, func(r redistribute.Row) error {
			sr, ok := r.Payload.(scatterRow)
			if !ok {
				return moerr.Internalf("Coordinator worker received a row not produced by Scatter")
			}
			return pushSingleRow(g, sr)
		}); err != nil {
			return nil, err
		}

		partials, err := g.ClosePartial()
		if err != nil {
			return nil, err
		}
		for _, pg := range partials {
			states := make([]aggexec.TransValue, len(pg.PG))
			nulls := make([]bool, len(pg.PG))
			for ti := range pg.PG {
				states[ti] = pg.PG[ti].Value
				nulls[ti] = pg.PG[ti].IsNull
			}
			row := mergegroup.PartialRow{Key: pg.Rep, States: states, Nulls: nulls}
			if err := merger.Add(row); err != nil {
				return nil, err
			}
		}
	}

	finalSplit := c.plan.Split
	finalSplit.Combine = true
	finalSplit.SkipFinal = false
	fd := &group.FinalizeDriver{Kit: c.kit, Split: finalSplit, HavingQual: c.having}
	return merger.Finalize(fd, nil)
}

// pushSingleRow replays one drained row through a worker's Group as a
// one-row batch; the hashed path is unreachable here (NewCoordinator
// already rejected Hashed/Mixed plans), so keyVecsOf never needs to
// return real columns.
func pushSingleRow(g *group.Group, sr scatterRow) error {
	rowFn := func(int) (group.Row, error) { return sr.Row, nil }
	keyOf := func(int, group.GroupingSet) []any { return sr.Key }
	keyVecsOf := func(group.GroupingSet) []*vector.Vector { return nil }
	single := &batch.Batch{Zs: []int64{1}}
	return g.Call(single, rowFn, keyOf, keyVecsOf)
}

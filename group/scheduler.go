package group

import (
	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/mpool"
)

// Scheduler drives the sequence of phases: sorted phases 1..P in order,
// then (if any) hash phase 0 at the end.
type Scheduler struct {
	Phases []PerPhase

	// phaseArenas[k] is the per-grouping-set arena array for phase k,
	// indexed the same way as Phases[k].Sets.
	phaseArenas [][]*mpool.Pool
	tmp         *mpool.Pool
	output      *mpool.Pool
}

func NewScheduler(phases []PerPhase, root *mpool.Pool) *Scheduler {
	s := &Scheduler{
		Phases: phases,
		tmp:    root.NewChild("tmpcontext"),
		output: root.NewChild("outputcontext"),
	}
	s.phaseArenas = make([][]*mpool.Pool, len(phases))
	for k, ph := range phases {
		arenas := make([]*mpool.Pool, len(ph.Sets))
		for i := range ph.Sets {
			arenas[i] = root.NewChild("aggcontext")
		}
		s.phaseArenas[k] = arenas
	}
	return s
}

// Arena returns the grouping-set arena for phase k, set i.
func (s *Scheduler) Arena(k, i int) *mpool.Pool { return s.phaseArenas[k][i] }

// TmpContext returns the per-input-row scratch arena. Nothing in this
// package resets it between rows.
func (s *Scheduler) TmpContext() *mpool.Pool { return s.tmp }

// OutputContext returns the per-output-row arena. Nothing in this package
// resets it between output rows.
func (s *Scheduler) OutputContext() *mpool.Pool { return s.output }

// EnterPhase resets every grouping-set arena of phase 0 when k is 0 and
// does nothing for any other k; it holds no sort handles to drop. It does
// not re-sort a previous phase's output into PerPhase.ReSortCols order,
// which a chained sorted phase k>1 would depend on; engine.Validate
// rejects a plan with more than one sorted phase.
func (s *Scheduler) EnterPhase(k int) {
	if k == 0 {
		for i := range s.phaseArenas[k] {
			s.phaseArenas[k][i].Reset()
		}
	}
}

// BoundaryMask reports which grouping sets of phase k must be finalized
// and reset given the previous and current row's leading columns, per
// §4.2: "at any group boundary the number of PerGroup entries reset
// equals the count of sets whose prefix covers the changed columns,
// starting from the most specific." Sets in ph.Sets are assumed ordered
// most-specific first.
func BoundaryMask(ph PerPhase, prevRow, curRow []any) []bool {
	mask := make([]bool, len(ph.Sets))
	if prevRow == nil {
		for i := range mask {
			mask[i] = true // first row: every set opens fresh
		}
		return mask
	}
	changedAt := firstDiffIndex(prevRow, curRow)
	if changedAt == -1 {
		return mask // identical leading columns: no boundary
	}
	for i, set := range ph.Sets {
		if set.KeyPrefixLen() > changedAt {
			mask[i] = true
		}
	}
	return mask
}

func firstDiffIndex(a, b []any) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if !equalAny(a[i], b[i]) {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}

func equalAny(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// ClassifyStrategy derives the execution strategy from the phase list, per
// §4.2's definitions.
func ClassifyStrategy(phases []PerPhase) Strategy {
	hasHash, hasSorted := false, false
	for _, p := range phases {
		switch p.Strategy {
		case Hashed:
			hasHash = true
		case Sorted:
			hasSorted = true
		}
	}
	switch {
	case hasHash && hasSorted:
		return Mixed
	case hasHash:
		return Hashed
	case hasSorted:
		return Sorted
	default:
		return Plain
	}
}

// NewPerGroupArena allocates a fresh per-group working array, scoped to
// the StateKit's PerTrans layout.
func NewPerGroupArena(kit *aggexec.StateKit) []aggexec.PerGroup {
	return kit.NewPerGroup()
}

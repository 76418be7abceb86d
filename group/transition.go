package group

import (
	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/sortdriver"
)

// Mode selects which half of TransitionDriver.Advance's algorithm runs:
// Regular transition mode (advance_transition) or combine mode, used when
// the plan node's split-mode bits mark this aggregation as consuming
// already-partially-aggregated input.
type Mode int

const (
	Regular Mode = iota
	Combine
)

// Row is one already-evaluated input row: the combined projection values
// plus a parallel null mask, both indexed the same way as StateKit.ProjLen.
type Row struct {
	Args  []any
	Nulls []bool
}

func (r Row) slice(off, n int) ([]any, []bool) {
	return r.Args[off : off+n], r.Nulls[off : off+n]
}

// TransitionDriver is the per-input-tuple hot path: it evaluates no
// expressions itself (the combined projection is handed in already
// computed by the caller/expression evaluator) but drives every PerTrans's
// advance/combine/sort-deferred transition exactly once per row.
type TransitionDriver struct {
	Kit   *aggexec.StateKit
	Mode  Mode
	Arena aggexec.ArenaID

	// Sorts holds one sort handle per (PerTrans index, grouping-set index)
	// pair that has DISTINCT/ORDER-BY, keyed by sortKeyFor as
	// ArgOffset*1000+set; Group.ensureSortHandle allocates the handles.
	Sorts map[int]*sortdriver.Driver

	// FilterPass[i] gates PerTrans i for the current row; nil means every
	// PerTrans runs unconditionally (no FILTER clause present anywhere).
	FilterPass []bool
}

// pergroupTarget is one destination for this row's transition: either a
// single flat PerGroup (sorted/plain path) or one PerGroup per hashed
// grouping set the row belongs to (hashed/mixed path).
type pergroupTarget struct {
	setIdx int
	pg     *aggexec.PerGroup
}

// Advance runs one input row through every PerTrans, against every target
// pergroup slot supplied. Strict suppression of DISTINCT/ORDER-BY pushes
// happens here per trans, before any pergroup is touched.
func (d *TransitionDriver) Advance(row Row, targets []pergroupTarget) error {
	for ti, t := range d.Kit.Trans {
		if d.FilterPass != nil && !d.FilterPass[ti] {
			continue
		}
		args, nulls := row.slice(t.ArgOffset, t.NumArgCols)

		if t.NumSortCols > 0 {
			if t.IsStrict && anyNull(nulls[:min(len(nulls), t.NumTransInputs)]) {
				continue // suppress: the transition would ignore this row anyway
			}
			if err := d.pushSorted(ti, t, args, nulls, targets); err != nil {
				return err
			}
			continue
		}

		for _, tgt := range targets {
			if tgt.pg == nil {
				continue
			}
			var err error
			switch d.Mode {
			case Regular:
				err = aggexec.AdvanceTransition(t, tgt.pg, args, nulls, d.Arena)
			case Combine:
				incoming, incomingNull := args[0].(aggexec.TransValue), len(nulls) > 0 && nulls[0]
				err = aggexec.CombineTransition(t, tgt.pg, incoming, incomingNull, d.Arena)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *TransitionDriver) pushSorted(ti int, t *aggexec.PerTrans, args []any, nulls []bool, targets []pergroupTarget) error {
	for _, tgt := range targets {
		key := sortKeyFor(t, tgt.setIdx)
		s := d.Sorts[key]
		if s == nil {
			continue
		}
		entry := sortdriver.Entry{Payload: encodeRowPayload(args), IsNull: len(nulls) > 0 && nulls[0]}
		entry.Key = encodeSortKey(args)
		if t.NumDistinctCols > 0 {
			entry.DistinctKey = encodeSortKey(args[:min(len(args), t.NumDistinctCols)])
		}
		if err := s.Put(entry); err != nil {
			return err
		}
	}
	return nil
}

func sortKeyFor(t *aggexec.PerTrans, setIdx int) int {
	return t.ArgOffset*1000 + setIdx
}

func anyNull(nulls []bool) bool {
	for _, n := range nulls {
		if n {
			return true
		}
	}
	return false
}

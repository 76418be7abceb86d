package aggexec

import "github.com/aggcore/aggexec/types"

// AdvanceTransition runs regular (non-combine) transition mode, invoked
// once per (group, transition) per input row after DISTINCT dedup, if any.
func AdvanceTransition(t *PerTrans, pg *PerGroup, args []any, argIsNull []bool, arena ArenaID) error {
	if t.IsStrict {
		for _, isNull := range argIsNull {
			if isNull {
				// If transfn is strict and any argument is null, keep the
				// prior state untouched.
				return nil
			}
		}
		if pg.NoTransValue {
			// The first non-null input becomes the transition value
			// without invoking transfn at all. The input is stored as it
			// is; PerTrans construction does not check that the first
			// input type is binary-compatible with transtype, so a
			// transfn whose state type differs from its input (avg)
			// accepts the raw first input as its state.
			pg.Value = copyIntoArena(args[0], t.TransType, arena)
			pg.IsNull = false
			pg.NoTransValue = false
			return nil
		}
		if pg.IsNull {
			// A previous strict-function null return made the state
			// sticky; it never un-nulls.
			return nil
		}
	}

	result, err := t.TransFn(pg.Value, args)
	if err != nil {
		return err
	}
	adopt(pg, result, t.TransType, arena)
	return nil
}

// CombineTransition runs combine-mode transition: merging an already-
// partially-aggregated state into a group's running state. The
// first-input initialization below is unconditional -- see DESIGN.md for
// why this path always initializes on first input rather than special-
// casing it away under spill/hash recursion.
func CombineTransition(t *PerTrans, pg *PerGroup, incoming TransValue, incomingIsNull bool, arena ArenaID) error {
	if incomingIsNull {
		if t.CombineStrict {
			// A null partial state contributes nothing; the running state
			// is left exactly as it was.
			return nil
		}
		if pg.NoTransValue {
			// No real value has arrived yet on either side; stay fresh
			// rather than adopting the null as if it were real data.
			return nil
		}
		// Non-strict combine functions here are already written to treat
		// a zero-valued TransValue as an empty/no-op contribution (see
		// avgState.stateOrZero and array_agg's nil-Ref handling), so the
		// substitution below reaches CombineFn as an identity element.
		incoming = TransValue{}
	}

	val := incoming
	if t.DeserializeFn != nil {
		if raw, ok := incoming.Ref.([]byte); ok {
			dv, err := t.DeserializeFn(raw)
			if err != nil {
				return err
			}
			val = dv
		}
	}

	if pg.NoTransValue {
		pg.Value = copyIntoArena(refOf(val), t.TransType, arena)
		pg.IsNull = false
		pg.NoTransValue = false
		return nil
	}

	merged, err := t.CombineFn(pg.Value, val)
	if err != nil {
		return err
	}
	adopt(pg, merged, t.TransType, arena)
	return nil
}

// adopt applies the by-reference result-adoption rules:
//
//   - by-value transtype: just assign.
//   - by-reference: if the result is literally the same ref as before, or
//     an Owned value whose arena already matches, adopt without copy (and
//     never "free" the old value -- it is the same value, or the old
//     value's arena reclaims it on reset). Otherwise datum-copy into the
//     grouping-set arena.
func adopt(pg *PerGroup, result TransValue, transType types.Type, arena ArenaID) {
	pg.NoTransValue = false
	if transType.ByValue() {
		pg.Value = result
		pg.IsNull = false
		return
	}
	if result.SameRef(pg.Value) || result.OwnedByArena(arena) {
		pg.Value = result
		pg.IsNull = false
		return
	}
	pg.Value = copyIntoArena(result.Ref, transType, arena)
	pg.IsNull = false
}

func copyIntoArena(v any, transType types.Type, arena ArenaID) TransValue {
	if transType.ByValue() {
		return literalTransValue(v)
	}
	return TransValue{Kind: Owned, Arena: arena, Ref: deepCopy(v)}
}

func refOf(t TransValue) any {
	if t.Kind == ByVal {
		return t.Bits
	}
	return t.Ref
}

// deepCopy is the by-reference datum-copy primitive. The CORE's transition
// states are plain Go values (slices, structs) rather than C datums, so a
// shallow value copy plus an explicit slice clone is sufficient; there is
// no manual memory image to duplicate.
func deepCopy(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	case []any:
		return append([]any(nil), x...)
	default:
		return v
	}
}

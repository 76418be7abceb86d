package aggexec

import (
	"encoding/binary"
	"math"

	"github.com/aggcore/aggexec/types"
)

// This file is the builtin aggregate registry: SUM/COUNT/AVG/MIN/MAX/
// ANY_VALUE/ARRAY_AGG, each expressed as a TransFn/CombineFn/SerializeFn/
// DeserializeFn/FinalFn bundle. Every aggregate here uses the same boxed
// `any` TransValue shape so the transition driver dispatches uniformly
// regardless of aggregate identity, rather than needing one code path per
// instantiated type.

// NewSum builds the PerTrans for sum(x) over a float64-valued column.
// Strict, by-value transtype; a run of nulls never produces a non-null
// state -- it relies on the strict-with-null-initval shortcut in
// AdvanceTransition.
func NewSum() *PerTrans {
	return &PerTrans{
		Name:          "sum",
		IsStrict:      true,
		CombineStrict: true,
		TransType:     types.New(types.TFloat64, 8, 0),
		InitIsNull: true,
		TransFn: func(state TransValue, args []any) (TransValue, error) {
			prev := math.Float64frombits(state.Bits)
			next := prev + args[0].(float64)
			return TransValue{Kind: ByVal, Bits: math.Float64bits(next)}, nil
		},
		CombineFn: func(a, b TransValue) (TransValue, error) {
			sum := math.Float64frombits(a.Bits) + math.Float64frombits(b.Bits)
			return TransValue{Kind: ByVal, Bits: math.Float64bits(sum)}, nil
		},
	}
}

func SumFinal() FinalFunc {
	return func(state TransValue, isNull bool, _ []any) (any, bool, error) {
		if isNull {
			return nil, true, nil
		}
		return math.Float64frombits(state.Bits), false, nil
	}
}

// NewCount builds the PerTrans for count(x) / count(*). Non-strict: a null
// argument simply isn't counted, it never suppresses the transition.
func NewCount(star bool) *PerTrans {
	return &PerTrans{
		Name:          "count",
		IsStrict:      false,
		CombineStrict: true,
		TransType:     types.New(types.TInt64, 8, 0),
		InitIsNull: false,
		InitValue:  int64(0),
		TransFn: func(state TransValue, args []any) (TransValue, error) {
			if !star && len(args) > 0 && args[0] == nil {
				return state, nil
			}
			return TransValue{Kind: ByVal, Bits: state.Bits + 1}, nil
		},
		CombineFn: func(a, b TransValue) (TransValue, error) {
			return TransValue{Kind: ByVal, Bits: a.Bits + b.Bits}, nil
		},
	}
}

func CountFinal() FinalFunc {
	return func(state TransValue, isNull bool, _ []any) (any, bool, error) {
		return int64(state.Bits), false, nil
	}
}

// avgState is AVG's internal ("TTuple") transition state: running sum
// plus running count, combined into a single struct rather than two
// separate transitions.
type avgState struct {
	Sum   float64
	Count int64
}

// NewAvg builds the PerTrans for avg(x): an internal transition type that
// must be serializable, since any internal-typed transition state needs
// both a serialize and a deserialize function to be eligible for spilling
// under memory pressure.
func NewAvg() *PerTrans {
	return &PerTrans{
		Name:       "avg",
		IsStrict:   true,
		TransType:  types.New(types.TTuple, 0, 0),
		InitIsNull: true,
		TransFn: func(state TransValue, args []any) (TransValue, error) {
			st := stateOrZero(state)
			st.Sum += args[0].(float64)
			st.Count++
			return TransValue{Kind: Owned, Ref: st}, nil
		},
		CombineFn: func(a, b TransValue) (TransValue, error) {
			sa, sb := stateOrZero(a), stateOrZero(b)
			return TransValue{Kind: Owned, Ref: avgState{Sum: sa.Sum + sb.Sum, Count: sa.Count + sb.Count}}, nil
		},
		SerializeFn: func(state TransValue) ([]byte, error) {
			st := stateOrZero(state)
			buf := make([]byte, 16)
			binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(st.Sum))
			binary.LittleEndian.PutUint64(buf[8:16], uint64(st.Count))
			return buf, nil
		},
		DeserializeFn: func(data []byte) (TransValue, error) {
			sum := math.Float64frombits(binary.LittleEndian.Uint64(data[0:8]))
			count := int64(binary.LittleEndian.Uint64(data[8:16]))
			return TransValue{Kind: Owned, Ref: avgState{Sum: sum, Count: count}}, nil
		},
		RequiresSerialize: true,
	}
}

func stateOrZero(t TransValue) avgState {
	if t.Kind == ByVal || t.Ref == nil {
		return avgState{}
	}
	if first, ok := t.Ref.(float64); ok {
		// AdvanceTransition's strict null-initval shortcut stores the
		// first input itself as the state: a one-row running sum.
		return avgState{Sum: first, Count: 1}
	}
	return t.Ref.(avgState)
}

func AvgFinal() FinalFunc {
	return func(state TransValue, isNull bool, _ []any) (any, bool, error) {
		if isNull {
			return nil, true, nil
		}
		st := stateOrZero(state)
		if st.Count == 0 {
			return nil, true, nil
		}
		return st.Sum / float64(st.Count), false, nil
	}
}

// NewMinMax builds the strict, by-value PerTrans shared by MIN and MAX;
// only the comparator differs between the two.
func NewMinMax(name string, less func(a, b float64) bool) *PerTrans {
	return &PerTrans{
		Name:          name,
		IsStrict:      true,
		CombineStrict: true,
		TransType:     types.New(types.TFloat64, 8, 0),
		InitIsNull: true,
		TransFn: func(state TransValue, args []any) (TransValue, error) {
			cur := math.Float64frombits(state.Bits)
			next := args[0].(float64)
			if less(next, cur) {
				return TransValue{Kind: ByVal, Bits: math.Float64bits(next)}, nil
			}
			return state, nil
		},
		CombineFn: func(a, b TransValue) (TransValue, error) {
			va, vb := math.Float64frombits(a.Bits), math.Float64frombits(b.Bits)
			if less(vb, va) {
				return b, nil
			}
			return a, nil
		},
	}
}

func MinMaxFinal() FinalFunc {
	return SumFinal() // same "unwrap the float64 bits" shape
}

// NewAnyValue builds the PerTrans for any_value(x): strict, by-value,
// with a null initial value so the strict-transfn shortcut in
// AdvanceTransition makes the *first* non-null input become the state
// without TransFn running. TransFn runs on every later non-null input and
// returns the state unchanged; combining two partial states keeps the
// first (CombineFn).
func NewAnyValue(transType types.Type) *PerTrans {
	return &PerTrans{
		Name:       "any_value",
		IsStrict:   true,
		TransType:  transType,
		InitIsNull: true,
		TransFn: func(state TransValue, args []any) (TransValue, error) {
			return state, nil // already set; keep the first value seen
		},
		CombineFn: func(a, b TransValue) (TransValue, error) {
			return a, nil
		},
	}
}

func AnyValueFinal() FinalFunc {
	return func(state TransValue, isNull bool, _ []any) (any, bool, error) {
		return refOf(state), isNull, nil
	}
}

// NewArrayAgg builds the array-building aggregate array_agg(x).
// Non-strict (nulls are collected, matching standard array_agg
// semantics) with an internal transition state. It has no SerializeFn or
// DeserializeFn, so engine.Validate rejects it in a plan that serializes
// partial states, and spill.BuildRecord fails on a group holding it.
func NewArrayAgg() *PerTrans {
	return &PerTrans{
		Name:       "array_agg",
		IsStrict:   false,
		TransType:  types.New(types.TTuple, 0, 0),
		InitIsNull: true,
		TransFn: func(state TransValue, args []any) (TransValue, error) {
			var cur []any
			if state.Ref != nil {
				cur = state.Ref.([]any)
			}
			cur = append(cur, args[0])
			return TransValue{Kind: Owned, Ref: cur}, nil
		},
		CombineFn: func(a, b TransValue) (TransValue, error) {
			var ca, cb []any
			if a.Ref != nil {
				ca = a.Ref.([]any)
			}
			if b.Ref != nil {
				cb = b.Ref.([]any)
			}
			return TransValue{Kind: Owned, Ref: append(append([]any(nil), ca...), cb...)}, nil
		},
		RequiresSerialize: true,
	}
}

func ArrayAggFinal() FinalFunc {
	return func(state TransValue, isNull bool, _ []any) (any, bool, error) {
		if state.Ref == nil {
			return []any{}, false, nil
		}
		return state.Ref.([]any), false, nil
	}
}

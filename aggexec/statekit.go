package aggexec

import (
	"fmt"
	"math"

	"github.com/aggcore/aggexec/moerr"
	"github.com/aggcore/aggexec/types"
)

// TransFunc is the regular (non-combine) transition function: given the
// prior state and one row's already-evaluated argument values, produce the
// next state. Strictness is enforced by the caller (the transition
// driver) -- the function itself is only ever invoked on a non-strict
// call or with all-non-null arguments.
type TransFunc func(state TransValue, args []any) (TransValue, error)

// CombineFunc merges two transition states of the same aggregate.
type CombineFunc func(state, other TransValue) (TransValue, error)

// SerializeFunc/DeserializeFunc convert an opaque Owned transition value to
// and from a portable byte image, used by the spill engine's record
// payload.
type SerializeFunc func(state TransValue) ([]byte, error)
type DeserializeFunc func(data []byte) (TransValue, error)

// FinalFunc computes an aggregate's result from its finished transition
// value plus any direct arguments.
type FinalFunc func(state TransValue, isNull bool, directArgs []any) (any, bool, error)

// SortColumn describes one column of a PerTrans's DISTINCT/ORDER BY
// specification.
type SortColumn struct {
	Desc       bool
	NullsFirst bool
	Collation  int
}

// PerTrans is one transition-state descriptor. Multiple PerAgg may share
// one PerTrans -- represented by index into a flat vector rather than by
// duplicating the descriptor.
type PerTrans struct {
	Name string

	TransFn       TransFunc
	CombineFn     CombineFunc
	SerializeFn   SerializeFunc
	DeserializeFn DeserializeFunc

	IsStrict       bool
	// CombineStrict makes CombineTransition skip a null incoming state
	// entirely (leaving the running state untouched) instead of treating
	// it as an identity element fed to CombineFn. Only a TransType whose
	// Oid isn't types.TTuple may set this -- a combinefn over opaque
	// "internal" transition state must stay non-strict, enforced by
	// AddAggregate.
	CombineStrict bool
	Collation      int
	TransType      types.Type
	InputTypes     []types.Type
	InitValue      any
	InitIsNull     bool

	// NumSortCols/NumDistinctCols/SortCols describe the DISTINCT/ORDER BY
	// pre-processing step; zero NumSortCols means the aggregate has
	// neither and transitions are applied directly.
	NumSortCols     int
	NumDistinctCols int
	SortCols        []SortColumn

	// NumTransInputs is how many leading columns of the combined
	// projection are checked for the strict-suppression rule: if transfn
	// is strict, suppress pushes whose leading numTransInputs columns
	// contain a null.
	NumTransInputs int

	// ArgOffset is this PerTrans's starting column in the combined
	// evaluation slot built by the state kit.
	ArgOffset int

	// NumArgCols is the width this PerTrans occupies in the combined
	// projection, set by AddAggregate the first time this PerTrans is
	// registered.
	NumArgCols int

	// RequiresSerialize records whether a SERIALIZE-mode plan needs this
	// PerTrans's SerializeFn.
	RequiresSerialize bool
}

// identity is the equality key used for PerTrans dedup:
// "transition-function identity, transition type, serialize/deserialize
// identities, and initial value (with null-equals-null) all match".
type transIdentity struct {
	fnName        string
	transType     types.Type
	serialName    string
	deserialName  string
	initIsNull    bool
	initValueRepr string
}

func (t *PerTrans) identity() transIdentity {
	serialName, deserialName := "", ""
	if t.SerializeFn != nil {
		serialName = t.Name + "#serialize"
	}
	if t.DeserializeFn != nil {
		deserialName = t.Name + "#deserialize"
	}
	return transIdentity{
		fnName:        t.Name,
		transType:     t.TransType,
		serialName:    serialName,
		deserialName:  deserialName,
		initIsNull:    t.InitIsNull,
		initValueRepr: fmt.Sprintf("%v", t.InitValue),
	}
}

// PerAgg is one aggregate-call descriptor.
type PerAgg struct {
	Name string

	TransNo int // index into StateKit.Trans

	FinalFn      FinalFunc
	NumFinalArgs int
	// FinalStrict, when set, makes FinalizeDriver.Finalize emit a null
	// result without invoking FinalFn at all if any of the direct
	// arguments it is handed is null -- the finalize-time analogue of
	// PerTrans.IsStrict. No builtin here sets it (every FinalFunc either
	// takes no direct arguments or hand-rolls its own null check), but an
	// ordered-set aggregate (e.g. percentile_cont) with a genuinely strict
	// finalfn would.
	FinalStrict bool
	ResultType  types.Type

	// callIdentity fields determine when two aggregate calls can share one
	// PerAgg slot: collation, declared transition type, variadic-ness,
	// kind, direct-arguments, arguments, order-by clause, distinct clause,
	// filter expression, aggregate function identity, result type, and
	// result collation must all compare equal, and the call must contain
	// no volatile function.
	Collation   int
	Variadic    bool
	OrderedSet  bool
	ArgSig      string // serialized argument-expression signature
	FilterSig   string
	DistinctSig string
	OrderBySig  string
	Volatile    bool
}

func (a *PerAgg) callIdentity(transType types.Type) string {
	return fmt.Sprintf("%s|%d|%v|%v|%s|%s|%s|%s|%v|%d",
		a.Name, a.Collation, a.Variadic, a.OrderedSet, a.ArgSig, a.FilterSig,
		a.DistinctSig, a.OrderBySig, a.ResultType, int(transType.Oid))
}

// StateKit owns every PerTrans/PerAgg for one Agg plan node and builds the
// combined input projection.
type StateKit struct {
	Trans []*PerTrans
	Aggs  []*PerAgg

	// ProjLen is the width of the combined evaluation slot every PerTrans
	// shares an offset into.
	ProjLen int

	transByIdentity map[transIdentity]int
	aggByIdentity   map[string]int
}

func NewStateKit() *StateKit {
	return &StateKit{
		transByIdentity: make(map[transIdentity]int),
		aggByIdentity:   make(map[string]int),
	}
}

// AddAggregate registers one aggregate call site, deduplicating against
// any existing PerAgg/PerTrans per the equality rules above, and returns
// the (possibly shared) PerAgg index.
//
// numArgCols is the width this call's argument expressions occupy in the
// combined projection -- a single projection covering every aggregate's
// argument expressions concatenated in transition order. The caller is
// responsible for having evaluated those expressions into the next
// numArgCols slots.
func (k *StateKit) AddAggregate(trans *PerTrans, agg *PerAgg, numArgCols int) (int, error) {
	if trans.CombineFn != nil && trans.TransType.Oid == types.TTuple && trans.CombineStrict {
		// A combinefn over opaque "internal" transition states must not
		// be strict; if a catalog claims it is, refuse.
		return 0, moerr.InvalidFunctionDefinition(
			"combine function for %q over internal transition state must not be strict", trans.Name)
	}

	transNo, ok := k.transByIdentity[trans.identity()]
	if !ok {
		transNo = len(k.Trans)
		trans.ArgOffset = k.ProjLen
		trans.NumArgCols = numArgCols
		k.Trans = append(k.Trans, trans)
		k.transByIdentity[trans.identity()] = transNo
		k.ProjLen += numArgCols
	}

	agg.TransNo = transNo
	identity := agg.callIdentity(k.Trans[transNo].TransType)
	if !agg.Volatile {
		if existing, ok := k.aggByIdentity[identity]; ok {
			return existing, nil
		}
	}

	aggNo := len(k.Aggs)
	k.Aggs = append(k.Aggs, agg)
	if !agg.Volatile {
		k.aggByIdentity[identity] = aggNo
	}
	return aggNo, nil
}

// NewPerGroup allocates a fresh zero-valued PerGroup array, one slot per
// PerTrans. NoTransValue starts equal to IsNull; both clear to false
// together on the group's first non-null input.
func (k *StateKit) NewPerGroup() []PerGroup {
	pg := make([]PerGroup, len(k.Trans))
	for i, t := range k.Trans {
		pg[i] = PerGroup{
			Value:        ByValOf(0),
			IsNull:       t.InitIsNull,
			NoTransValue: t.InitIsNull,
		}
		if !t.InitIsNull {
			pg[i].Value = literalTransValue(t.InitValue)
		}
	}
	return pg
}

// PerGroup is the per-(group,transition) working state.
type PerGroup struct {
	Value        TransValue
	IsNull       bool
	NoTransValue bool
}

func ByValOf(bits uint64) TransValue { return TransValue{Kind: ByVal, Bits: bits} }

func literalTransValue(v any) TransValue {
	switch x := v.(type) {
	case int64:
		return TransValue{Kind: ByVal, Bits: uint64(x)}
	case uint64:
		return TransValue{Kind: ByVal, Bits: x}
	case float64:
		return TransValue{Kind: ByVal, Bits: math.Float64bits(x)}
	default:
		return TransValue{Kind: Owned, Ref: v}
	}
}

// Package aggexec is the state kit: PerTrans/PerAgg/PerGroup descriptors,
// the builtin transition/combine/serialize/deserialize function registry,
// and the dedup logic that lets multiple aggregate calls share one
// transition state.
package aggexec

// Kind distinguishes the three ways a transition value can be held.
// Ownership is always expressed through this tagged union plus an arena
// identity token; raw pointers are never aliased across arenas.
type Kind uint8

const (
	ByVal Kind = iota
	Borrowed
	Owned
)

// ArenaID identifies an owning arena without exposing a pointer into it;
// equality of ArenaID is how a transition-advance step decides whether a
// returned by-reference result can be adopted in place.
type ArenaID uintptr

// TransValue is the opaque per-(group,transition) value. By-value payloads
// live inline in Bits; by-reference payloads (Borrowed or Owned) carry a
// Go value in Ref plus the arena that owns it.
type TransValue struct {
	Kind  Kind
	Bits  uint64 // valid when Kind == ByVal
	Arena ArenaID
	Ref   any // valid when Kind == Borrowed or Owned
}

// SameRef reports whether two transition values point at the identical
// by-reference payload, in which case the caller can adopt the result
// without a copy.
func (t TransValue) SameRef(o TransValue) bool {
	if t.Kind == ByVal || o.Kind == ByVal {
		return false
	}
	return t.Ref == o.Ref
}

// OwnedByArena reports whether a by-reference value is an Owned value
// whose parent arena matches `arena` -- the other adopt-without-copy case,
// where the result is already a read-write object the group's own arena
// owns.
func (t TransValue) OwnedByArena(arena ArenaID) bool {
	return t.Kind == Owned && t.Arena == arena
}

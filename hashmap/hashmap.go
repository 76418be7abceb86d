// Package hashmap implements the hash tables that back a grouping hash
// table: IntHashMap for fixed-width keys that fit in a machine word,
// StrHashMap for everything else.
package hashmap

import (
	"encoding/binary"

	"github.com/aggcore/aggexec/vector"
)

// UnitLimit is the batch size the hash table is probed/inserted in.
const UnitLimit = 256

// HashMap is the common interface a grouping hash table programs against.
type HashMap interface {
	GroupCount() uint64
	NewIterator() Iterator
	Free()
	PreAlloc(n uint64) error
}

// Iterator batches key materialization + probe/insert, returning a
// 1-based group id per row (this engine never emits 0, since every row
// produces or finds a group).
type Iterator interface {
	// Insert returns, per input row in [offset, offset+n), the 1-based
	// group id the row's key maps to, plus the count of *newly inserted*
	// distinct keys in this call.
	Insert(offset, n int, vecs []*vector.Vector) (vals []uint64, newKeys int, err error)
}

// entry-composition: this engine composes a comparable Go map key from the
// row's key-column bytes rather than a raw open-addressed probe sequence
// over a flat byte array. A Go map already gives exact equality with no
// collision chain to hand-roll; the cost is giving up manual control of
// load factor, which correctness here does not depend on -- only
// UnitLimit-sized batching and GroupCount() monotonicity matter to callers.
type keyFunc func(vecs []*vector.Vector, row int) (string, bool)

type baseMap struct {
	keyNullable bool
	index       map[string]uint64 // composite key -> 1-based group id
	order       []string
	mk          keyFunc
}

func (b *baseMap) GroupCount() uint64 { return uint64(len(b.order)) }

func (b *baseMap) PreAlloc(n uint64) error {
	if b.index == nil {
		b.index = make(map[string]uint64, n)
	}
	return nil
}

func (b *baseMap) Free() {
	b.index = nil
	b.order = nil
}

type baseIterator struct {
	m *baseMap
}

func (it *baseIterator) Insert(offset, n int, vecs []*vector.Vector) ([]uint64, int, error) {
	vals := make([]uint64, n)
	newKeys := 0
	for i := 0; i < n; i++ {
		key, allNull := it.m.mk(vecs, offset+i)
		if allNull && !it.m.keyNullable {
			vals[i] = 0
			continue
		}
		if id, ok := it.m.index[key]; ok {
			vals[i] = id
			continue
		}
		id := uint64(len(it.m.order) + 1)
		it.m.index[key] = id
		it.m.order = append(it.m.order, key)
		vals[i] = id
		newKeys++
	}
	return vals, newKeys, nil
}

// IntHashMap keys on fixed-width columns whose combined width fits inline.
type IntHashMap struct{ baseMap }

func NewIntHashMap(keyNullable bool, args ...any) (*IntHashMap, error) {
	h := &IntHashMap{baseMap{keyNullable: keyNullable, index: make(map[string]uint64)}}
	h.mk = fixedKey
	return h, nil
}

func (h *IntHashMap) NewIterator() Iterator { return &baseIterator{&h.baseMap} }

func fixedKey(vecs []*vector.Vector, row int) (string, bool) {
	buf := make([]byte, 0, 8*len(vecs))
	allNull := true
	for _, v := range vecs {
		val, isNull := v.GetAny(row)
		if isNull {
			buf = append(buf, 0)
			continue
		}
		allNull = false
		buf = append(buf, 1)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], toUint64(val))
		buf = append(buf, tmp[:]...)
	}
	return string(buf), allNull
}

func toUint64(v any) uint64 {
	switch x := v.(type) {
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case int64:
		return uint64(x)
	case string:
		var h uint64 = 1469598103934665603
		for i := 0; i < len(x); i++ {
			h ^= uint64(x[i])
			h *= 1099511628211
		}
		return h
	default:
		return 0
	}
}

// StrHashMap keys on variable-width columns, used by default once the
// composite key width exceeds the inline threshold.
type StrHashMap struct{ baseMap }

func NewStrMap(keyNullable bool, args ...any) (*StrHashMap, error) {
	h := &StrHashMap{baseMap{keyNullable: keyNullable, index: make(map[string]uint64)}}
	h.mk = strKey
	return h, nil
}

func (h *StrHashMap) NewIterator() Iterator { return &baseIterator{&h.baseMap} }

func strKey(vecs []*vector.Vector, row int) (string, bool) {
	buf := make([]byte, 0, 32)
	allNull := true
	for _, v := range vecs {
		val, isNull := v.GetAny(row)
		if isNull {
			buf = append(buf, 0)
			continue
		}
		allNull = false
		buf = append(buf, 1)
		switch s := val.(type) {
		case string:
			buf = append(buf, s...)
		default:
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], toUint64(val))
			buf = append(buf, tmp[:]...)
		}
		buf = append(buf, 0xff)
	}
	return string(buf), allNull
}

// IteratorChangeOwner rebinds an iterator to a freshly (re)built hash map.
func IteratorChangeOwner(it Iterator, h HashMap) Iterator {
	switch m := h.(type) {
	case *IntHashMap:
		return &baseIterator{&m.baseMap}
	case *StrHashMap:
		return &baseIterator{&m.baseMap}
	}
	return it
}

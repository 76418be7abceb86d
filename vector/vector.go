// Package vector implements a columnar vector with a roaring-bitmap null
// mask, the engine's unit of per-column storage.
package vector

import (
	"unsafe"

	"github.com/RoaringBitmap/roaring"

	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/types"
)

// Vector is a single column: a typed, null-aware, appendable array. Two
// storage shapes are supported: a fixed-width byte backing array for
// by-value scalar types, and a string slice for TVarchar. There is no
// off-heap/mmap storage path -- the engine has no use for it.
type Vector struct {
	typ    types.Type
	length int
	nulls  *roaring.Bitmap
	fixed  []byte   // present when typ.ByValue()
	strs   []string // present when typ.Oid == TVarchar
	width  int
	isConst bool
}

func New(typ types.Type) *Vector {
	w := typ.FixedLength()
	return &Vector{typ: typ, nulls: roaring.New(), width: maxInt(w, 0)}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (v *Vector) GetType() *types.Type { return &v.typ }
func (v *Vector) Length() int          { return v.length }
func (v *Vector) GetNulls() *roaring.Bitmap { return v.nulls }
func (v *Vector) IsConst() bool        { return v.isConst }
func (v *Vector) SetConst(b bool)      { v.isConst = b }

func (v *Vector) IsNull(row int) bool {
	return v.nulls.Contains(uint32(row))
}

func (v *Vector) SetNull(row int) {
	v.nulls.Add(uint32(row))
}

// Append adds one row. val is ignored (treated as null) when isNull is true.
func (v *Vector) Append(val any, isNull bool, mp *mpool.Pool) {
	row := v.length
	v.length++
	if v.typ.Oid == types.TVarchar {
		if isNull {
			v.strs = append(v.strs, "")
		} else {
			v.strs = append(v.strs, val.(string))
		}
	} else {
		need := (row + 1) * v.width
		for len(v.fixed) < need {
			v.fixed = append(v.fixed, 0)
		}
		if !isNull {
			putFixed(v.fixed[row*v.width:need], v.width, val)
		}
	}
	if isNull {
		v.nulls.Add(uint32(row))
	}
	if mp != nil {
		mp.Alloc(v.width)
	}
}

func putFixed(dst []byte, width int, val any) {
	switch width {
	case 1:
		dst[0] = toByte(val)
	case 2:
		u := uint16(toInt64(val))
		dst[0], dst[1] = byte(u), byte(u>>8)
	case 4:
		u := uint32(toInt64(val))
		for i := 0; i < 4; i++ {
			dst[i] = byte(u >> (8 * i))
		}
	case 8:
		u := toUint64Bits(val)
		for i := 0; i < 8; i++ {
			dst[i] = byte(u >> (8 * i))
		}
	}
}

func toByte(v any) byte {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return byte(toInt64(v))
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return 0
	}
}

func toUint64Bits(v any) uint64 {
	switch x := v.(type) {
	case float64:
		return *(*uint64)(unsafe.Pointer(&x))
	case float32:
		f := float64(x)
		return *(*uint64)(unsafe.Pointer(&f))
	case uint64:
		return x
	case int64:
		return uint64(x)
	default:
		return uint64(toInt64(v))
	}
}

// MustFixedCol reinterprets the vector's raw byte backing as a []T slice.
func MustFixedCol[T any](v *Vector) []T {
	if v.width == 0 || len(v.fixed) == 0 {
		return nil
	}
	n := v.length
	return unsafe.Slice((*T)(unsafe.Pointer(&v.fixed[0])), n)
}

// MustStrCol returns the string column backing a TVarchar vector.
func MustStrCol(v *Vector) []string { return v.strs }

// GetAny returns the row value boxed as any, honoring the null mask.
func (v *Vector) GetAny(row int) (any, bool) {
	if v.IsNull(row) {
		return nil, true
	}
	if v.typ.Oid == types.TVarchar {
		return v.strs[row], false
	}
	switch v.width {
	case 1:
		return v.fixed[row], false
	case 2:
		return MustFixedCol[uint16](v)[row], false
	case 4:
		return MustFixedCol[uint32](v)[row], false
	case 8:
		return MustFixedCol[uint64](v)[row], false
	}
	return nil, false
}

// Dup returns a deep copy, used before an in-place sort permutes a
// vector that is shared with the input batch.
func (v *Vector) Dup(mp *mpool.Pool) (*Vector, error) {
	nv := &Vector{typ: v.typ, length: v.length, width: v.width, nulls: v.nulls.Clone()}
	nv.fixed = append([]byte(nil), v.fixed...)
	nv.strs = append([]string(nil), v.strs...)
	if mp != nil {
		mp.Alloc(len(nv.fixed))
	}
	return nv, nil
}

// UnionOne appends row `src` of vector `from` onto v -- materializing a
// hash slot by copying the needed columns from the input row.
func (v *Vector) UnionOne(from *Vector, src int, mp *mpool.Pool) error {
	val, isNull := from.GetAny(src)
	v.Append(val, isNull, mp)
	return nil
}

// UnionBatch appends a run of rows from `from` starting at offset, gated by
// a per-row selection mask (1 = include).
func (v *Vector) UnionBatch(from *Vector, offset int64, cnt int, sel []uint8, mp *mpool.Pool) error {
	added := 0
	for i := 0; added < cnt && int(offset)+i < from.length; i++ {
		if i < len(sel) && sel[i] == 0 {
			continue
		}
		if err := v.UnionOne(from, int(offset)+i, mp); err != nil {
			return err
		}
		added++
	}
	return nil
}

// Shuffle permutes rows into the order given by sels, used by the sort
// driver when materializing a sorted run.
func (v *Vector) Shuffle(sels []int64, mp *mpool.Pool) (*Vector, error) {
	nv := New(v.typ)
	for _, s := range sels {
		val, isNull := v.GetAny(int(s))
		nv.Append(val, isNull, mp)
	}
	return nv, nil
}

package group

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeSortKey packs a row's leading sort-column values into bytes whose
// lexicographic order matches the values' natural order, for the scalar
// types this engine's builtin aggregates operate over. Strings are
// length-prefixed so a shorter prefix never collates ahead of a longer
// string sharing that prefix.
func encodeSortKey(vals []any) []byte {
	buf := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		switch x := v.(type) {
		case int64:
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], uint64(x)^(1<<63)) // flip sign bit for order-preserving two's complement
			buf = append(buf, tmp[:]...)
		case float64:
			bits := math.Float64bits(x)
			if x < 0 {
				bits = ^bits
			} else {
				bits ^= 1 << 63
			}
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], bits)
			buf = append(buf, tmp[:]...)
		case string:
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(x)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, x...)
		case nil:
			buf = append(buf, 0)
		default:
			buf = append(buf, []byte(fmt.Sprint(x))...)
		}
	}
	return buf
}

// encodeRowPayload is the opaque value handed back out of a sort run for
// multi-column DISTINCT/ORDER-BY; it is never compared, only decoded on
// the way back out, so a simple value slice is sufficient.
func encodeRowPayload(args []any) any {
	cp := make([]any, len(args))
	copy(cp, args)
	return cp
}

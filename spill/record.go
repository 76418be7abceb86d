package spill

import (
	"bytes"
	"encoding/gob"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/moerr"
)

func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]byte(nil))
}

type wireRecord struct {
	HashKey uint32
	Rep     []any
	States  [][]byte
	Nulls   []bool
}

func marshalRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	w := wireRecord{HashKey: rec.HashKey, Rep: rec.Rep, States: rec.States, Nulls: rec.Nulls}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, moerr.IOErrorf(err, "encode spill record")
	}
	return buf.Bytes(), nil
}

func unmarshalRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return Record{}, moerr.DataCorrupted("decode spill record: %v", err)
	}
	return Record{HashKey: w.HashKey, Rep: w.Rep, States: w.States, Nulls: w.Nulls}, nil
}

// BuildRecord serializes one resident group's transition state for the
// write side. Every PerTrans must carry a SerializeFn for its state to
// survive a spill -- the StateKit construction step is expected to have
// already rejected a plan where RequiresSerialize is set without one.
func BuildRecord(kit *aggexec.StateKit, hashKey uint32, rep []any, pg []aggexec.PerGroup) (Record, error) {
	states := make([][]byte, len(kit.Trans))
	nulls := make([]bool, len(kit.Trans))
	for i, t := range kit.Trans {
		nulls[i] = pg[i].IsNull
		if pg[i].IsNull {
			continue
		}
		if t.SerializeFn != nil {
			blob, err := t.SerializeFn(pg[i].Value)
			if err != nil {
				return Record{}, err
			}
			states[i] = blob
			continue
		}
		if t.TransType.ByValue() {
			states[i] = encodeByVal(pg[i].Value.Bits)
			continue
		}
		return Record{}, moerr.Internalf("transition %q has no serializefn for a by-reference state", t.Name)
	}
	return Record{HashKey: hashKey, Rep: rep, States: states, Nulls: nulls}, nil
}

func encodeByVal(bits uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
	return buf
}

func decodeByVal(buf []byte) uint64 {
	var bits uint64
	for i := 0; i < 8 && i < len(buf); i++ {
		bits |= uint64(buf[i]) << (8 * i)
	}
	return bits
}

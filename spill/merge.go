package spill

import (
	"github.com/aggcore/aggexec/aggexec"
)

// HashTable is the minimal surface ReadAndMerge needs from a resident
// grouping hash table: probe-or-insert by opaque key, returning a fresh
// PerGroup array on miss.
type HashTable interface {
	ProbeOrInsert(key []byte) (pg []aggexec.PerGroup, isNew bool)
}

// ReadAndMerge drains one partition's spilled records into a resident
// hash table: a probe hit combines the record's per-trans state into the
// existing group; a miss deserializes the record directly as the new
// group's initial state, skipping the combine function entirely (there is
// nothing to combine with yet). Records whose combine overflows the
// table's budget again are returned for the caller to re-partition via
// Manager.Recurse.
func ReadAndMerge(kit *aggexec.StateKit, ht HashTable, records []Record, arena aggexec.ArenaID, budgetExceeded func() bool) (overflow []Record, err error) {
	for _, rec := range records {
		key := keyOf(rec.HashKey)
		pg, isNew := ht.ProbeOrInsert(key)
		if err := mergeInto(kit, pg, rec, isNew, arena); err != nil {
			return nil, err
		}
		if budgetExceeded != nil && budgetExceeded() {
			overflow = append(overflow, rec)
		}
	}
	return overflow, nil
}

func keyOf(hashKey uint32) []byte {
	return []byte{byte(hashKey), byte(hashKey >> 8), byte(hashKey >> 16), byte(hashKey >> 24)}
}

func mergeInto(kit *aggexec.StateKit, pg []aggexec.PerGroup, rec Record, isNew bool, arena aggexec.ArenaID) error {
	for i, t := range kit.Trans {
		if rec.Nulls[i] {
			continue
		}
		incoming, err := decodeState(t, rec.States[i])
		if err != nil {
			return err
		}
		if isNew {
			pg[i].Value = incoming
			pg[i].IsNull = false
			pg[i].NoTransValue = false
			continue
		}
		if err := aggexec.CombineTransition(t, &pg[i], incoming, false, arena); err != nil {
			return err
		}
	}
	return nil
}

func decodeState(t *aggexec.PerTrans, blob []byte) (aggexec.TransValue, error) {
	if t.DeserializeFn != nil {
		return t.DeserializeFn(blob)
	}
	return aggexec.ByValOf(decodeByVal(blob)), nil
}

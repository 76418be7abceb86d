// Package sortdriver wraps an external sort used to materialize a
// DISTINCT/ORDER-BY column for one transition within one grouping set; no
// caller uses it to re-sort one phase's output for a later sorted phase.
// Small runs stay in an in-memory ordered tree; a run that grows past the
// configured budget spills to an ordered pebble store opened over an
// in-memory filesystem (vfs.NewMem, so nothing is written to disk) and
// merges back in on Next.
package sortdriver

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/btree"

	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/moerr"
)

// RowRef locates one row within one of the caller's retained batches and
// is registered as a spillable payload type; group's deferred sorts push a
// copied []any argument slice instead.
type RowRef struct {
	BatchSeq int64
	Row      int32
}

func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]byte(nil))
	gob.Register(RowRef{})
}

// Entry is one pushed value: either a single datum (numInputs==1 callers)
// or a packed multi-column sort key plus its associated row payload.
type Entry struct {
	Key     []byte // comparable sort key, already collated/encoded by the caller
	IsNull  bool
	Payload any // the row/datum the caller wants back out in sorted order

	// DistinctKey is the leading numTransInputs/numDistinctCols-column
	// prefix of Key used for the multi-column DISTINCT comparison; callers
	// that only need ORDER BY (numDistinctCols==0) leave it nil and call
	// DedupMulti with dedup=false (with dedup=true, nil keys compare equal).
	// It is not kept for an entry that went through the overflow store.
	DistinctKey []byte
}

type btreeItem struct {
	seq   uint64 // tiebreaker so duplicate keys keep push order (stable sort)
	entry Entry
}

func (a *btreeItem) Less(than btree.Item) bool {
	b := than.(*btreeItem)
	c := compareKeys(a.entry, b.entry)
	if c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

func compareKeys(a, b Entry) int {
	if a.IsNull != b.IsNull {
		if a.IsNull {
			return -1 // nulls sort first; FinalizeDriver callers never rely on last-nulls ordering
		}
		return 1
	}
	if a.IsNull {
		return 0
	}
	return bytes.Compare(a.Key, b.Key)
}

// Driver is one external-sort handle, scoped to a single (transition,
// grouping-set) pair for the life of one group.
type Driver struct {
	cfg      config.AggConfig
	tree     *btree.BTree
	seq      uint64
	sorted   bool
	iterPos  []*btreeItem
	iterNext int

	// spillDB is non-nil once the in-memory tree exceeds the configured
	// budget; entries already pushed are drained into it and the tree is
	// reset to empty, so Put never has to pay for re-inserting old data.
	spillDB   *pebble.DB
	spillSeq  uint64
	spillIter *pebble.Iterator
}

// New opens a sort handle. Its overflow store is only opened lazily, if
// the run outgrows cfg's in-memory budget.
func New(cfg config.AggConfig) *Driver {
	return &Driver{cfg: cfg, tree: btree.New(32)}
}

// Put pushes one entry into the sort. Valid only before PerformSort.
func (d *Driver) Put(e Entry) error {
	if d.sorted {
		return moerr.Internalf("sortdriver: Put called after PerformSort")
	}
	d.tree.ReplaceOrInsert(&btreeItem{seq: d.seq, entry: e})
	d.seq++
	if d.tree.Len() > int(d.cfg.NEntries(entrySizeEstimate(e))) && d.spillDB == nil {
		if err := d.spillToDisk(); err != nil {
			return err
		}
	} else if d.spillDB != nil && d.tree.Len() > 4096 {
		if err := d.drainTreeToSpill(); err != nil {
			return err
		}
	}
	return nil
}

func entrySizeEstimate(e Entry) int64 {
	return int64(len(e.Key)) + 64 // representative-payload overhead, conservative
}

// spillToDisk opens the backing store and moves every entry currently held
// in memory into it, keyed by (sortkey, seq) so iteration order matches the
// in-memory tree's.
func (d *Driver) spillToDisk() error {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return moerr.IOErrorf(err, "sortdriver: open overflow store")
	}
	d.spillDB = db
	return d.drainTreeToSpill()
}

func (d *Driver) drainTreeToSpill() error {
	batch := d.spillDB.NewBatch()
	var toRemove []btree.Item
	d.tree.Ascend(func(it btree.Item) bool {
		item := it.(*btreeItem)
		key := encodeSpillKey(item.entry, d.spillSeq)
		d.spillSeq++
		val := encodePayload(item.entry)
		if err := batch.Set(key, val, nil); err != nil {
			return false
		}
		toRemove = append(toRemove, it)
		return true
	})
	if err := batch.Commit(pebble.Sync); err != nil {
		return moerr.IOErrorf(err, "sortdriver: commit overflow batch")
	}
	for _, it := range toRemove {
		d.tree.Delete(it)
	}
	return nil
}

func encodeSpillKey(e Entry, seq uint64) []byte {
	var buf bytes.Buffer
	if e.IsNull {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
	}
	buf.Write(e.Key)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf.Write(seqBuf[:])
	return buf.Bytes()
}

func encodePayload(e Entry) []byte {
	return gobEncodePayload(e.Payload)
}

// PerformSort finalizes the run; after this call only Next may be used.
func (d *Driver) PerformSort() error {
	if d.sorted {
		return nil
	}
	d.sorted = true
	d.iterPos = make([]*btreeItem, 0, d.tree.Len())
	d.tree.Ascend(func(it btree.Item) bool {
		d.iterPos = append(d.iterPos, it.(*btreeItem))
		return true
	})
	sort.SliceStable(d.iterPos, func(i, j int) bool {
		return d.iterPos[i].Less(d.iterPos[j])
	})
	if d.spillDB != nil {
		iter, err := d.spillDB.NewIter(nil)
		if err != nil {
			return moerr.IOErrorf(err, "sortdriver: open overflow iterator")
		}
		iter.First()
		d.spillIter = iter
	}
	return nil
}

// Next returns the next entry in sorted order, merging the sorted in-memory
// tail with the spilled entries (pebble's own key ordering keeps the
// spilled portion sorted). On equal keys the spilled entry, which was
// pushed earlier, comes first.
func (d *Driver) Next() (Entry, bool, error) {
	if !d.sorted {
		return Entry{}, false, moerr.Internalf("sortdriver: Next called before PerformSort")
	}
	var spilled Entry
	haveSpilled := false
	if d.spillIter != nil && d.spillIter.Valid() {
		e, err := decodeSpillEntry(d.spillIter.Key(), d.spillIter.Value())
		if err != nil {
			return Entry{}, false, err
		}
		spilled, haveSpilled = e, true
	}
	haveMem := d.iterNext < len(d.iterPos)
	if haveSpilled && (!haveMem || compareKeys(spilled, d.iterPos[d.iterNext].entry) <= 0) {
		d.spillIter.Next()
		return spilled, true, nil
	}
	if !haveMem {
		return Entry{}, false, nil
	}
	e := d.iterPos[d.iterNext].entry
	d.iterNext++
	return e, true, nil
}

func decodeSpillEntry(key, val []byte) (Entry, error) {
	if len(key) < 9 {
		return Entry{}, moerr.DataCorrupted("sortdriver: malformed overflow key")
	}
	isNull := key[0] == 0
	sortKey := append([]byte(nil), key[1:len(key)-8]...)
	payload, err := gobDecodePayload(val)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: sortKey, IsNull: isNull, Payload: payload}, nil
}

// Close releases the overflow store, if one was opened.
func (d *Driver) Close() error {
	if d.spillIter != nil {
		_ = d.spillIter.Close()
		d.spillIter = nil
	}
	if d.spillDB != nil {
		err := d.spillDB.Close()
		d.spillDB = nil
		return err
	}
	return nil
}

// DedupSingle implements single-column DISTINCT/ORDER-BY materialization:
// it streams the sorted run, invoking push for every entry whose key
// differs from the immediately preceding one (or every entry, when dedup
// is false), tracking only the immediately preceding (key, isNull) pair.
func DedupSingle(d *Driver, dedup bool, push func(Entry) error) error {
	var prev Entry
	havePrev := false
	for {
		e, ok, err := d.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if dedup && havePrev && compareKeys(prev, e) == 0 {
			continue
		}
		if err := push(e); err != nil {
			return err
		}
		prev, havePrev = e, true
	}
}

// DedupMulti implements the multi-column DISTINCT/ORDER-BY path: it streams
// the sorted run, invoking push for every entry whose DistinctKey differs
// from the immediately preceding accepted entry's (push is always called
// when dedup is disabled). Only the single immediately-preceding entry is
// held aside, matching the swap-two-slots discipline of the algorithm this
// mirrors.
func DedupMulti(d *Driver, dedup bool, push func(Entry) error) error {
	var prev Entry
	havePrev := false
	for {
		e, ok, err := d.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if dedup && havePrev && bytes.Equal(prev.DistinctKey, e.DistinctKey) {
			continue
		}
		if err := push(e); err != nil {
			return err
		}
		prev, havePrev = e, true
	}
}

// gobEncodePayload/gobDecodePayload are the only place Entry.Payload
// is encoded for the overflow store; group pushes a []any argument slice,
// and spilling a sort is the rare path.
func gobEncodePayload(v any) []byte {
	var buf bytes.Buffer
	wrapped := payloadEnvelope{V: v}
	if err := gob.NewEncoder(&buf).Encode(&wrapped); err != nil {
		// Payload types are restricted to the ones registered in init();
		// an encode failure here means a caller pushed an unsupported type.
		panic(err)
	}
	return buf.Bytes()
}

func gobDecodePayload(data []byte) (any, error) {
	var wrapped payloadEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wrapped); err != nil {
		return nil, moerr.DataCorrupted("sortdriver: decode overflow payload: %v", err)
	}
	return wrapped.V, nil
}

type payloadEnvelope struct {
	V any
}

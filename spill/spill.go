// Package spill implements the hybrid hash-aggregation overflow path: once
// a grouping hash table outgrows its work-mem budget, the resident table
// is partitioned by hashkey into a pebble store opened over an in-memory
// filesystem (vfs.NewMem, so nothing is written to disk), and the read
// side streams partitions
// back in, combining on a hit or initializing a fresh group on a miss,
// recursively re-partitioning any partition that still doesn't fit.
package spill

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pierrec/lz4"

	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/logutil"
	"github.com/aggcore/aggexec/moerr"
)

// Record is one spilled group: its hashkey, the representative tuple
// (the group's first-seen row, re-materialized on read), and every
// PerTrans's transition value, serialized.
type Record struct {
	HashKey uint32
	Rep     []any
	States  [][]byte // one serialized blob per PerTrans, indexed like StateKit.Trans
	Nulls   []bool
}

// Manager owns one spill run: a set of partition files (here, key
// prefixes inside one pebble store) plus the bookkeeping needed to
// recursively re-partition a partition that overflows again.
type Manager struct {
	cfg   config.AggConfig
	db    *pebble.DB
	level int
	nfile int
	seq   map[uint32]uint64 // per-partition record sequence counter, for stable key ordering
}

// NewManager opens a fresh spill store. level/nfile describe this
// manager's place in the recursive re-partitioning tree: a first spill is
// level 0 with cfg.NBatches files; each re-partition increments level and
// grows nfile by one, per the write protocol below.
func NewManager(cfg config.AggConfig, level, nfile int) (*Manager, error) {
	db, err := pebble.Open(fmt.Sprintf("spill-L%d", level), &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, moerr.IOErrorf(err, "open spill store at level %d", level)
	}
	return &Manager{cfg: cfg, db: db, level: level, nfile: nfile, seq: make(map[uint32]uint64)}, nil
}

// partitionOf maps a hashkey to one of nfile partition files.
func (m *Manager) partitionOf(hashKey uint32) uint32 {
	return hashKey % uint32(m.nfile)
}

// Write partitions one finished hash table's resident groups into the store, one
// record per group, keyed by (partition, sequence) so Read streams each
// partition back out in write order.
func (m *Manager) Write(groups []Record) error {
	batch := m.db.NewBatch()
	for _, rec := range groups {
		part := m.partitionOf(rec.HashKey)
		seq := m.seq[part]
		m.seq[part] = seq + 1

		blob, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		key := encodeSpillKey(part, seq)
		if err := batch.Set(key, blob, nil); err != nil {
			return moerr.IOErrorf(err, "stage spill record")
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return moerr.IOErrorf(err, "commit spill partition at level %d", m.level)
	}
	logutil.Infof("spill: wrote %d records across %d partitions at level %d", len(groups), m.nfile, m.level)
	return nil
}

// ReadPartition streams back every record of one partition in write order.
func (m *Manager) ReadPartition(part uint32) ([]Record, error) {
	lo := encodeSpillKey(part, 0)
	hi := encodeSpillKey(part, ^uint64(0))
	it, err := m.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, moerr.IOErrorf(err, "open partition %d iterator", part)
	}
	defer it.Close()

	var out []Record
	for it.First(); it.Valid(); it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// NumPartitions reports how many partition files this manager spread
// groups across.
func (m *Manager) NumPartitions() int { return m.nfile }

// Recurse opens a child manager for re-partitioning one overflowing
// partition: level+1, one more partition file than the parent, per the
// write protocol's recursive re-partition rule.
func (m *Manager) Recurse() (*Manager, error) {
	return NewManager(m.cfg, m.level+1, m.nfile+1)
}

func (m *Manager) Close() error {
	return m.db.Close()
}

func encodeSpillKey(part uint32, seq uint64) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], part)
	binary.BigEndian.PutUint64(buf[4:12], seq)
	return buf
}

// encodeRecord serializes a record's header, representative tuple, and
// per-trans states, then lz4-compresses the whole payload -- the spilled
// blobs are produced and consumed in bulk, so compressing the fully
// assembled record (rather than each field independently) gets lz4's
// dictionary more repetition to work with.
func encodeRecord(rec Record) ([]byte, error) {
	raw, err := marshalRecord(rec)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, moerr.IOErrorf(err, "compress spill record")
	}
	if err := zw.Close(); err != nil {
		return nil, moerr.IOErrorf(err, "flush compressed spill record")
	}
	return buf.Bytes(), nil
}

func decodeRecord(blob []byte) (Record, error) {
	zr := lz4.NewReader(bytes.NewReader(blob))
	raw, err := io.ReadAll(zr)
	if err != nil {
		return Record{}, moerr.DataCorrupted("decompress spill record: %v", err)
	}
	return unmarshalRecord(raw)
}

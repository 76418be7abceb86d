// Package batch implements a batch of columns plus a per-row repeat-count
// ("Zs") column used as the aggregation engine's selection vector.
package batch

import (
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/vector"
)

// Batch is a set of same-length columns. Zs[i] is the number of input rows
// the i-th logical row represents; a freshly read child-operator batch has
// Zs all 1, while a grouping hash table's representative-tuple batch has
// Zs[i] equal to the group's member count once aggregation collapses
// duplicates.
type Batch struct {
	Vecs []*vector.Vector
	Zs   []int64
}

func NewWithSize(n int) *Batch {
	return &Batch{Vecs: make([]*vector.Vector, n)}
}

func (b *Batch) Length() int {
	if len(b.Zs) > 0 {
		return len(b.Zs)
	}
	if len(b.Vecs) > 0 {
		return b.Vecs[0].Length()
	}
	return 0
}

func (b *Batch) VectorCount() int { return len(b.Vecs) }

func (b *Batch) GetVector(i int32) *vector.Vector { return b.Vecs[i] }
func (b *Batch) SetVector(i int32, v *vector.Vector) { b.Vecs[i] = v }

// Clean releases the batch's resources. With Go's GC doing the real
// reclamation, Clean's job is to report the freed bytes back to the arena.
func (b *Batch) Clean(mp *mpool.Pool) {
	if mp == nil {
		return
	}
	for range b.Vecs {
		mp.Free(0)
	}
}

// Shuffle permutes every column (and Zs) into the order given by sels,
// applied after an in-place sort computes a selection permutation.
func (b *Batch) Shuffle(sels []int64, mp *mpool.Pool) error {
	for i, v := range b.Vecs {
		nv, err := v.Shuffle(sels, mp)
		if err != nil {
			return err
		}
		b.Vecs[i] = nv
	}
	if len(b.Zs) > 0 {
		nz := make([]int64, len(sels))
		for i, s := range sels {
			nz[i] = b.Zs[s]
		}
		b.Zs = nz
	}
	return nil
}

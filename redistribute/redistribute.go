// Package redistribute implements parallel-worker row redistribution: each
// input row is hashed on its grouping columns to a target worker, pushed
// into that worker's single-producer/single-consumer ring buffer, and
// spilled to its overflow store once the ring fills, so that rows sharing a grouping
// key always land on the same worker regardless of which worker produced
// them.
package redistribute

import (
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/moerr"
	"github.com/aggcore/aggexec/types"
)

// Row is one row routed through the redistributor: the grouping-key
// values (used for hashing) plus the row's full payload, opaque to this
// package.
type Row struct {
	Key     []any
	Payload any
}

// hashFunc hashes one key column's value into the running hash.
type hashFunc func(v any, acc uint64) uint64

// dispatch is the explicit per-type hash table: each scalar type gets its
// own combination step rather than a type-switch fallthrough, so adding a
// type is a table entry, not a new case clause buried in a big switch.
var dispatch = map[types.T]hashFunc{
	types.TBool:     hashBool,
	types.TInt8:     hashInt64,
	types.TInt16:    hashInt64,
	types.TInt32:    hashInt64,
	types.TInt64:    hashInt64,
	types.TUint8:    hashInt64,
	types.TUint16:   hashInt64,
	types.TUint32:   hashInt64,
	types.TUint64:   hashInt64,
	types.TFloat32:  hashFloat64,
	types.TFloat64:  hashFloat64,
	types.TVarchar:  hashString,
	types.TDecimal64: hashInt64,
}

const fnvOffset64 = 14695981039346656037
const fnvPrime64 = 1099511628211

func hashBool(v any, acc uint64) uint64 {
	if b, _ := v.(bool); b {
		return (acc ^ 1) * fnvPrime64
	}
	return (acc ^ 0) * fnvPrime64
}

func hashInt64(v any, acc uint64) uint64 {
	return (acc ^ uint64(toInt64(v))) * fnvPrime64
}

func hashFloat64(v any, acc uint64) uint64 {
	f, _ := v.(float64)
	return (acc ^ uint64(int64(f))) * fnvPrime64
}

func hashString(v any, acc uint64) uint64 {
	s, _ := v.(string)
	h := acc
	for i := 0; i < len(s); i++ {
		h = (h ^ uint64(s[i])) * fnvPrime64
	}
	return h
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

// HashKey hashes a row's key columns using the explicit per-type table.
// Every column here must be non-null: a null grouping key always routes
// to worker 0 (see Pool.Send), so HashKey itself never needs to decide
// what a null contributes to the hash.
func HashKey(key []any, colTypes []types.T) (uint64, error) {
	acc := uint64(fnvOffset64)
	for i, v := range key {
		if v == nil {
			return 0, moerr.Internalf("HashKey called with a null key column; callers must route null keys to worker 0")
		}
		fn, ok := dispatch[colTypes[i]]
		if !ok {
			return 0, moerr.Internalf("no hash function registered for column type %d", colTypes[i])
		}
		acc = fn(v, acc)
	}
	return acc, nil
}

// hasNullKey reports whether any of the row's key columns is null.
func hasNullKey(key []any) bool {
	for _, v := range key {
		if v == nil {
			return true
		}
	}
	return false
}

// RunID namespaces one redistribution run's ring buffers and overflow
// store so concurrent runs never collide.
type RunID string

func NewRunID() RunID { return RunID(uuid.NewString()) }

// Status is one worker's lifecycle state.
type Status int

const (
	StatusNone Status = iota
	StatusInit
	StatusProduceDone
	StatusConsumeDone
	StatusError
)

// Pool drives the fixed set of worker goroutines pulling from their own
// ring buffer, backed by a bounded ants.Pool so the number of concurrently
// running pull loops never exceeds the configured worker count.
type Pool struct {
	run     RunID
	cfg     config.AggConfig
	ants    *ants.Pool
	workers []*Worker
}

// NewPool creates nWorkers ring buffers and the bounded goroutine pool
// driving them.
func NewPool(cfg config.AggConfig, colTypes []types.T) (*Pool, error) {
	ap, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, moerr.Internalf("create worker pool: %v", err)
	}
	p := &Pool{run: NewRunID(), cfg: cfg, ants: ap}
	for i := 0; i < cfg.Workers; i++ {
		w, err := newWorker(p.run, i, cfg)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// TargetWorker maps a hash to one of the pool's workers.
func (p *Pool) TargetWorker(hash uint64) int {
	return int(hash % uint64(len(p.workers)))
}

// Send routes one row to its target worker's ring buffer, overflowing to
// the worker's overflow store if the ring is full. A row whose key has a null column always
// lands on worker 0, bypassing the hash entirely.
func (p *Pool) Send(row Row, colTypes []types.T) error {
	if hasNullKey(row.Key) {
		return p.workers[0].push(row)
	}
	hash, err := HashKey(row.Key, colTypes)
	if err != nil {
		return err
	}
	w := p.workers[p.TargetWorker(hash)]
	return w.push(row)
}

// CloseProducing marks every worker's input as finished: no more Send
// calls will arrive, so a worker whose ring and overflow are both drained
// can report ConsumeDone.
func (p *Pool) CloseProducing() {
	for _, w := range p.workers {
		w.closeProducing()
	}
}

// Drain runs fn over every row routed to worker i, in ring-then-overflow
// order, via the bounded goroutine pool.
func (p *Pool) Drain(i int, fn func(Row) error) error {
	done := make(chan error, 1)
	err := p.ants.Submit(func() {
		done <- p.workers[i].drain(fn)
	})
	if err != nil {
		return moerr.Internalf("submit drain for worker %d: %v", i, err)
	}
	return <-done
}

// Close releases every worker's ring/overflow resources and the
// underlying goroutine pool.
func (p *Pool) Close() error {
	p.ants.Release()
	var first error
	for _, w := range p.workers {
		if err := w.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WorkerCount reports how many workers this pool drives.
func (p *Pool) WorkerCount() int { return len(p.workers) }

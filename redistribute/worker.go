package redistribute

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/moerr"
)

func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]byte(nil))
	gob.Register([]any(nil))
}

// ringRowEstimate sizes the ring buffer's row capacity from the
// configured byte budget; it is a rough per-row estimate, not an exact
// accounting, since rows carry an opaque payload.
const ringRowEstimate = 128

// Worker is one redistribution target: a fixed-capacity SPSC ring buffer
// (a buffered channel, since Go's channel already gives the
// single-producer/single-consumer discipline this needs without a
// hand-rolled head/tail cursor) plus a pebble overflow store, opened over
// an in-memory filesystem, for rows that arrive while the ring is full.
type Worker struct {
	id   int
	ring chan Row

	mu          sync.Mutex
	overflow    *pebble.DB
	overflowSeq uint64
	producingDone bool
	status      Status
}

func newWorker(run RunID, id int, cfg config.AggConfig) (*Worker, error) {
	capacity := cfg.RingBufferBytes / ringRowEstimate
	if capacity <= 0 {
		capacity = 1
	}
	db, err := pebble.Open(fmt.Sprintf("redistribute-%s-w%d", run, id), &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, moerr.IOErrorf(err, "open overflow store for worker %d", id)
	}
	return &Worker{id: id, ring: make(chan Row, capacity), overflow: db, status: StatusInit}, nil
}

// push enqueues a row onto the ring buffer, spilling to the overflow
// store when the ring is at capacity rather than blocking the producer.
func (w *Worker) push(row Row) error {
	select {
	case w.ring <- row:
		return nil
	default:
	}
	return w.spill(row)
}

func (w *Worker) spill(row Row) error {
	w.mu.Lock()
	seq := w.overflowSeq
	w.overflowSeq++
	w.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(row); err != nil {
		return moerr.IOErrorf(err, "encode overflow row for worker %d", w.id)
	}
	if err := w.overflow.Set(encodeSeq(seq), buf.Bytes(), pebble.Sync); err != nil {
		return moerr.IOErrorf(err, "write overflow row for worker %d", w.id)
	}
	return nil
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// closeProducing marks that no further pushes will arrive for this
// worker; drain can then report ConsumeDone once both the ring and the
// overflow store run dry instead of waiting indefinitely.
func (w *Worker) closeProducing() {
	w.mu.Lock()
	w.producingDone = true
	w.mu.Unlock()
	close(w.ring)
}

// drain runs fn over every row this worker was sent, ring rows first (in
// arrival order) and then overflowed rows (in spill order), updating the
// worker's status as it goes.
func (w *Worker) drain(fn func(Row) error) error {
	w.status = StatusProduceDone
	for row := range w.ring {
		if err := fn(row); err != nil {
			w.status = StatusError
			return err
		}
	}

	it, err := w.overflow.NewIter(&pebble.IterOptions{})
	if err != nil {
		w.status = StatusError
		return moerr.IOErrorf(err, "open overflow iterator for worker %d", w.id)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		var row Row
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&row); err != nil {
			w.status = StatusError
			return moerr.DataCorrupted("decode overflow row for worker %d: %v", w.id, err)
		}
		if err := fn(row); err != nil {
			w.status = StatusError
			return err
		}
	}
	w.status = StatusConsumeDone
	return nil
}

func (w *Worker) close() error {
	return w.overflow.Close()
}

// Status reports the worker's current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

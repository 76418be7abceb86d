package redistribute

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/types"
)

func TestHashKeySameKeyAlwaysProducesSameHash(t *testing.T) {
	colTypes := []types.T{types.TInt64, types.TVarchar}
	key := []any{int64(42), "foo"}

	h1, err := HashKey(key, colTypes)
	require.NoError(t, err)
	h2, err := HashKey(append([]any(nil), key...), colTypes)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHashKeyDifferentKeysUsuallyDiffer(t *testing.T) {
	colTypes := []types.T{types.TInt64}
	a, err := HashKey([]any{int64(1)}, colTypes)
	require.NoError(t, err)
	b, err := HashKey([]any{int64(2)}, colTypes)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHashKeyRejectsNullColumn(t *testing.T) {
	colTypes := []types.T{types.TInt64, types.TVarchar}
	_, err := HashKey([]any{nil, "x"}, colTypes)
	require.Error(t, err)
}

func TestPoolSendRoutesNullKeyToWorkerZero(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 4
	colTypes := []types.T{types.TInt64}

	p, err := NewPool(cfg, colTypes)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Send(Row{Key: []any{nil}, Payload: "null-key"}, colTypes))
	p.CloseProducing()

	var got []any
	require.NoError(t, p.Drain(0, func(r Row) error {
		got = append(got, r.Payload)
		return nil
	}))
	require.Equal(t, []any{"null-key"}, got)
}

func TestHashKeyRejectsUnregisteredType(t *testing.T) {
	colTypes := []types.T{types.TTuple}
	_, err := HashKey([]any{"x"}, colTypes)
	require.Error(t, err)
}

func TestPoolSendRoutesSameKeyToSameWorker(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 4
	colTypes := []types.T{types.TInt64}

	p, err := NewPool(cfg, colTypes)
	require.NoError(t, err)
	defer p.Close()

	h, err := HashKey([]any{int64(77)}, colTypes)
	require.NoError(t, err)
	target := p.TargetWorker(h)

	require.NoError(t, p.Send(Row{Key: []any{int64(77)}, Payload: "r1"}, colTypes))
	require.NoError(t, p.Send(Row{Key: []any{int64(77)}, Payload: "r2"}, colTypes))
	p.CloseProducing()

	var got []any
	require.NoError(t, p.Drain(target, func(r Row) error {
		got = append(got, r.Payload)
		return nil
	}))
	require.ElementsMatch(t, []any{"r1", "r2"}, got)
}

func TestWorkerSpillsPastRingCapacityAndDrainsInOrder(t *testing.T) {
	cfg := config.Default()
	cfg.RingBufferBytes = ringRowEstimate // capacity 1: second push goes to the overflow store
	w, err := newWorker(NewRunID(), 0, cfg)
	require.NoError(t, err)
	defer w.close()

	require.NoError(t, w.push(Row{Key: []any{int64(1)}, Payload: "first"}))
	require.NoError(t, w.push(Row{Key: []any{int64(2)}, Payload: "second"}))
	require.NoError(t, w.push(Row{Key: []any{int64(3)}, Payload: "third"}))
	w.closeProducing()

	var got []any
	require.NoError(t, w.drain(func(r Row) error {
		got = append(got, r.Payload)
		return nil
	}))
	require.Equal(t, []any{"first", "second", "third"}, got)
	require.Equal(t, StatusConsumeDone, w.Status())
}

func TestWorkerDrainPropagatesCallbackError(t *testing.T) {
	cfg := config.Default()
	w, err := newWorker(NewRunID(), 0, cfg)
	require.NoError(t, err)
	defer w.close()

	require.NoError(t, w.push(Row{Key: []any{int64(1)}, Payload: "x"}))
	w.closeProducing()

	err = w.drain(func(r Row) error { return errBoom })
	require.Error(t, err)
	require.Equal(t, StatusError, w.Status())
}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }

var errBoom = &boomErr{}

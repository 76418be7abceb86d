// Package config loads the engine-wide tunables (work-mem budget, spill
// fan-out, ring-buffer capacity) from a TOML document, giving the spill
// engine and the row redistributor sizing knobs a concrete, ambient home
// instead of buried constants.
package config

import (
	"github.com/BurntSushi/toml"
)

// AggConfig holds the sizing parameters treated as static over a run.
type AggConfig struct {
	// WorkMemBytes is the per-hash-table memory budget.
	WorkMemBytes int64 `toml:"work_mem_bytes"`
	// NBatches is the fixed partition count used when a spill set is first
	// allocated.
	NBatches int `toml:"nbatches"`
	// HashTableGrowCap is loaded from the config but read by no component;
	// the hashed spill threshold comes from WorkMemBytes alone.
	HashTableGrowCap int64 `toml:"hash_table_grow_cap"`
	// RingBufferBytes sizes each redistributor worker's ring buffer.
	RingBufferBytes int `toml:"ring_buffer_bytes"`
	// Workers is the number of parallel worker processes.
	Workers int `toml:"workers"`
}

// Default returns a conservative set of sizing values suitable for a
// single-node dev/test run.
func Default() AggConfig {
	return AggConfig{
		WorkMemBytes:     64 << 20, // 64MiB
		NBatches:         32,
		HashTableGrowCap: 256 << 20,
		RingBufferBytes:  1 << 20, // 1MiB
		Workers:          4,
	}
}

// Load decodes a TOML document (e.g. read from disk by the caller) into an
// AggConfig seeded with Default() so a partial document only overrides the
// fields it sets.
func Load(data []byte) (AggConfig, error) {
	cfg := Default()
	_, err := toml.Decode(string(data), &cfg)
	return cfg, err
}

// NEntries computes the maximum number of hash-table entries that fit in
// the work-mem budget given a per-entry size estimate.
func (c AggConfig) NEntries(entrySize int64) int64 {
	if entrySize <= 0 {
		return 0
	}
	return c.WorkMemBytes / entrySize
}

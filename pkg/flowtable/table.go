// Package flowtable implements the per-core flow counter table.
//
// A Table is a bucketed hash of flow.Key -> uint64 with a power-of-two
// number of primary buckets, each holding a fixed number of slots. When a
// bucket fills, an overflow bucket is chained from a pool that is carved out
// of the same memory budget at creation time, so the packet path never
// allocates. A Table is owned by exactly one worker and is not safe for
// concurrent use.
package flowtable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/psaab/flowcounter/pkg/flow"
)

// DefaultDepth is the number of slots per bucket (4 key/value pairs per
// page, as in the 16_8 bihash the original plugins use).
const DefaultDepth = 4

// MaxDepth bounds the per-bucket slot count.
const MaxDepth = 16

var (
	// ErrCapacityExhausted is returned by Upsert when a new key cannot be
	// placed because every overflow bucket in the budget is in use.
	ErrCapacityExhausted = errors.New("flow table capacity exhausted")

	// ErrBudget is returned by New when the memory budget cannot hold the
	// primary buckets.
	ErrBudget = errors.New("memory budget too small for bucket count")
)

// Config sizes a table.
type Config struct {
	Name         string
	Buckets      uint32 // primary bucket count, power of two
	Depth        int    // slots per bucket; 0 means DefaultDepth
	MemoryBudget uint64 // bytes; 0 means exactly the primary buckets
}

// Record is one flow entry.
type Record struct {
	Key   flow.Key
	Count uint64
}

// bucketHdr precedes each bucket's slots. next is the index+1 of the chained
// overflow bucket, 0 when the chain ends.
type bucketHdr struct {
	next uint32
	used uint32
}

const (
	hdrSize    = int(unsafe.Sizeof(bucketHdr{}))
	recordSize = int(unsafe.Sizeof(Record{}))
)

// BucketBytes returns the memory one bucket consumes at the given depth.
func BucketBytes(depth int) uint64 {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return uint64(hdrSize + depth*recordSize)
}

// Table is a fixed-budget flow counter table.
type Table struct {
	name  string
	mask  uint32
	depth uint32

	hdrs []bucketHdr
	recs []Record

	nextFree uint32 // next unused overflow bucket
	total    uint32 // primary + overflow buckets

	len       uint64
	exhausted uint64
	warm      uint32 // sink for prefetch loads

	mem *arena
}

// Stats summarizes table occupancy.
type Stats struct {
	Name            string `json:"name"`
	Entries         uint64 `json:"entries"`
	Capacity        uint64 `json:"capacity"`
	Buckets         uint32 `json:"buckets"`
	OverflowUsed    uint32 `json:"overflow_used"`
	OverflowTotal   uint32 `json:"overflow_total"`
	ExhaustedInsert uint64 `json:"exhausted_inserts"`
	MemoryBytes     uint64 `json:"memory_bytes"`
}

// New reserves the table's memory and returns an empty table. It fails if
// the configuration is invalid or the memory cannot be reserved.
func New(cfg Config) (*Table, error) {
	if cfg.Buckets == 0 || bits.OnesCount32(cfg.Buckets) != 1 {
		return nil, fmt.Errorf("table %q: bucket count %d is not a power of two", cfg.Name, cfg.Buckets)
	}
	depth := cfg.Depth
	if depth == 0 {
		depth = DefaultDepth
	}
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("table %q: depth %d out of range 1-%d", cfg.Name, depth, MaxDepth)
	}

	total, err := bucketCount(cfg.Buckets, depth, cfg.MemoryBudget)
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", cfg.Name, err)
	}

	hdrBytes := uint64(total) * uint64(hdrSize)
	recBytes := uint64(total) * uint64(depth) * uint64(recordSize)
	mem, err := reserve(hdrBytes + recBytes)
	if err != nil {
		return nil, fmt.Errorf("table %q: reserve %d bytes: %w", cfg.Name, hdrBytes+recBytes, err)
	}

	buf := mem.bytes()
	t := &Table{
		name:     cfg.Name,
		mask:     cfg.Buckets - 1,
		depth:    uint32(depth),
		hdrs:     unsafe.Slice((*bucketHdr)(unsafe.Pointer(&buf[0])), total),
		recs:     unsafe.Slice((*Record)(unsafe.Pointer(&buf[hdrBytes])), uint64(total)*uint64(depth)),
		nextFree: cfg.Buckets,
		total:    total,
		mem:      mem,
	}
	return t, nil
}

// maxBuckets bounds primary plus overflow buckets so a chain link (index+1)
// fits in bucketHdr.next.
const maxBuckets = uint64(^uint32(0) - 1)

// bucketCount returns how many buckets (primary plus overflow) budget holds
// at depth. A zero budget means exactly the primary buckets.
func bucketCount(buckets uint32, depth int, budget uint64) (uint32, error) {
	per := BucketBytes(depth)
	if budget == 0 {
		budget = per * uint64(buckets)
	}
	n := budget / per
	if n < uint64(buckets) {
		return 0, fmt.Errorf("%w (%d bytes, need %d)", ErrBudget, budget, per*uint64(buckets))
	}
	return uint32(min(n, maxBuckets)), nil
}

// slot returns the index of bucket b's first record. Buckets times depth
// exceeds 32 bits for large tables, so the index is 64-bit.
func slot(b uint32, depth uint32) uint64 {
	return uint64(b) * uint64(depth)
}

// Close releases the table's memory. The table must not be used afterwards.
func (t *Table) Close() error {
	if t.mem == nil {
		return nil
	}
	t.hdrs, t.recs = nil, nil
	err := t.mem.release()
	t.mem = nil
	return err
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Len returns the number of records.
func (t *Table) Len() uint64 { return t.len }

// Hash returns the hash used to place k.
func Hash(k flow.Key) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], k[0])
	binary.LittleEndian.PutUint64(b[8:16], k[1])
	return xxhash.Sum64(b[:])
}

// PrefetchBucket touches the header of the primary bucket for h so a later
// lookup finds it in cache.
func (t *Table) PrefetchBucket(h uint64) {
	t.warm += t.hdrs[uint32(h)&t.mask].used
}

// PrefetchRecord touches the first slot of the primary bucket for h.
func (t *Table) PrefetchRecord(h uint64) {
	t.warm += uint32(t.recs[slot(uint32(h)&t.mask, t.depth)].Count)
}

// Lookup returns the count stored for k.
func (t *Table) Lookup(k flow.Key) (uint64, bool) {
	return t.LookupHashed(Hash(k), k)
}

// LookupHashed is Lookup with a precomputed Hash(k).
func (t *Table) LookupHashed(h uint64, k flow.Key) (uint64, bool) {
	b := uint32(h) & t.mask
	for {
		hdr := &t.hdrs[b]
		base := slot(b, t.depth)
		for i := base; i < base+uint64(hdr.used); i++ {
			if t.recs[i].Key == k {
				return t.recs[i].Count, true
			}
		}
		if hdr.next == 0 {
			return 0, false
		}
		b = hdr.next - 1
	}
}

// Upsert stores count for k, inserting k if absent.
func (t *Table) Upsert(k flow.Key, count uint64) error {
	return t.UpsertHashed(Hash(k), k, count)
}

// UpsertHashed is Upsert with a precomputed Hash(k). It returns
// ErrCapacityExhausted when k is absent and no slot or overflow bucket is
// available; the table is unchanged in that case.
func (t *Table) UpsertHashed(h uint64, k flow.Key, count uint64) error {
	b := uint32(h) & t.mask
	for {
		hdr := &t.hdrs[b]
		base := slot(b, t.depth)
		for i := base; i < base+uint64(hdr.used); i++ {
			if t.recs[i].Key == k {
				t.recs[i].Count = count
				return nil
			}
		}
		if hdr.next == 0 {
			break
		}
		b = hdr.next - 1
	}

	// b is the tail of the chain. Slots fill in order and nothing is ever
	// removed, so only the tail can have room.
	if t.hdrs[b].used == t.depth {
		if t.nextFree == t.total {
			t.exhausted++
			return ErrCapacityExhausted
		}
		nb := t.nextFree
		t.nextFree++
		t.hdrs[b].next = nb + 1
		b = nb
	}
	hdr := &t.hdrs[b]
	t.recs[slot(b, t.depth)+uint64(hdr.used)] = Record{Key: k, Count: count}
	hdr.used++
	t.len++
	return nil
}

// Iterate calls fn for every record until fn returns false. Order follows
// bucket layout, not insertion.
func (t *Table) Iterate(fn func(Record) bool) {
	for b := uint32(0); b < t.nextFree; b++ {
		base := slot(b, t.depth)
		for i := base; i < base+uint64(t.hdrs[b].used); i++ {
			if !fn(t.recs[i]) {
				return
			}
		}
	}
}

// Stats returns current occupancy.
func (t *Table) Stats() Stats {
	primary := t.mask + 1
	return Stats{
		Name:            t.name,
		Entries:         t.len,
		Capacity:        uint64(t.total) * uint64(t.depth),
		Buckets:         primary,
		OverflowUsed:    t.nextFree - primary,
		OverflowTotal:   t.total - primary,
		ExhaustedInsert: t.exhausted,
		MemoryBytes:     uint64(t.total) * BucketBytes(int(t.depth)),
	}
}

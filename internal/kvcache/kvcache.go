// Package kvcache implements the Paged KV Cache (§4.2): per-sequence block
// tables over the shared block.Allocator pool, with append/truncate/lookup
// and rollback-on-reject support. Grounded in the teacher's
// sim/kvcache.go (KVCacheState: per-request block list, free-list backed
// allocation, and a hash index recording which blocks hold which completed
// token prefix) generalized from the teacher's single global cache struct
// into one that delegates id lifecycle to block.Allocator (§9's "cyclic
// references... break with arena + index": sequences hold BlockIds, not
// block pointers).
package kvcache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/sirupsen/logrus"

	"github.com/helix-engine/helix/internal/block"
	"github.com/helix-engine/helix/internal/herrors"
)

var log = logrus.WithField("component", "kvcache")

// SequenceID identifies one live sequence's block table.
type SequenceID string

// BlockTable is the ordered list of block ids belonging to one sequence.
// Invariant (§3): the first n positions of logical position space are
// covered by ceil(n/BlockSize) entries; the last block may be partially
// filled; no gaps.
type BlockTable struct {
	Blocks []block.ID
	Length int64 // L: number of logical positions currently occupied

	// recordedBlocks is how many of this table's leading blocks have
	// already been hashed into the prefix index (UpdatePrefixIndex),
	// so repeated calls only do work for newly completed blocks.
	recordedBlocks int64
}

// AllocatedBlocks returns ceil(Length / blockSize).
func (bt *BlockTable) allocatedBlocks(blockSize int64) int64 {
	return ceilDiv(bt.Length, blockSize)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// PagedKVCache owns per-sequence block tables drawn from a shared
// block.Allocator. Prefix-block hashes are recorded for bookkeeping/metrics
// only (see SPEC_FULL.md §13) — they never cause two sequences to share a
// block id; every table's blocks remain exclusively owned by that sequence.
type PagedKVCache struct {
	alloc     *block.Allocator
	blockSize int64
	tables    map[SequenceID]*BlockTable
	// hashToBlock records, for bookkeeping purposes only, which block id
	// last completed a given content hash. Mirrors the teacher's
	// HashToBlock map (sim/kvcache.go) but keyed by a fast non-cryptographic
	// hash (kthena's prefix-cache plugin uses the same library for the
	// same purpose: pkg/infer-gateway/scheduler/plugins/prefix.go).
	hashToBlock map[uint64]block.ID
}

// NewPagedKVCache creates a cache over alloc with the given block size
// (typically 16 tokens per §3).
func NewPagedKVCache(alloc *block.Allocator, blockSize int64) *PagedKVCache {
	if blockSize <= 0 {
		panic("kvcache: blockSize must be positive")
	}
	return &PagedKVCache{
		alloc:       alloc,
		blockSize:   blockSize,
		tables:      make(map[SequenceID]*BlockTable),
		hashToBlock: make(map[uint64]block.ID),
	}
}

// BlockSize returns the configured tokens-per-block.
func (c *PagedKVCache) BlockSize() int64 { return c.blockSize }

func (c *PagedKVCache) tableFor(seq SequenceID) *BlockTable {
	bt, ok := c.tables[seq]
	if !ok {
		bt = &BlockTable{}
		c.tables[seq] = bt
	}
	return bt
}

// AppendPositions ensures capacity for n more logical positions, allocating
// blocks from the pool as needed. Fails with herrors.OutOfBlocks if the
// pool cannot satisfy the request; in that case any blocks already
// allocated during this call are rolled back so the cache's accounting
// invariant (§8 property 1) holds even on a partial failure.
func (c *PagedKVCache) AppendPositions(seq SequenceID, n int64) error {
	if n < 0 {
		return herrors.New(herrors.Internal, "kvcache: AppendPositions called with negative n")
	}
	bt := c.tableFor(seq)
	newLength := bt.Length + n
	needed := bt.allocatedBlocks(c.blockSize)
	wantBlocks := ceilDiv(newLength, c.blockSize)

	acquired := make([]block.ID, 0, wantBlocks-needed)
	for int64(len(bt.Blocks)) < wantBlocks {
		id, ok := c.alloc.Alloc()
		if !ok {
			for _, a := range acquired {
				c.alloc.Free(a)
			}
			bt.Blocks = bt.Blocks[:len(bt.Blocks)-len(acquired)]
			log.WithField("seq", seq).Warn("out of blocks during AppendPositions")
			return herrors.New(herrors.OutOfBlocks, fmt.Sprintf("cannot allocate %d more blocks for sequence %s", wantBlocks-needed, seq))
		}
		bt.Blocks = append(bt.Blocks, id)
		acquired = append(acquired, id)
	}
	bt.Length = newLength
	return nil
}

// TruncateTo drops positions > L, freeing any block whose first logical
// position exceeds L. Used both for explicit truncation and for
// speculative-decoding rollback (§4.3, §4.5 step 4).
func (c *PagedKVCache) TruncateTo(seq SequenceID, L int64) error {
	bt, ok := c.tables[seq]
	if !ok {
		return herrors.New(herrors.Internal, fmt.Sprintf("kvcache: TruncateTo on unknown sequence %s", seq))
	}
	if L < 0 || L > bt.Length {
		return herrors.New(herrors.Internal, fmt.Sprintf("kvcache: TruncateTo(%d) out of range for sequence %s (L=%d)", L, seq, bt.Length))
	}
	keepBlocks := ceilDiv(L, c.blockSize)
	for int64(len(bt.Blocks)) > keepBlocks {
		last := bt.Blocks[len(bt.Blocks)-1]
		bt.Blocks = bt.Blocks[:len(bt.Blocks)-1]
		c.alloc.Free(last)
	}
	bt.Length = L
	return nil
}

// PhysicalIndex is a pure lookup from a sequence's logical position to its
// physical block id and offset within that block.
func (c *PagedKVCache) PhysicalIndex(seq SequenceID, logicalPos int64) (block.ID, int64, error) {
	bt, ok := c.tables[seq]
	if !ok {
		return 0, 0, herrors.New(herrors.Internal, fmt.Sprintf("kvcache: PhysicalIndex on unknown sequence %s", seq))
	}
	if logicalPos < 0 || logicalPos >= bt.Length {
		return 0, 0, herrors.New(herrors.Internal, fmt.Sprintf("kvcache: logical position %d out of range (L=%d) for sequence %s", logicalPos, bt.Length, seq))
	}
	blockIdx := logicalPos / c.blockSize
	offset := logicalPos % c.blockSize
	return bt.Blocks[blockIdx], offset, nil
}

// Destroy frees all blocks owned by seq and removes its table.
func (c *PagedKVCache) Destroy(seq SequenceID) {
	bt, ok := c.tables[seq]
	if !ok {
		return
	}
	for i := len(bt.Blocks) - 1; i >= 0; i-- {
		c.alloc.Free(bt.Blocks[i])
	}
	delete(c.tables, seq)
}

// Length returns the current logical length L(seq), or 0 if unknown.
func (c *PagedKVCache) Length(seq SequenceID) int64 {
	if bt, ok := c.tables[seq]; ok {
		return bt.Length
	}
	return 0
}

// AllocatedBlocks returns ceil(L(seq)/BlockSize), the invariant checked by
// §4.2 and §8 property 1.
func (c *PagedKVCache) AllocatedBlocks(seq SequenceID) int64 {
	if bt, ok := c.tables[seq]; ok {
		return bt.allocatedBlocks(c.blockSize)
	}
	return 0
}

// FreeBlocks exposes the pool's remaining capacity, for the /health and
// /metrics surfaces (§6, §8 property 1's global accounting check).
func (c *PagedKVCache) FreeBlocks() int64 { return int64(c.alloc.FreeCount()) }

// TotalBlocks exposes N_BLOCKS.
func (c *PagedKVCache) TotalBlocks() int64 { return int64(c.alloc.TotalCount()) }

// RecordCompletedBlock stores a content fingerprint for a freshly-filled
// block (see SPEC_FULL.md §13's supplemented prefix-reuse bookkeeping).
// tokens must be exactly BlockSize long. This never changes block
// ownership; it is purely an index for observability/metrics.
func (c *PagedKVCache) RecordCompletedBlock(id block.ID, tokens []int) {
	if int64(len(tokens)) != c.blockSize {
		return
	}
	c.hashToBlock[hashTokens(tokens)] = id
}

// KnownPrefixBlock reports whether an identical full block has been seen
// before, returning its id. Used only for cache-hit-rate style metrics.
func (c *PagedKVCache) KnownPrefixBlock(tokens []int) (block.ID, bool) {
	if int64(len(tokens)) != c.blockSize {
		return 0, false
	}
	id, ok := c.hashToBlock[hashTokens(tokens)]
	return id, ok
}

// UpdatePrefixIndex hashes any of seq's blocks that have newly become full
// since the last call into the prefix index, given tokens — seq's complete
// token history (prompt plus generated so far) up to its current logical
// length. It is the real caller of RecordCompletedBlock/KnownPrefixBlock:
// the pipeline invokes it after the prompt's AppendPositions and after each
// decode round so the index and its hit-rate metric reflect actual request
// traffic. Returns whether the
// first newly-completed block in this call was already present in the
// index (a prefix cache hit) and how many newly-completed blocks were
// processed, so the caller can fold both into a hit-rate metric.
func (c *PagedKVCache) UpdatePrefixIndex(seq SequenceID, tokens []int) (hit bool, completed int64) {
	bt, ok := c.tables[seq]
	if !ok {
		return false, 0
	}
	total := bt.Length / c.blockSize
	for i := bt.recordedBlocks; i < total; i++ {
		start := i * c.blockSize
		end := start + c.blockSize
		if end > int64(len(tokens)) {
			break
		}
		window := tokens[start:end]
		if completed == 0 {
			if _, known := c.KnownPrefixBlock(window); known {
				hit = true
			}
		}
		if id, _, err := c.PhysicalIndex(seq, start); err == nil {
			c.RecordCompletedBlock(id, window)
		}
		completed++
	}
	bt.recordedBlocks += completed
	return hit, completed
}

func hashTokens(tokens []int) uint64 {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(t))
	}
	return xxhash.Sum64String(b.String())
}

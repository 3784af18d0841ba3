package kvcache

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-engine/helix/internal/block"
	"github.com/helix-engine/helix/internal/herrors"
)

const blockSize = 4

func newCache(n int) *PagedKVCache {
	return NewPagedKVCache(block.NewAllocator(n), blockSize)
}

func TestAppendAndTruncate(t *testing.T) {
	c := newCache(8)
	seq := SequenceID("s1")

	require.NoError(t, c.AppendPositions(seq, 6))
	assert.Equal(t, int64(6), c.Length(seq))
	assert.Equal(t, int64(2), c.AllocatedBlocks(seq)) // ceil(6/4)

	require.NoError(t, c.TruncateTo(seq, 3))
	assert.Equal(t, int64(3), c.Length(seq))
	assert.Equal(t, int64(1), c.AllocatedBlocks(seq))
	assert.Equal(t, int64(7), c.FreeBlocks())

	c.Destroy(seq)
	assert.Equal(t, int64(8), c.FreeBlocks())
}

func TestPhysicalIndex(t *testing.T) {
	c := newCache(8)
	seq := SequenceID("s1")
	require.NoError(t, c.AppendPositions(seq, 10))

	id0, off0, err := c.PhysicalIndex(seq, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off0)

	id1, off1, err := c.PhysicalIndex(seq, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), off1)
	assert.NotEqual(t, id0, id1)

	_, _, err = c.PhysicalIndex(seq, 10)
	assert.Error(t, err)
}

func TestOutOfBlocksRollsBack(t *testing.T) {
	c := newCache(2) // 2 blocks * 4 tokens = 8 positions max
	seq := SequenceID("s1")
	require.NoError(t, c.AppendPositions(seq, 8))
	assert.Equal(t, int64(0), c.FreeBlocks())

	err := c.AppendPositions(seq, 1)
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.OutOfBlocks))
	// rollback must leave accounting intact
	assert.Equal(t, int64(8), c.Length(seq))
	assert.Equal(t, int64(0), c.FreeBlocks())
}

// TestCacheAccountingInvariant is §8 property 1: for any random sequence of
// append/truncate, allocated_blocks == ceil(L/BlockSize) and
// free_blocks + sum(allocated_blocks) == N_BLOCKS.
func TestCacheAccountingInvariant(t *testing.T) {
	const nBlocks = 23
	c := newCache(nBlocks)
	rng := rand.New(rand.NewSource(7))
	seqs := []SequenceID{"a", "b", "c"}
	lengths := map[SequenceID]int64{}

	for i := 0; i < 5000; i++ {
		seq := seqs[rng.Intn(len(seqs))]
		if rng.Intn(2) == 0 {
			n := int64(rng.Intn(5) + 1)
			if err := c.AppendPositions(seq, n); err == nil {
				lengths[seq] += n
			}
		} else if lengths[seq] > 0 {
			newL := int64(rng.Intn(int(lengths[seq])))
			require.NoError(t, c.TruncateTo(seq, newL))
			lengths[seq] = newL
		}

		var sumAllocated int64
		for _, s := range seqs {
			want := ceilDiv(lengths[s], blockSize)
			assert.Equal(t, want, c.AllocatedBlocks(s))
			sumAllocated += c.AllocatedBlocks(s)
		}
		assert.Equal(t, int64(nBlocks), c.FreeBlocks()+sumAllocated)
	}
}

func TestPrefixBookkeepingDoesNotAffectOwnership(t *testing.T) {
	c := newCache(4)
	seqA := SequenceID("a")
	seqB := SequenceID("b")
	require.NoError(t, c.AppendPositions(seqA, 4))
	idA, _, _ := c.PhysicalIndex(seqA, 0)
	c.RecordCompletedBlock(idA, []int{1, 2, 3, 4})

	require.NoError(t, c.AppendPositions(seqB, 4))
	idB, _, _ := c.PhysicalIndex(seqB, 0)
	assert.NotEqual(t, idA, idB, "no two live sequences may share a block id")

	known, ok := c.KnownPrefixBlock([]int{1, 2, 3, 4})
	assert.True(t, ok)
	assert.Equal(t, idA, known)
}

func TestUpdatePrefixIndexOnlyProcessesNewlyCompletedBlocks(t *testing.T) {
	c := newCache(8)
	seqA := SequenceID("a")
	require.NoError(t, c.AppendPositions(seqA, 4))

	tokens := []int{1, 2, 3, 4}
	hit, completed := c.UpdatePrefixIndex(seqA, tokens)
	assert.False(t, hit, "first sighting of this content must not be a hit")
	assert.Equal(t, int64(1), completed)

	// Calling again with no new completed blocks must be a no-op.
	hit, completed = c.UpdatePrefixIndex(seqA, tokens)
	assert.False(t, hit)
	assert.Equal(t, int64(0), completed)

	// A second sequence completing an identical block is a hit.
	seqB := SequenceID("b")
	require.NoError(t, c.AppendPositions(seqB, 4))
	hit, completed = c.UpdatePrefixIndex(seqB, tokens)
	assert.True(t, hit)
	assert.Equal(t, int64(1), completed)
}

func TestUpdatePrefixIndexIgnoresTrailingPartialBlock(t *testing.T) {
	c := newCache(8)
	seq := SequenceID("a")
	require.NoError(t, c.AppendPositions(seq, 6)) // one full block + 2 partial positions

	hit, completed := c.UpdatePrefixIndex(seq, []int{1, 2, 3, 4, 5, 6})
	assert.False(t, hit)
	assert.Equal(t, int64(1), completed, "only the first full block should be counted")
}

func TestUpdatePrefixIndexOnUnknownSequenceIsNoop(t *testing.T) {
	c := newCache(8)
	hit, completed := c.UpdatePrefixIndex(SequenceID("missing"), []int{1, 2, 3, 4})
	assert.False(t, hit)
	assert.Equal(t, int64(0), completed)
}

package runtimeadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardTargetFreeVerificationShape(t *testing.T) {
	rt := NewStubRuntime(64, 0, 1)
	logits, err := rt.ForwardTarget("seq", []int{3, 4, 5})
	require.NoError(t, err)
	assert.Len(t, logits, 4) // K + 1
}

func TestContextDeterminismAcrossBatchShapes(t *testing.T) {
	// Same eventual context must produce identical per-position logits
	// whether reached by one forward call of size 3 or three forward
	// calls of size 1 each (draft phase is sequential in the real
	// decoder; this proves the stub doesn't leak call-pattern state).
	rt1 := NewStubRuntime(32, 0, 99)
	batch, err := rt1.ForwardDraft("seq", []int{1, 2, 3})
	require.NoError(t, err)

	rt2 := NewStubRuntime(32, 0, 99)
	var stepwise [][]float64
	for _, tok := range []int{1, 2, 3} {
		out, err := rt2.ForwardDraft("seq", []int{tok})
		require.NoError(t, err)
		stepwise = append(stepwise, out[0])
	}

	require.Len(t, stepwise, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i], stepwise[i])
	}
}

func TestTargetVsDraftAreDifferentModels(t *testing.T) {
	rt := NewStubRuntime(32, 0, 1)
	d, _ := rt.ForwardDraft("seq", []int{1})
	tg, _ := rt.ForwardTarget("seq", []int{1})
	assert.NotEqual(t, d[0], tg[0])
}

func TestRollbackTruncatesContext(t *testing.T) {
	rt := NewStubRuntime(32, 0, 1)
	_, err := rt.ForwardTarget("seq", []int{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, rt.RollbackTarget("seq", 1))

	// After rollback to length 1, forwarding token 2 as the second token
	// again must reproduce the original second-position logits exactly.
	again, err := rt.ForwardTarget("seq", []int{2})
	require.NoError(t, err)

	fresh := NewStubRuntime(32, 0, 1)
	fresh.target["seq"] = []int{1}
	want, err := fresh.ForwardTarget("seq", []int{2})
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

func TestEncodeDecodeRoundTripsThroughVocab(t *testing.T) {
	rt := NewStubRuntime(50257, 0, 1)
	ids, err := rt.Encode("hello world")
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, 50257)
	}
	_, err = rt.Decode(ids)
	require.NoError(t, err)
}

// Package runtimeadapter defines the Model Runtime Adapter capability
// boundary (§4.3): the interface the speculative decoder programs against,
// and a deterministic stub implementation used by the engine's correctness
// tests (§8 requires "a stub runtime with deterministic logits ... for
// correctness tests"). Grounded in the Design Note (§9) "Tensor/framework
// coupling → capability interface": the engine never assumes a particular
// neural framework, matching the teacher's KVStore interface
// (sim/kv_store.go) which lets KVCacheState and TieredKVCache be swapped
// behind one contract.
package runtimeadapter

import "github.com/helix-engine/helix/internal/kvcache"

// SequenceID identifies the sequence whose cache view a call mutates.
type SequenceID = kvcache.SequenceID

// ModelRuntime is the capability boundary between the engine's scheduling
// logic and the neural backend. Implementations own their own KV cache
// storage (tensor-shaped, opaque to the allocator per §3) and their own
// tokenizer; the engine only ever calls through this interface.
//
// Errors: ModelFault is per-request recoverable (abort the request,
// surface a structured error). ShapeMismatch is a programmer error and is
// fatal (§4.3) — implementations should panic or return an *herrors.Error
// with Kind ShapeMismatch only for contract violations the caller could
// not have triggered through valid input (e.g. a new_tokens slice longer
// than the batch the backend was compiled for).
type ModelRuntime interface {
	// ForwardDraft appends new_tokens to the draft KV cache and returns one
	// logits vector per appended token (len(newTokens) vectors), each
	// conditioned on the context strictly before that token — the same
	// distribution the token either was or would have been drawn from.
	// Calling it with an empty newTokens is a pure peek: it returns exactly
	// one vector (the distribution at the current frontier) and does not
	// mutate the cache. The speculative decoder uses the peek form to get a
	// distribution to sample from before it has a token to append, then
	// immediately commits that token with a one-element call.
	ForwardDraft(seq SequenceID, newTokens []int) ([][]float64, error)

	// ForwardTarget appends new_tokens (the K draft candidates) to the
	// target KV cache and returns K+1 logits vectors: one per candidate,
	// plus one for the position after the last candidate. This "+1"
	// property is what makes verification free on an all-accept round
	// (§4.3).
	ForwardTarget(seq SequenceID, newTokens []int) ([][]float64, error)

	// RollbackDraft truncates the draft cache's logical view to toLength.
	RollbackDraft(seq SequenceID, toLength int64) error
	// RollbackTarget truncates the target cache's logical view to toLength.
	RollbackTarget(seq SequenceID, toLength int64) error

	// Reset discards all cached state for seq, on request completion or error.
	Reset(seq SequenceID)

	VocabSize() int
	EOSTokenID() int
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

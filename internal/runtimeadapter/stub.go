package runtimeadapter

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/helix-engine/helix/internal/herrors"
)

const encodingName = "cl100k_base"

var bpeLoaderOnce sync.Once

func ensureBPELoader() {
	bpeLoaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
}

// StubRuntime is a deterministic, in-process ModelRuntime used by tests and
// by any deployment that has not wired a real neural backend. Logits are a
// pure (seeded) function of the full token context, which is what makes
// property 2 (§8, bit-exact distributional equivalence) provable: the same
// prefix always yields the same logits whether reached by one big
// autoregressive walk or by many small speculative rounds.
type StubRuntime struct {
	vocabSize int
	eosToken  int
	seed      int64

	encoding *tiktoken.Tiktoken
	encCache *lru.Cache[string, []int]

	mu      sync.Mutex
	draft   map[SequenceID][]int // committed draft-cache token context
	target  map[SequenceID][]int // committed target-cache token context
}

// NewStubRuntime builds a deterministic stub with the given vocabulary size
// and master seed. eosToken must be < vocabSize.
func NewStubRuntime(vocabSize int, eosToken int, seed int64) *StubRuntime {
	if eosToken < 0 || eosToken >= vocabSize {
		panic("runtimeadapter: eosToken out of vocab range")
	}
	ensureBPELoader()
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// Tokenizer bootstrap is explicitly out of the core's scope
		// (§1) but the stub still needs *a* tokenizer to exercise the
		// encode/decode contract end to end; fail fast if the offline
		// BPE ranks can't be loaded, mirroring kthena's tiktoken.go
		// which does not recover from this either.
		panic(fmt.Sprintf("runtimeadapter: failed to load %s encoding: %v", encodingName, err))
	}
	cache, _ := lru.New[string, []int](4096)
	return &StubRuntime{
		vocabSize: vocabSize,
		eosToken:  eosToken,
		seed:      seed,
		encoding:  enc,
		encCache:  cache,
		draft:     make(map[SequenceID][]int),
		target:    make(map[SequenceID][]int),
	}
}

func (s *StubRuntime) VocabSize() int  { return s.vocabSize }
func (s *StubRuntime) EOSTokenID() int { return s.eosToken }

func (s *StubRuntime) Encode(text string) ([]int, error) {
	if cached, ok := s.encCache.Get(text); ok {
		out := make([]int, len(cached))
		copy(out, cached)
		return out, nil
	}
	ids := s.encoding.Encode(text, nil, nil)
	// Fold raw BPE ids into the stub's smaller vocabulary so generated
	// token ids (sampled from a vocabSize-wide distribution) and encoded
	// prompt ids share an id space.
	folded := make([]int, len(ids))
	for i, id := range ids {
		folded[i] = id % s.vocabSize
	}
	s.encCache.Add(text, folded)
	out := make([]int, len(folded))
	copy(out, folded)
	return out, nil
}

func (s *StubRuntime) Decode(ids []int) (string, error) {
	return s.encoding.Decode(ids), nil
}

func (s *StubRuntime) Reset(seq SequenceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.draft, seq)
	delete(s.target, seq)
}

// ForwardDraft follows the same len(newTokens)+1-minus-one-special-case
// convention as ForwardTarget boiled down for the draft model: calling it
// with zero new tokens is a pure "peek" at the current position's
// distribution (no cache mutation, exactly one vector returned) — the
// decoder uses this to sample a candidate before it has a token to append.
// Calling it with tokens appends them and returns one vector per token,
// each reflecting the distribution the token was (or would have been)
// drawn from, consistent with ForwardTarget's verification vectors over
// the same prefix (see DESIGN.md's resolution of the draft-loop calling
// convention).
func (s *StubRuntime) ForwardDraft(seq SequenceID, newTokens []int) ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.draft[seq]
	if len(newTokens) == 0 {
		return [][]float64{s.logitsForContext(ctx, "draft")}, nil
	}
	ctx = append([]int{}, ctx...)
	out := make([][]float64, len(newTokens))
	for i, tok := range newTokens {
		out[i] = s.logitsForContext(ctx, "draft")
		ctx = append(ctx, tok)
	}
	s.draft[seq] = ctx
	return out, nil
}

func (s *StubRuntime) ForwardTarget(seq SequenceID, newTokens []int) ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := append([]int{}, s.target[seq]...)
	out := make([][]float64, len(newTokens)+1)
	for i, tok := range newTokens {
		out[i] = s.logitsForContext(ctx, "target")
		ctx = append(ctx, tok)
	}
	out[len(newTokens)] = s.logitsForContext(ctx, "target")
	s.target[seq] = ctx
	return out, nil
}

func (s *StubRuntime) RollbackDraft(seq SequenceID, toLength int64) error {
	return s.rollback(s.draft, seq, toLength)
}

func (s *StubRuntime) RollbackTarget(seq SequenceID, toLength int64) error {
	return s.rollback(s.target, seq, toLength)
}

func (s *StubRuntime) rollback(m map[SequenceID][]int, seq SequenceID, toLength int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := m[seq]
	if !ok {
		if toLength == 0 {
			return nil
		}
		return herrors.New(herrors.ShapeMismatch, fmt.Sprintf("rollback on unknown sequence %s", seq))
	}
	if toLength < 0 || toLength > int64(len(ctx)) {
		return herrors.New(herrors.ShapeMismatch, fmt.Sprintf("rollback target length %d out of range (have %d)", toLength, len(ctx)))
	}
	m[seq] = ctx[:toLength]
	return nil
}

// logitsForContext is the deterministic "model": a seeded PRNG derived
// from (master seed, model name, full token context) produces one Gaussian
// sample per vocabulary entry. Two calls with an identical context always
// produce bit-identical logits, regardless of how that context was built
// up (one token at a time or in a batch) — the property the
// autoregressive-equivalence tests in §8 rely on.
func (s *StubRuntime) logitsForContext(ctx []int, model string) []float64 {
	h := fnv.New64a()
	h.Write([]byte(model))
	h.Write([]byte{0})
	var b strings.Builder
	for i, t := range ctx {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(t))
	}
	h.Write([]byte(b.String()))
	derivedSeed := s.seed ^ int64(h.Sum64())

	rng := rand.New(rand.NewSource(derivedSeed))
	logits := make([]float64, s.vocabSize)
	for i := range logits {
		logits[i] = rng.NormFloat64()
	}
	return logits
}

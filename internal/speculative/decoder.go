// Package speculative implements the Speculative Decoder (§4.5): one round
// of draft-propose / target-verify / arbitrate / commit, composing
// internal/runtimeadapter, internal/sampler, internal/kvcache and
// internal/rng. Grounded in the teacher's sim/simulator.go Step
// function shape (one bounded unit of work per call, mutating shared state
// and returning a result struct) generalized from "simulate one clock tick"
// to "run one speculative round".
package speculative

import (
	"math/rand"

	"github.com/helix-engine/helix/internal/herrors"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/rng"
	"github.com/helix-engine/helix/internal/runtimeadapter"
	"github.com/helix-engine/helix/internal/sampler"
)

// RoundResult reports the outcome of one speculate_step (§4.5).
type RoundResult struct {
	// Tokens is the ordered list of tokens actually committed this round:
	// the accepted draft prefix, followed by the bonus token (if any).
	Tokens []int

	// AcceptedLen is "a": the number of leading draft candidates accepted.
	// 0 when K==0 or when the first candidate was rejected.
	AcceptedLen int

	// BonusValid is false only when the accepted prefix ended in EOS — per
	// §4.5's edge case, no bonus token is appended beyond an accepted EOS.
	BonusValid bool

	// EOSHit reports whether Tokens contains the EOS token (always its
	// last element when true).
	EOSHit bool

	// DraftProbs holds q_i(x_i), the draft's own probability for the
	// candidate it proposed at step i, for telemetry (§4.5 step 5). Empty
	// when K==0.
	DraftProbs []float64

	// MinDraftConfidence is min_i max(q_i) across this round's draft
	// steps — the per-step draft confidence the adaptive controller caps K
	// on (§4.6). 1.0 when K==0 (no draft phase ran).
	MinDraftConfidence float64

	// FellBackToTargetOnly is true when a ModelFault during the draft
	// phase forced this round to abandon speculation and run a single
	// target-only step instead (§4.5's ModelFault edge case).
	FellBackToTargetOnly bool
}

// Decoder runs speculate_step against one ModelRuntime and one
// PagedKVCache, shared across all sequences it is asked to advance.
type Decoder struct {
	runtime runtimeadapter.ModelRuntime
	samp    *sampler.Sampler
	arb     *sampler.Arbiter
}

// New builds a Decoder over the given runtime. The KV cache passed to each
// Step call governs only the position accounting (block allocation); token
// storage itself lives behind the ModelRuntime.
func New(runtime runtimeadapter.ModelRuntime) *Decoder {
	return &Decoder{runtime: runtime, samp: sampler.New(), arb: sampler.NewArbiter()}
}

// Step runs one round of speculate_step(seq, k, cfg) (§4.5): propose up to k
// draft tokens, verify them in one batched target call, arbitrate via
// rejection sampling, and commit the accepted prefix plus bonus token to
// both the draft and target KV caches (cache mutates via the runtime) and to
// the block-accounting cache (via cache.AppendPositions/TruncateTo).
//
// L_before must equal cache.Length(seq) going in; Step advances both the
// runtime's caches and cache's block table to L_before + len(result.Tokens).
func (d *Decoder) Step(seq kvcache.SequenceID, k int, cfg sampler.Config, cache *kvcache.PagedKVCache, r *rng.Partitioned) (*RoundResult, error) {
	samplerRNG := r.For(rng.SubsystemSampler)
	arbiterRNG := r.For(rng.SubsystemArbiter)

	lBefore := cache.Length(seq)

	draftTokens, draftDists, minConfidence, fellBack, err := d.draftPhase(seq, k, cfg, samplerRNG, lBefore)
	if err != nil {
		return nil, err
	}

	if len(draftTokens) == 0 {
		return d.targetOnlyStep(seq, lBefore, cfg, cache, samplerRNG, fellBack)
	}

	// Tentatively account for all K candidates in the block table, mirroring
	// the target runtime cache (which always commits all K positions before
	// verification decides how many survive). Rolled back below to
	// whatever boundary arbitration actually lands on.
	if err := cache.AppendPositions(seq, int64(len(draftTokens))); err != nil {
		if rollbackErr := d.runtime.RollbackDraft(seq, lBefore); rollbackErr != nil {
			return nil, rollbackErr
		}
		return nil, err
	}

	targetLogits, err := d.runtime.ForwardTarget(seq, draftTokens)
	if err != nil {
		return nil, herrors.Wrap(herrors.ModelFault, "target verification forward failed", err)
	}

	accepted := 0
	eosHit := false
	for i, tok := range draftTokens {
		p := d.samp.Distribution(targetLogits[i], cfg)
		q := draftDists[i]
		u := arbiterRNG.Float64()
		if !d.arb.Accept(u, p[tok], q[tok]) {
			break
		}
		accepted = i + 1
		if tok == d.runtime.EOSTokenID() {
			eosHit = true
			break
		}
	}

	draftProbs := make([]float64, len(draftTokens))
	for i, tok := range draftTokens {
		draftProbs[i] = draftDists[i][tok]
	}

	result := &RoundResult{
		AcceptedLen:        accepted,
		DraftProbs:         draftProbs,
		MinDraftConfidence: minConfidence,
		FellBackToTargetOnly: fellBack,
		EOSHit:             eosHit,
	}

	if eosHit {
		result.Tokens = append([]int{}, draftTokens[:accepted]...)
		result.BonusValid = false
		if err := d.commitTo(seq, lBefore+int64(accepted), cache); err != nil {
			return nil, err
		}
		return result, nil
	}

	var bonus int
	if accepted == len(draftTokens) {
		// All candidates accepted: the K+1'th target logits vector is free
		// telemetry from the verify call, sample the bonus from it.
		bonus, _ = d.samp.Sample(targetLogits[len(draftTokens)], cfg, samplerRNG)
	} else {
		p := d.samp.Distribution(targetLogits[accepted], cfg)
		q := draftDists[accepted]
		bonus = d.arb.DrawCorrected(p, q, arbiterRNG)
	}

	result.Tokens = append(append([]int{}, draftTokens[:accepted]...), bonus)
	result.BonusValid = true
	if bonus == d.runtime.EOSTokenID() {
		result.EOSHit = true
	}

	if err := d.commitRejected(seq, lBefore, accepted, bonus, cache); err != nil {
		return nil, err
	}
	return result, nil
}

// draftPhase proposes up to k candidate tokens one at a time, each obtained
// by peeking the draft model's frontier distribution (a zero-token
// ForwardDraft call) and then committing the sampled token with a
// one-element call (see runtimeadapter.ModelRuntime.ForwardDraft). Stops
// early if the draft itself proposes EOS (no point drafting past it) or if
// the draft model faults, in which case the partial draft is rolled back
// and the round falls back to a target-only step.
func (d *Decoder) draftPhase(seq kvcache.SequenceID, k int, cfg sampler.Config, r *rand.Rand, lBefore int64) ([]int, [][]float64, float64, bool, error) {
	if k <= 0 {
		return nil, nil, 1.0, false, nil
	}

	tokens := make([]int, 0, k)
	dists := make([][]float64, 0, k)
	minConfidence := 1.0

	for i := 0; i < k; i++ {
		peek, err := d.runtime.ForwardDraft(seq, nil)
		if err != nil {
			if rollbackErr := d.runtime.RollbackDraft(seq, lBefore); rollbackErr != nil {
				return nil, nil, 1.0, false, rollbackErr
			}
			return nil, nil, 1.0, true, nil
		}
		tok, dist := d.samp.Sample(peek[0], cfg, r)
		if _, err := d.runtime.ForwardDraft(seq, []int{tok}); err != nil {
			if rollbackErr := d.runtime.RollbackDraft(seq, lBefore); rollbackErr != nil {
				return nil, nil, 1.0, false, rollbackErr
			}
			return nil, nil, 1.0, true, nil
		}

		tokens = append(tokens, tok)
		dists = append(dists, dist)
		if conf := maxOf(dist); conf < minConfidence {
			minConfidence = conf
		}
		if tok == d.runtime.EOSTokenID() {
			break
		}
	}

	return tokens, dists, minConfidence, false, nil
}

// targetOnlyStep handles both the K==0 edge case and the ModelFault
// fallback: a single target-model sample with no draft phase, committed to
// both caches.
func (d *Decoder) targetOnlyStep(seq kvcache.SequenceID, lBefore int64, cfg sampler.Config, cache *kvcache.PagedKVCache, r *rand.Rand, fellBack bool) (*RoundResult, error) {
	peek, err := d.runtime.ForwardTarget(seq, nil)
	if err != nil {
		return nil, herrors.Wrap(herrors.ModelFault, "target-only forward failed", err)
	}
	tok, _ := d.samp.Sample(peek[0], cfg, r)

	if _, err := d.runtime.ForwardTarget(seq, []int{tok}); err != nil {
		return nil, herrors.Wrap(herrors.ModelFault, "target-only commit failed", err)
	}
	if _, err := d.runtime.ForwardDraft(seq, []int{tok}); err != nil {
		return nil, herrors.Wrap(herrors.ModelFault, "draft cache realignment failed", err)
	}
	if err := cache.AppendPositions(seq, 1); err != nil {
		return nil, err
	}

	return &RoundResult{
		Tokens:               []int{tok},
		AcceptedLen:          0,
		BonusValid:           true,
		EOSHit:               tok == d.runtime.EOSTokenID(),
		MinDraftConfidence:   1.0,
		FellBackToTargetOnly: fellBack,
	}, nil
}

// commitTo truncates both runtime caches and the block table down to
// exactly L (used on the EOS-accepted-with-no-bonus path: no new token is
// appended beyond what was already verified).
func (d *Decoder) commitTo(seq kvcache.SequenceID, l int64, cache *kvcache.PagedKVCache) error {
	if err := d.runtime.RollbackTarget(seq, l); err != nil {
		return err
	}
	if err := d.runtime.RollbackDraft(seq, l); err != nil {
		return err
	}
	return cache.TruncateTo(seq, l)
}

// commitRejected rolls both runtime caches back to L_before+accepted (the
// verified prefix, discarding the rejected candidate and anything drafted
// after it) and then appends the bonus token to both caches and the block
// table, landing at L_before + accepted + 1 (§4.5 step 4).
func (d *Decoder) commitRejected(seq kvcache.SequenceID, lBefore int64, accepted int, bonus int, cache *kvcache.PagedKVCache) error {
	boundary := lBefore + int64(accepted)
	if err := d.runtime.RollbackTarget(seq, boundary); err != nil {
		return err
	}
	if err := d.runtime.RollbackDraft(seq, boundary); err != nil {
		return err
	}
	if err := cache.TruncateTo(seq, boundary); err != nil {
		return err
	}

	if _, err := d.runtime.ForwardTarget(seq, []int{bonus}); err != nil {
		return herrors.Wrap(herrors.ModelFault, "bonus commit to target cache failed", err)
	}
	if _, err := d.runtime.ForwardDraft(seq, []int{bonus}); err != nil {
		return herrors.Wrap(herrors.ModelFault, "bonus commit to draft cache failed", err)
	}
	return cache.AppendPositions(seq, 1)
}

func maxOf(xs []float64) float64 {
	best := 0.0
	for _, v := range xs {
		if v > best {
			best = v
		}
	}
	return best
}

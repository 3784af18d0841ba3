package sampler

import "math/rand"

// Arbiter implements the rejection-sampling accept/reject rule that
// guarantees speculative decoding's output distribution equals the target
// model's exactly (§4.4). It is deliberately tiny and stateless: the
// correctness property rests entirely on this arithmetic being exact, so
// there is nothing here to "optimize" at the cost of the guarantee.
type Arbiter struct{}

// NewArbiter builds an Arbiter.
func NewArbiter() *Arbiter { return &Arbiter{} }

// Accept decides whether to keep the draft's proposed token x, given the
// draft's probability q(x) and the target's probability p(x) for that same
// token, and a uniform draw u. u should come from the request's "arbiter"
// RNG subsystem (internal/rng) so the same seed reproduces the same
// accept/reject sequence.
//
// Accept iff u <= min(1, p(x)/q(x)). When q(x) == 0 (the draft could never
// have produced x — e.g. it was filtered out of the draft's top-k/top-p
// support), the ratio is treated as 0: always reject (§4.4).
func (a *Arbiter) Accept(u, p, q float64) bool {
	if q <= 0 {
		return false
	}
	ratio := p / q
	if ratio > 1 {
		ratio = 1
	}
	return u <= ratio
}

// Corrected computes the renormalized max(0, p-q) distribution a bonus
// token is sampled from after a rejection (§4.4). p and q must be
// full-vocabulary distributions (same length, same token ordering,
// zero-padded where filtered).
func (a *Arbiter) Corrected(p, q []float64) []float64 {
	out := make([]float64, len(p))
	var sum float64
	for i := range p {
		d := p[i] - q[i]
		if d < 0 {
			d = 0
		}
		out[i] = d
		sum += d
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	} else {
		// p and q coincide exactly (or both are degenerate): fall back
		// to p itself, which is already the correct target distribution.
		copy(out, p)
	}
	return out
}

// DrawCorrected samples a bonus token from the corrected distribution.
func (a *Arbiter) DrawCorrected(p, q []float64, r *rand.Rand) int {
	return drawCategorical(a.Corrected(p, q), r)
}

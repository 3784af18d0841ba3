// Package sampler implements temperature/top-k/top-p sampling and the
// rejection-sampling arbiter that makes speculative decoding exact (§4.4).
// Grounded in the teacher's dependency on gonum.org/v1/gonum (present in
// go.mod, also used directly by o9nn-echo.go's tensor math): softmax and
// renormalization use gonum/floats (Max, Scale) instead of hand-rolled
// reduction loops.
package sampler

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Config is one request's sampling configuration (§6 GenerationRequest
// fields temperature/top_k/top_p/seed).
type Config struct {
	Temperature float64
	TopK        *int     // nil means unset
	TopP        *float64 // nil means unset
}

// Sampler turns raw logits into a token draw plus the full categorical
// distribution over the post-filter vocabulary, which the verifier needs
// to compute p(x)/q(x) (§4.5).
type Sampler struct{}

// New builds a Sampler. Stateless: all randomness is supplied by the caller
// via an *rand.Rand so callers control determinism (§8).
func New() *Sampler { return &Sampler{} }

// Distribution turns logits into a probability vector per cfg: softmax at
// the given temperature, then top-k (if set) then top-p/nucleus (if set)
// filtering, applied jointly as top-k first then nucleus, with a single
// renormalization over the surviving support (§4.4). temperature <= 0 is
// greedy: collapses to a one-hot distribution at argmax, matching Sample
// exactly, so the arbiter's p(x) for an accept/reject decision always
// agrees with what Sample itself would have drawn at the same cfg — the
// draft's greedy token is accepted iff it equals the target's argmax,
// never randomly rejected.
func (s *Sampler) Distribution(logits []float64, cfg Config) []float64 {
	n := len(logits)
	if cfg.Temperature <= 0 {
		dist := make([]float64, n)
		dist[argmax(logits)] = 1
		return dist
	}

	scaled := make([]float64, n)
	for i, l := range logits {
		scaled[i] = l / cfg.Temperature
	}
	probs := softmax(scaled)

	order := argsortDescending(probs)

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}

	if cfg.TopK != nil && *cfg.TopK > 0 && *cfg.TopK < n {
		for _, idx := range order[*cfg.TopK:] {
			keep[idx] = false
		}
	}

	if cfg.TopP != nil && *cfg.TopP > 0 && *cfg.TopP < 1 {
		var cumulative float64
		nucleusKeep := make([]bool, n)
		for _, idx := range order {
			if !keep[idx] {
				continue // already excluded by top-k; nucleus runs on its survivors
			}
			nucleusKeep[idx] = true
			cumulative += probs[idx]
			if cumulative >= *cfg.TopP {
				break
			}
		}
		for i := range keep {
			keep[i] = keep[i] && nucleusKeep[i]
		}
	}

	out := make([]float64, n)
	var sum float64
	for i, p := range probs {
		if keep[i] {
			out[i] = p
			sum += p
		}
	}
	if sum > 0 {
		floats.Scale(1/sum, out)
	}
	return out
}

// Sample draws one token id from logits under cfg using r for randomness,
// returning the token and the full distribution it was drawn from (needed
// by the verifier). temperature == 0 is greedy: a one-hot distribution at
// argmax, drawn deterministically (§4.4).
func (s *Sampler) Sample(logits []float64, cfg Config, r *rand.Rand) (int, []float64) {
	if cfg.Temperature <= 0 {
		idx := argmax(logits)
		dist := make([]float64, len(logits))
		dist[idx] = 1
		return idx, dist
	}

	dist := s.Distribution(logits, cfg)
	return drawCategorical(dist, r), dist
}

// drawCategorical samples an index from a (possibly sparse, summing to ~1)
// probability vector via inverse-CDF search.
func drawCategorical(probs []float64, r *rand.Rand) int {
	u := r.Float64()
	var cumulative float64
	for i, p := range probs {
		cumulative += p
		if u <= cumulative {
			return i
		}
	}
	// Floating-point slack: fall back to the last nonzero entry.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}

func argmax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

func argsortDescending(xs []float64) []int {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return xs[idx[i]] > xs[idx[j]] })
	return idx
}

func softmax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	maxV := floats.Max(xs)
	var sum float64
	for i, v := range xs {
		e := math.Exp(v - maxV)
		out[i] = e
		sum += e
	}
	floats.Scale(1/sum, out)
	return out
}

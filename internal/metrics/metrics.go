// Package metrics implements the Metrics Registry (C9, §4.9): the
// counters, gauges, and histograms the pipeline and speculative decoder
// report into, exposed at a stable-format scrape endpoint. Grounded in the
// teacher's sim/metrics.go Metrics struct (CompletedRequests,
// TotalOutputTokens, TTFTSum, TPOTSum, KVBlocksUsed/PeakKVBlocksUsed) —
// generalized from "accumulate plain fields, Print() at the end of a single
// simulation run" to "expose live counters at a scrape endpoint", which is
// exactly the role matrixinfer-ai-kthena's gateway fills with
// prometheus/client_golang throughout pkg/infer-gateway/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every metric this engine reports (§4.9). One Registry per
// process; all atomics under the hood, so readers never block writers
// (§5's "Metrics: all atomics; readers never block writers").
type Registry struct {
	reg *prometheus.Registry

	TokensGeneratedTotal prometheus.Counter
	TokensAcceptedTotal  prometheus.Counter
	TokensRejectedTotal  prometheus.Counter
	RoundsTotal          prometheus.Counter
	RequestsTotal        *prometheus.CounterVec

	PrefixBlocksCompletedTotal prometheus.Counter
	PrefixBlocksHitTotal       prometheus.Counter

	ActiveSequences prometheus.Gauge
	FreeBlocks      prometheus.Gauge
	CurrentKMean    prometheus.Gauge

	TimeToFirstToken prometheus.Histogram
	TokensPerSecond  prometheus.Histogram
	RoundLatency     prometheus.Histogram
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TokensGeneratedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helix_tokens_generated_total",
			Help: "Total tokens emitted to clients, accepted and bonus combined.",
		}),
		TokensAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helix_tokens_accepted_total",
			Help: "Total draft tokens accepted by the verifier.",
		}),
		TokensRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helix_tokens_rejected_total",
			Help: "Total draft tokens rejected by the verifier.",
		}),
		RoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helix_rounds_total",
			Help: "Total speculative-decoding rounds executed.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_requests_total",
			Help: "Total requests, labeled by terminal status.",
		}, []string{"status"}),
		PrefixBlocksCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helix_prefix_blocks_completed_total",
			Help: "Total KV cache blocks that filled and were hashed into the prefix index.",
		}),
		PrefixBlocksHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helix_prefix_blocks_hit_total",
			Help: "Total prefix-index updates whose first newly-completed block already existed in the index (at most one per update).",
		}),
		ActiveSequences: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helix_active_sequences",
			Help: "Sequences currently in Prefilling or Decoding.",
		}),
		FreeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helix_free_blocks",
			Help: "KV cache blocks currently unallocated.",
		}),
		CurrentKMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helix_current_k_mean",
			Help: "Mean speculation depth across active sequences.",
		}),
		TimeToFirstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helix_time_to_first_token_seconds",
			Help:    "Latency from admission to the first emitted token.",
			Buckets: prometheus.DefBuckets,
		}),
		TokensPerSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helix_tokens_per_second",
			Help:    "Decode throughput of a request so far, observed after every round.",
			Buckets: prometheus.LinearBuckets(5, 10, 10),
		}),
		RoundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helix_round_latency_seconds",
			Help:    "Wall-clock duration of one speculate_step round.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		r.TokensGeneratedTotal, r.TokensAcceptedTotal, r.TokensRejectedTotal,
		r.RoundsTotal, r.RequestsTotal,
		r.PrefixBlocksCompletedTotal, r.PrefixBlocksHitTotal,
		r.ActiveSequences, r.FreeBlocks, r.CurrentKMean,
		r.TimeToFirstToken, r.TokensPerSecond, r.RoundLatency,
	)
	return r
}

// Handler returns the /metrics scrape endpoint (§6).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordRound folds one speculative round's outcome into the counters and
// histograms a pipeline reports after each C5 call.
func (r *Registry) RecordRound(accepted, total int, roundSeconds float64) {
	r.RoundsTotal.Inc()
	r.TokensAcceptedTotal.Add(float64(accepted))
	if total > accepted {
		r.TokensRejectedTotal.Add(float64(total - accepted))
	}
	r.RoundLatency.Observe(roundSeconds)
}

// RecordPrefixIndex folds one kvcache.PagedKVCache.UpdatePrefixIndex call's
// outcome into the prefix-reuse metrics (§13's supplemented prefix-reuse
// hashing feature): every completed block is counted, but a hit is counted
// at most once per call, only when the first newly-completed block was
// already indexed.
func (r *Registry) RecordPrefixIndex(hit bool, completed int64) {
	if completed == 0 {
		return
	}
	r.PrefixBlocksCompletedTotal.Add(float64(completed))
	if hit {
		r.PrefixBlocksHitTotal.Inc()
	}
}

// RecordRequest records a terminal request outcome (§4.9
// requests_total{status}).
func (r *Registry) RecordRequest(status string) {
	r.RequestsTotal.WithLabelValues(status).Inc()
}

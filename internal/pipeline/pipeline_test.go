package pipeline

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-engine/helix/internal/block"
	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/metrics"
	"github.com/helix-engine/helix/internal/runtimeadapter"
)

func newTestPipelineWithRegistry() (*Pipeline, *kvcache.PagedKVCache, *metrics.Registry) {
	runtime := runtimeadapter.NewStubRuntime(2048, 0, 11)
	cache := kvcache.NewPagedKVCache(block.NewAllocator(4096), 16)
	reg := metrics.New()
	return New(runtime, cache, reg, time.Minute, time.Minute), cache, reg
}

func newTestPipeline() (*Pipeline, *kvcache.PagedKVCache) {
	p, cache, _ := newTestPipelineWithRegistry()
	return p, cache
}

func drain(t *testing.T, events <-chan GenerationEvent, timeout time.Duration) []GenerationEvent {
	t.Helper()
	var out []GenerationEvent
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func TestMaxTokensStopsGenerationAndReclaimsBlocks(t *testing.T) {
	p, cache := newTestPipeline()
	freeBefore := cache.FreeBlocks()

	state := NewSequenceState("req-1")
	cfg := config.GenerationConfig{Prompt: "hello world", MaxTokens: 5, Temperature: 1, SpeculationDepth: 2, UseSpeculative: true, Adaptive: true}
	events := p.Run(state, cfg)

	all := drain(t, events, 5*time.Second)
	require.NotEmpty(t, all)

	last := all[len(all)-1]
	assert.Equal(t, EventDone, last.EventType)
	assert.True(t, last.IsFinal)
	assert.Equal(t, string(ReasonMaxTokens), last.Reason)

	tokenCount := 0
	for _, e := range all {
		if e.EventType == EventToken {
			tokenCount++
		}
	}
	assert.LessOrEqual(t, tokenCount, cfg.MaxTokens)
	assert.Equal(t, freeBefore, cache.FreeBlocks())
}

func TestCancellationStopsSilentlyAndReclaimsBlocks(t *testing.T) {
	p, cache := newTestPipeline()
	freeBefore := cache.FreeBlocks()

	state := NewSequenceState("req-2")
	cfg := config.GenerationConfig{Prompt: "hello", MaxTokens: 2048, Temperature: 1, SpeculationDepth: 4, UseSpeculative: true, Adaptive: true}
	events := p.Run(state, cfg)

	// Cancel immediately; the pipeline must still terminate cleanly.
	state.Cancelled.Store(true)

	all := drain(t, events, 5*time.Second)
	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, EventDone, last.EventType)
	assert.Equal(t, string(ReasonClientGone), last.Reason)
	for _, e := range all {
		assert.NotEqual(t, EventError, e.EventType, "cancellation must be silent, never an error event")
	}
	assert.Equal(t, freeBefore, cache.FreeBlocks())
}

func TestMetricsAreWiredDuringAndAfterARun(t *testing.T) {
	p, cache, reg := newTestPipelineWithRegistry()

	state := NewSequenceState("req-metrics")
	cfg := config.GenerationConfig{Prompt: "hello world", MaxTokens: 6, Temperature: 1, SpeculationDepth: 2, UseSpeculative: true, Adaptive: true}
	events := p.Run(state, cfg)
	drain(t, events, 5*time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(reg.ActiveSequences), "must be decremented back to 0 on completion")
	assert.Equal(t, float64(cache.FreeBlocks()), testutil.ToFloat64(reg.FreeBlocks))
	assert.Greater(t, testutil.ToFloat64(reg.RoundsTotal), float64(0))
	assert.Greater(t, testutil.CollectAndCount(reg.TimeToFirstToken), 0)
	assert.Greater(t, testutil.CollectAndCount(reg.TokensPerSecond), 0)
}

func TestSequentialRequestsReclaimAllBlocks(t *testing.T) {
	// §8 scenario S3 (scaled down): after N sequential requests complete,
	// free_blocks must equal the startup free_blocks.
	p, cache := newTestPipeline()
	freeBefore := cache.FreeBlocks()

	for i := 0; i < 20; i++ {
		state := NewSequenceState(kvcache.SequenceID("seq"))
		cfg := config.GenerationConfig{Prompt: "prefix text", MaxTokens: 8, Temperature: 1, SpeculationDepth: 3, UseSpeculative: true, Adaptive: true}
		events := p.Run(state, cfg)
		drain(t, events, 5*time.Second)
	}

	assert.Equal(t, freeBefore, cache.FreeBlocks())
}

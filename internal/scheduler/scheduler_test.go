package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-engine/helix/internal/block"
	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/herrors"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/metrics"
	"github.com/helix-engine/helix/internal/pipeline"
	"github.com/helix-engine/helix/internal/runtimeadapter"
)

func newTestScheduler(ratePerSec float64, maxDepth int) *Scheduler {
	runtime := runtimeadapter.NewStubRuntime(512, 0, 5)
	cache := kvcache.NewPagedKVCache(block.NewAllocator(4096), 16)
	reg := metrics.New()
	p := pipeline.New(runtime, cache, reg, time.Minute, time.Minute)
	return New(p, ratePerSec, maxDepth)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	s := newTestScheduler(100, 8)
	state := pipeline.NewSequenceState("r1")
	cfg := config.GenerationConfig{Prompt: "hi", MaxTokens: 4, Temperature: 1, SpeculationDepth: 2, UseSpeculative: true, Adaptive: true}

	events, err := s.Submit(context.Background(), state, cfg)
	require.NoError(t, err)

	var last pipeline.GenerationEvent
	for e := range events {
		last = e
	}
	assert.Equal(t, pipeline.EventDone, last.EventType)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	// One long-running request occupies the worker; maxDepth=2 bounds how
	// many more may wait behind it before admission fails Overloaded.
	s := newTestScheduler(1000, 2)
	longRunning := pipeline.NewSequenceState("in-flight")
	longCfg := config.GenerationConfig{Prompt: "hi", MaxTokens: 2000, Temperature: 1, SpeculationDepth: 4, UseSpeculative: true, Adaptive: true}
	longEvents, err := s.Submit(context.Background(), longRunning, longCfg)
	require.NoError(t, err)

	// Submit blocks until the worker starts the request, so the two queued
	// requests are submitted from their own goroutines.
	quickCfg := config.GenerationConfig{Prompt: "hi", MaxTokens: 4, Temperature: 1, SpeculationDepth: 2, UseSpeculative: true, Adaptive: true}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		st := pipeline.NewSequenceState(kvcache.SequenceID(rune('a' + i)))
		go func() {
			events, err := s.Submit(context.Background(), st, quickCfg)
			if err == nil {
				for range events {
				}
			}
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return s.QueueDepth() == 2 }, 5*time.Second, time.Millisecond)

	overflow := pipeline.NewSequenceState("overflow")
	_, err = s.Submit(context.Background(), overflow, quickCfg)
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.Overloaded))

	// Release the worker so the two queued requests run and their Submit
	// calls return.
	longRunning.Cancelled.Store(true)
	for range longEvents {
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs, "request %d should still fit in the queue", i)
	}
}

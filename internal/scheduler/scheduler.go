// Package scheduler implements the §5 concurrency model's admission and
// fairness layer: a FIFO queue of requests in front of a single worker that
// owns the model runtime exclusively, so only one sequence is ever in
// Decoding at a time (§4.7 "Fairness: only one request per sequence is in
// Decoding at a time"). Grounded in the teacher's sim/admission.go (an
// admission-control layer sitting in front of the simulated batch
// processor) generalized from trace-driven simulated admission to a real
// rate-limited, depth-bounded queue in front of a real worker goroutine.
package scheduler

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
	"golang.org/x/time/rate"

	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/herrors"
	"github.com/helix-engine/helix/internal/pipeline"
)

// admittedRequest is one FIFO queue entry. out carries back the forwarding
// channel the caller should read events from, once the worker actually
// starts this request.
type admittedRequest struct {
	state *pipeline.SequenceState
	cfg   config.GenerationConfig
	out   chan chan pipeline.GenerationEvent
}

// Scheduler is the single point of admission for one Pipeline. Safe for
// concurrent Submit calls from many request-handling goroutines; only the
// internal loop goroutine ever calls into the pipeline (and therefore the
// model runtime), per §5's "API calls from other threads are forbidden".
type Scheduler struct {
	pipeline *pipeline.Pipeline
	limiter  *rate.Limiter
	maxDepth int

	mu   sync.Mutex
	q    deque.Deque[*admittedRequest]
	wake chan struct{}
}

// New builds a Scheduler over p, admitting at most ratePerSec new requests
// per second with at most maxDepth requests queued at once.
func New(p *pipeline.Pipeline, ratePerSec float64, maxDepth int) *Scheduler {
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	s := &Scheduler{
		pipeline: p,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		maxDepth: maxDepth,
		wake:     make(chan struct{}, 1),
	}
	go s.loop()
	return s
}

// Submit admits one request. It blocks until the request reaches the
// front of the FIFO queue and the worker begins running it, then returns
// the channel of events the caller should stream or collect. Returns an
// Overloaded error immediately (without queueing) if the admission rate
// or queue depth bound is exceeded, and a ClientGone error if ctx is
// cancelled while still queued.
func (s *Scheduler) Submit(ctx context.Context, state *pipeline.SequenceState, cfg config.GenerationConfig) (<-chan pipeline.GenerationEvent, error) {
	if !s.limiter.Allow() {
		return nil, herrors.New(herrors.Overloaded, "admission rate exceeded")
	}

	s.mu.Lock()
	if s.q.Len() >= s.maxDepth {
		s.mu.Unlock()
		return nil, herrors.New(herrors.Overloaded, "admission queue depth exceeded")
	}
	req := &admittedRequest{state: state, cfg: cfg, out: make(chan chan pipeline.GenerationEvent, 1)}
	s.q.PushBack(req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case events := <-req.out:
		return events, nil
	case <-ctx.Done():
		// Still queued (or just dequeued): mark it cancelled so that once
		// the worker does reach it, Run observes cancellation at its very
		// first check and the round trips through in one fast, silent
		// Done{reason=cancelled} rather than running to completion for a
		// client that already left.
		state.Cancelled.Store(true)
		return nil, herrors.New(herrors.ClientGone, "client disconnected while queued")
	}
}

// QueueDepth reports the current backlog, for /health.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

func (s *Scheduler) loop() {
	for {
		s.mu.Lock()
		if s.q.Len() == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		req := s.q.PopFront()
		s.mu.Unlock()

		events := s.pipeline.Run(req.state, req.cfg)
		forward := make(chan pipeline.GenerationEvent, 64)
		req.out <- forward
		for e := range events {
			forward <- e
		}
		close(forward)
	}
}

// Package pipeline implements the Generation Pipeline (C7, §4.7): the
// per-request state machine that drives C5 in a loop, applies stop
// conditions, and emits a lazy sequence of GenerationEvents for C8 to
// transport. Grounded in the teacher's sim/simulator.go request lifecycle
// (Request.State string machine: "queued" → "running" → "completed" driven
// by repeated Step calls) generalized into a typed State enum with an
// explicit Stopping phase and structured stop reasons.
package pipeline

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helix-engine/helix/internal/adaptive"
	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/herrors"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/metrics"
	"github.com/helix-engine/helix/internal/rng"
	"github.com/helix-engine/helix/internal/runtimeadapter"
	"github.com/helix-engine/helix/internal/sampler"
	"github.com/helix-engine/helix/internal/speculative"
)

var log = logrus.WithField("component", "pipeline")

// State is one position in the §4.7 state machine.
type State int

const (
	Admitted State = iota
	Prefilling
	Decoding
	Stopping
	Terminal
)

func (s State) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Prefilling:
		return "prefilling"
	case Decoding:
		return "decoding"
	case Stopping:
		return "stopping"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StopReason names why a sequence entered Stopping (§4.7's table, plus
// Deadline which §5 names as its own stop condition).
type StopReason string

const (
	ReasonMaxTokens  StopReason = "max_tokens"
	ReasonEOS        StopReason = "eos"
	ReasonStopString StopReason = "stop_string"
	ReasonError      StopReason = "error"
	ReasonClientGone StopReason = "cancelled"
	ReasonDeadline   StopReason = "deadline"
)

// EventKind is the GenerationEvent tag (§3 data model, §6 event schema).
type EventKind string

const (
	EventToken   EventKind = "token"
	EventMetrics EventKind = "metrics"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// GenerationEvent is the wire shape streamed by C8 (§6: "at least
// {event_type, index, is_final} plus event-specific fields").
type GenerationEvent struct {
	EventType EventKind `json:"event_type"`
	Index     int       `json:"index"`
	IsFinal   bool      `json:"is_final"`

	// token fields
	Token        string `json:"token,omitempty"`
	TokenID      int    `json:"token_id,omitempty"`
	LogicalIndex int64  `json:"logical_index,omitempty"`
	Accepted     bool   `json:"accepted,omitempty"`

	// metrics fields
	AcceptanceRate  float64 `json:"acceptance_rate,omitempty"`
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`
	CurrentK        int     `json:"current_k,omitempty"`

	// done fields
	Reason string `json:"reason,omitempty"`

	// error fields
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SequenceState is the per-request state the pipeline owns exclusively
// (§3 data model). Cancellation is observed via the embedded atomic so an
// HTTP-layer goroutine can request it without touching anything else.
type SequenceState struct {
	ID           kvcache.SequenceID
	PromptIDs    []int
	GeneratedIDs []int
	State        State
	K            int
	Accepted     int
	Rejected     int
	Cancelled    atomic.Bool
	Deadline     time.Time
}

// NewSequenceState builds the per-request state a Pipeline.Run call owns.
func NewSequenceState(id kvcache.SequenceID) *SequenceState {
	return &SequenceState{ID: id, State: Admitted}
}

// Pipeline wires C5 (speculative.Decoder), C2 (kvcache.PagedKVCache), C3
// (runtimeadapter.ModelRuntime) and C9 (metrics.Registry) into the §4.7
// state machine. One Pipeline serves all sequences on one worker (§5: the
// model runtime is owned exclusively by the worker goroutine that calls
// Run).
type Pipeline struct {
	decoder *speculative.Decoder
	cache   *kvcache.PagedKVCache
	runtime runtimeadapter.ModelRuntime
	reg     *metrics.Registry

	prefillDeadline time.Duration
	decodeDeadline  time.Duration
}

// New builds a Pipeline over one runtime/cache/registry triple.
func New(runtime runtimeadapter.ModelRuntime, cache *kvcache.PagedKVCache, reg *metrics.Registry, prefillDeadline, decodeDeadline time.Duration) *Pipeline {
	return &Pipeline{
		decoder:         speculative.New(runtime),
		cache:           cache,
		runtime:         runtime,
		reg:             reg,
		prefillDeadline: prefillDeadline,
		decodeDeadline:  decodeDeadline,
	}
}

// Run drives one sequence end to end and returns the channel of events it
// produces, in order, closing it on Terminal. The caller owns `state`
// (constructed via NewSequenceState) and may call state.Cancelled.Store(true)
// from another goroutine at any time; Run observes it between rounds
// within one speculative round's latency (§5 cancellation semantics).
func (p *Pipeline) Run(state *SequenceState, cfg config.GenerationConfig) <-chan GenerationEvent {
	events := make(chan GenerationEvent, 64) // bounded per §8 scenario S4 backpressure
	go p.run(state, cfg, events)
	return events
}

func (p *Pipeline) run(state *SequenceState, cfg config.GenerationConfig, events chan<- GenerationEvent) {
	idx := 0
	emit := func(e GenerationEvent) {
		e.Index = idx
		idx++
		events <- e
	}
	defer close(events)

	admissionStart := time.Now()
	p.reg.ActiveSequences.Inc()
	firstTokenEmitted := false

	state.State = Admitted
	promptIDs, err := p.runtime.Encode(cfg.Prompt)
	if err != nil {
		p.fail(state, emit, herrors.Wrap(herrors.Input, "prompt encode failed", err))
		return
	}
	state.PromptIDs = promptIDs

	if err := p.cache.AppendPositions(state.ID, int64(len(promptIDs))); err != nil {
		p.fail(state, emit, err)
		return
	}
	hit, completed := p.cache.UpdatePrefixIndex(state.ID, promptIDs)
	p.reg.RecordPrefixIndex(hit, completed)

	state.State = Prefilling
	prefillDeadline := time.Now().Add(p.prefillDeadline)
	if _, err := p.runtime.ForwardTarget(state.ID, promptIDs); err != nil {
		p.fail(state, emit, herrors.Wrap(herrors.ModelFault, "prefill target forward failed", err))
		return
	}
	if _, err := p.runtime.ForwardDraft(state.ID, promptIDs); err != nil {
		p.fail(state, emit, herrors.Wrap(herrors.ModelFault, "prefill draft forward failed", err))
		return
	}
	if time.Now().After(prefillDeadline) {
		p.stop(state, emit, ReasonDeadline)
		return
	}

	state.State = Decoding
	state.Deadline = time.Now().Add(p.decodeDeadline)

	seedKey := rng.NewKey(0)
	if cfg.Seed != nil {
		seedKey = rng.NewKey(*cfg.Seed)
	} else {
		seedKey = rng.NewKey(time.Now().UnixNano())
	}
	r := rng.New(seedKey)

	// The controller always tracks acceptance rate for telemetry; when
	// cfg.Adaptive is false it simply never gets consulted for K below.
	controller := adaptive.New(adaptive.DefaultConfig(), cfg.SpeculationDepth)

	samplerCfg := sampler.Config{Temperature: cfg.Temperature, TopK: cfg.TopK, TopP: cfg.TopP}
	decodeStart := time.Now()

	for {
		if state.Cancelled.Load() {
			p.stop(state, emit, ReasonClientGone)
			return
		}
		if time.Now().After(state.Deadline) {
			p.stop(state, emit, ReasonDeadline)
			return
		}
		if len(state.GeneratedIDs) >= cfg.MaxTokens {
			p.stop(state, emit, ReasonMaxTokens)
			return
		}

		k := cfg.SpeculationDepth
		if cfg.Adaptive {
			k = controller.K()
		}
		remaining := cfg.MaxTokens - len(state.GeneratedIDs)
		if k >= remaining {
			k = remaining - 1 // leave room for the guaranteed bonus/target token
			if k < 0 {
				k = 0
			}
		}

		roundStart := time.Now()
		result, err := p.decoder.Step(state.ID, k, samplerCfg, p.cache, r)
		if err != nil {
			p.fail(state, emit, err)
			return
		}
		roundSeconds := time.Since(roundStart).Seconds()
		p.reg.RecordRound(result.AcceptedLen, k, roundSeconds)

		controller.RecordRound(result.AcceptedLen, k, result.MinDraftConfidence)

		stopped, reason, keep := p.applyStopConditions(state, cfg, result)
		for i := 0; i < keep; i++ {
			tok := result.Tokens[i]
			state.GeneratedIDs = append(state.GeneratedIDs, tok)
			text, decErr := p.runtime.Decode([]int{tok})
			if decErr != nil {
				text = ""
			}
			accepted := i < result.AcceptedLen
			p.reg.TokensGeneratedTotal.Inc()
			if !firstTokenEmitted {
				firstTokenEmitted = true
				p.reg.TimeToFirstToken.Observe(time.Since(admissionStart).Seconds())
			}
			emit(GenerationEvent{
				EventType:    EventToken,
				Token:        text,
				TokenID:      tok,
				LogicalIndex: int64(len(state.GeneratedIDs) - 1),
				Accepted:     accepted,
			})
		}

		p.reg.FreeBlocks.Set(float64(p.cache.FreeBlocks()))
		// Only one sequence ever decodes at a time (§5), so "mean across
		// active sequences" degenerates to this sequence's current K.
		p.reg.CurrentKMean.Set(float64(controller.K()))
		if keep < len(result.Tokens) {
			// The round produced more tokens than the stop condition
			// allows; roll both caches back to the kept boundary so the
			// engine's accounting matches what was actually streamed.
			boundary := p.cache.Length(state.ID) - int64(len(result.Tokens)-keep)
			if err := p.rollbackTo(state.ID, boundary); err != nil {
				p.fail(state, emit, err)
				return
			}
		}

		// Runs after any rollback so the block table's logical length
		// matches exactly the tokens actually kept this round.
		allTokens := append(append([]int{}, state.PromptIDs...), state.GeneratedIDs...)
		hit, completed := p.cache.UpdatePrefixIndex(state.ID, allTokens)
		p.reg.RecordPrefixIndex(hit, completed)

		tokensPerSecond := float64(len(state.GeneratedIDs)) / time.Since(decodeStart).Seconds()
		p.reg.TokensPerSecond.Observe(tokensPerSecond)
		emit(GenerationEvent{
			EventType:       EventMetrics,
			AcceptanceRate:  controller.AcceptanceRate(),
			TokensPerSecond: tokensPerSecond,
			CurrentK:        controller.K(),
		})

		if stopped {
			p.stop(state, emit, reason)
			return
		}
	}
}

// applyStopConditions walks a round's committed tokens in order and
// decides how many to keep, checking after each token, in order: EOS,
// stop-string, max_tokens. Client cancellation and the decode deadline are
// not checked here; run checks them at the top of every round.
func (p *Pipeline) applyStopConditions(state *SequenceState, cfg config.GenerationConfig, result *speculative.RoundResult) (stopped bool, reason StopReason, keep int) {
	decoded := state.decodedSuffix(p.runtime)
	for i, tok := range result.Tokens {
		if tok == p.runtime.EOSTokenID() {
			return true, ReasonEOS, i + 1
		}
		decoded += tokenText(p.runtime, tok)
		for _, stop := range cfg.Stop {
			if stop != "" && strings.Contains(decoded, stop) {
				return true, ReasonStopString, i + 1
			}
		}
		if len(state.GeneratedIDs)+i+1 >= cfg.MaxTokens {
			return true, ReasonMaxTokens, i + 1
		}
	}
	return false, "", len(result.Tokens)
}

func tokenText(runtime runtimeadapter.ModelRuntime, tok int) string {
	text, err := runtime.Decode([]int{tok})
	if err != nil {
		return ""
	}
	return text
}

func (s *SequenceState) decodedSuffix(runtime runtimeadapter.ModelRuntime) string {
	text, err := runtime.Decode(s.GeneratedIDs)
	if err != nil {
		return ""
	}
	return text
}

func (p *Pipeline) rollbackTo(seq kvcache.SequenceID, l int64) error {
	if err := p.runtime.RollbackTarget(seq, l); err != nil {
		return err
	}
	if err := p.runtime.RollbackDraft(seq, l); err != nil {
		return err
	}
	return p.cache.TruncateTo(seq, l)
}

// stop transitions to Stopping then Terminal, reclaiming blocks before the
// Done event (§4.7, §7's "Blocks are reclaimed before the Done/Error event
// is emitted").
func (p *Pipeline) stop(state *SequenceState, emit func(GenerationEvent), reason StopReason) {
	state.State = Stopping
	p.cache.Destroy(state.ID)
	p.runtime.Reset(state.ID)
	state.State = Terminal
	p.reg.RecordRequest(string(reason))
	p.reg.ActiveSequences.Dec()
	p.reg.FreeBlocks.Set(float64(p.cache.FreeBlocks()))
	// §7: cancellation is silent (no Error event) and every other clean
	// stop reason is reported the same way — just a Done event naming why.
	emit(GenerationEvent{EventType: EventDone, Reason: string(reason), IsFinal: true})
}

// fail transitions straight to Stopping/Terminal on a request-scoped
// error, reclaiming blocks and emitting a structured Error event (§7:
// "surfaced to client as ... ; never let an invariant violation continue").
func (p *Pipeline) fail(state *SequenceState, emit func(GenerationEvent), err error) {
	kind := herrors.KindOf(err)
	if kind == herrors.Internal || kind == herrors.ShapeMismatch {
		log.WithField("seq", state.ID).WithError(err).Fatal("invariant violation")
	}
	log.WithField("seq", state.ID).WithError(err).Warn("request failed")
	state.State = Stopping
	p.cache.Destroy(state.ID)
	p.runtime.Reset(state.ID)
	state.State = Terminal
	p.reg.RecordRequest(kind.String())
	p.reg.ActiveSequences.Dec()
	p.reg.FreeBlocks.Set(float64(p.cache.FreeBlocks()))
	emit(GenerationEvent{
		EventType:    EventError,
		ErrorKind:    kind.String(),
		ErrorMessage: err.Error(),
		IsFinal:      true,
	})
}

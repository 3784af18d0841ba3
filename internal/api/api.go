// Package api implements the Request API (C10, §4.10, §6): validates
// GenerationRequest bodies, submits them through the scheduler to the
// pipeline, and routes the resulting events to either a streaming or
// collected HTTP response. Grounded in matrixinfer-ai-kthena's
// pkg/infer-gateway HTTP handlers (gin.Engine, JSON binding, structured
// error responses) generalized from a gateway routing to external model
// servers into a router that serves generation directly.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/herrors"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/metrics"
	"github.com/helix-engine/helix/internal/pipeline"
	"github.com/helix-engine/helix/internal/scheduler"
	"github.com/helix-engine/helix/internal/transport"
)

// Server wires the engine's scheduler, metrics, and cache into an HTTP
// router (§6's surface).
type Server struct {
	sched  *scheduler.Scheduler
	reg    *metrics.Registry
	cache  *kvcache.PagedKVCache
	engine config.EngineConfig
}

// New builds a Server. engine.MaxPromptLen governs request validation.
func New(sched *scheduler.Scheduler, reg *metrics.Registry, cache *kvcache.PagedKVCache, engine config.EngineConfig) *Server {
	return &Server{sched: sched, reg: reg, cache: cache, engine: engine}
}

// Router builds the gin engine with every route in §6's table.
func (s *Server) Router() *gin.Engine {
	// Unrecognized request fields fail binding and are rejected as Input.
	gin.EnableJsonDecoderDisallowUnknownFields()
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", s.handlePing)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.reg.Handler()))
	r.POST("/generate", s.handleGenerate)
	r.POST("/generate/stream", s.handleGenerateStream)
	r.POST("/generate/batch", s.handleGenerateBatch)
	return r
}

func (s *Server) handlePing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"model_loaded": true,
		"free_blocks":  s.cache.FreeBlocks(),
	})
}

// errorStatus maps an herrors.Kind to the HTTP status §7 assigns it.
func errorStatus(kind herrors.Kind) int {
	switch kind {
	case herrors.Input:
		return http.StatusBadRequest
	case herrors.Overloaded:
		return http.StatusServiceUnavailable
	case herrors.Deadline:
		return http.StatusGatewayTimeout
	case herrors.OutOfBlocks, herrors.ModelFault:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) admit(c *gin.Context) (*pipeline.SequenceState, <-chan pipeline.GenerationEvent, bool) {
	var req config.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": herrors.Input.String(), "error_message": err.Error()})
		return nil, nil, false
	}

	cfg, err := req.Validate(s.engine.MaxPromptLen)
	if err != nil {
		kind := herrors.KindOf(err)
		c.JSON(errorStatus(kind), gin.H{"error_kind": kind.String(), "error_message": err.Error()})
		return nil, nil, false
	}

	state := pipeline.NewSequenceState(kvcache.SequenceID(uuid.NewString()))
	events, err := s.sched.Submit(c.Request.Context(), state, cfg)
	if err != nil {
		kind := herrors.KindOf(err)
		c.JSON(errorStatus(kind), gin.H{"error_kind": kind.String(), "error_message": err.Error()})
		return nil, nil, false
	}
	return state, events, true
}

func (s *Server) handleGenerate(c *gin.Context) {
	state, events, ok := s.admit(c)
	if !ok {
		return
	}
	tokens, final := transport.CollectAll(events)

	var text string
	for _, t := range tokens {
		text += t.Token
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":  string(state.ID),
		"text":        text,
		"token_count": len(tokens),
		"reason":      final.Reason,
		"error_kind":  final.ErrorKind,
	})
}

func (s *Server) handleGenerateStream(c *gin.Context) {
	state, events, ok := s.admit(c)
	if !ok {
		return
	}
	transport.WriteNDJSON(c, events, transport.NewCancelToken(state))
}

func (s *Server) handleGenerateBatch(c *gin.Context) {
	var body struct {
		Requests []config.GenerationRequest `json:"requests"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": herrors.Input.String(), "error_message": err.Error()})
		return
	}

	// §13: sequential, not a true batched forward pass — §6 explicitly
	// specifies "array of GenerationResponse (sequential)".
	responses := make([]gin.H, 0, len(body.Requests))
	for _, req := range body.Requests {
		cfg, err := req.Validate(s.engine.MaxPromptLen)
		if err != nil {
			kind := herrors.KindOf(err)
			responses = append(responses, gin.H{"error_kind": kind.String(), "error_message": err.Error()})
			continue
		}
		state := pipeline.NewSequenceState(kvcache.SequenceID(uuid.NewString()))
		events, err := s.sched.Submit(c.Request.Context(), state, cfg)
		if err != nil {
			kind := herrors.KindOf(err)
			responses = append(responses, gin.H{"error_kind": kind.String(), "error_message": err.Error()})
			continue
		}
		tokens, final := transport.CollectAll(events)
		var text string
		for _, t := range tokens {
			text += t.Token
		}
		responses = append(responses, gin.H{
			"request_id":  string(state.ID),
			"text":        text,
			"token_count": len(tokens),
			"reason":      final.Reason,
			"error_kind":  final.ErrorKind,
		})
	}
	c.JSON(http.StatusOK, responses)
}

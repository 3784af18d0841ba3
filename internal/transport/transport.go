// Package transport implements the Streaming Transport (C8, §4.8): a
// newline-delimited JSON adapter over the lazy GenerationEvent channel the
// pipeline produces, with a flush after every line and client-disconnect
// detection wired back to the pipeline's one-shot cancellation token.
// Grounded in matrixinfer-ai-kthena's gateway streaming handlers, which
// write one JSON object per SSE/NDJSON chunk through gin's
// ResponseWriter and call http.Flusher.Flush after each write — the same
// pattern used here, minus the SSE "data: " framing since §4.8 specifies
// plain NDJSON.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/helix-engine/helix/internal/pipeline"
)

var log = logrus.WithField("component", "transport")

// WriteNDJSON drains events onto c's response writer, one JSON object per
// line, flushing after each. It watches c.Request.Context() for client
// disconnect and signals cancelled the instant that happens, so the
// pipeline observes it at its next loop iteration (§5 cancellation
// semantics: bounded by one speculative round).
func WriteNDJSON(c *gin.Context, events <-chan pipeline.GenerationEvent, cancelled *cancelToken) {
	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			cancelled.Cancel()
			// Keep draining so the pipeline's own Done event (emitted once
			// it observes the cancellation) still gets read off the
			// channel and the producer goroutine is not left blocked on
			// the bounded-size events channel.
			for range events {
			}
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			line, err := json.Marshal(e)
			if err != nil {
				log.WithError(err).Error("failed to marshal event")
				continue
			}
			if _, err := c.Writer.Write(append(line, '\n')); err != nil {
				log.WithError(err).Warn("client write failed, treating as disconnect")
				cancelled.Cancel()
				for range events {
				}
				return
			}
			if canFlush {
				flusher.Flush()
			}
			if e.IsFinal {
				return
			}
		}
	}
}

// cancelToken is the one-shot cancellation signal shared between a
// transport adapter and the SequenceState it drives (§4.8). It wraps
// pipeline.SequenceState.Cancelled so transport code never needs to know
// about pipeline internals beyond this one field.
type cancelToken struct {
	state *pipeline.SequenceState
}

// NewCancelToken builds a cancelToken bound to state's cancellation flag.
func NewCancelToken(state *pipeline.SequenceState) *cancelToken {
	return &cancelToken{state: state}
}

// Cancel signals cancellation exactly once; idempotent.
func (c *cancelToken) Cancel() {
	c.state.Cancelled.Store(true)
}

// CollectAll drains a non-streaming request's event channel into a final
// GenerationResponse-shaped summary (§6 `/generate`, non-stream path) —
// used by C10 when the client asked for the whole response at once rather
// than an event stream.
func CollectAll(events <-chan pipeline.GenerationEvent) (tokens []pipeline.GenerationEvent, final pipeline.GenerationEvent) {
	for e := range events {
		if e.EventType == pipeline.EventToken {
			tokens = append(tokens, e)
		}
		if e.IsFinal {
			final = e
		}
	}
	return tokens, final
}

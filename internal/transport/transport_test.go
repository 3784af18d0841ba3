package transport

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-engine/helix/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteNDJSONStreamsOneLinePerEventAndStopsAtFinal(t *testing.T) {
	events := make(chan pipeline.GenerationEvent, 4)
	events <- pipeline.GenerationEvent{EventType: pipeline.EventToken, Index: 0, Token: "hi"}
	events <- pipeline.GenerationEvent{EventType: pipeline.EventDone, Index: 1, IsFinal: true, Reason: "max_tokens"}

	req := httptest.NewRequest(http.MethodPost, "/generate/stream", nil)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req

	state := pipeline.NewSequenceState("seq-1")
	WriteNDJSON(c, events, NewCancelToken(state))

	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(rec.Body)
	var lines int
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.False(t, state.Cancelled.Load())
}

func TestWriteNDJSONCancelsOnClientDisconnect(t *testing.T) {
	events := make(chan pipeline.GenerationEvent)
	// Never send, and close only after the disconnect has been observed:
	// the only way WriteNDJSON returns is via ctx.Done.

	req := httptest.NewRequest(http.MethodPost, "/generate/stream", nil)
	cancelCtx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(cancelCtx)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req

	state := pipeline.NewSequenceState("seq-2")
	done := make(chan struct{})
	go func() {
		WriteNDJSON(c, events, NewCancelToken(state))
		close(done)
	}()

	cancel()
	require.Eventually(t, state.Cancelled.Load, 5*time.Second, time.Millisecond)
	close(events) // let the drain loop inside WriteNDJSON terminate

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WriteNDJSON did not return after client disconnect")
	}
	assert.True(t, state.Cancelled.Load())
}

func TestCollectAllSeparatesTokensFromFinalEvent(t *testing.T) {
	events := make(chan pipeline.GenerationEvent, 3)
	events <- pipeline.GenerationEvent{EventType: pipeline.EventToken, Token: "a"}
	events <- pipeline.GenerationEvent{EventType: pipeline.EventToken, Token: "b"}
	events <- pipeline.GenerationEvent{EventType: pipeline.EventDone, IsFinal: true, Reason: "eos"}
	close(events)

	tokens, final := CollectAll(events)
	require.Len(t, tokens, 2)
	assert.Equal(t, "a", tokens[0].Token)
	assert.Equal(t, "b", tokens[1].Token)
	assert.Equal(t, "eos", final.Reason)
}

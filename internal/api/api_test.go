package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-engine/helix/internal/block"
	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/metrics"
	"github.com/helix-engine/helix/internal/pipeline"
	"github.com/helix-engine/helix/internal/runtimeadapter"
	"github.com/helix-engine/helix/internal/scheduler"
)

func newTestServer() *Server {
	runtime := runtimeadapter.NewStubRuntime(512, 0, 7)
	cache := kvcache.NewPagedKVCache(block.NewAllocator(4096), 16)
	reg := metrics.New()
	p := pipeline.New(runtime, cache, reg, time.Minute, time.Minute)
	sched := scheduler.New(p, 1000, 64)
	engine := config.DefaultEngineConfig()
	engine.MaxPromptLen = 8192
	return New(sched, reg, cache, engine)
}

func TestPingAndHealth(t *testing.T) {
	s := newTestServer()
	r := s.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer()
	r := s.Router()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "helix_rounds_total")
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	s := newTestServer()
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"prompt": ""})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Input", out["error_kind"])
}

func TestGenerateHappyPath(t *testing.T) {
	s := newTestServer()
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"prompt": "hello there", "max_tokens": 5})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out["request_id"])
	assert.Equal(t, "max_tokens", out["reason"])
}

func TestGenerateStreamEmitsNDJSONLines(t *testing.T) {
	s := newTestServer()
	r := s.Router()

	body, _ := json.Marshal(map[string]any{"prompt": "stream me", "max_tokens": 5})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate/stream", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(rec.Body)
	var sawFinal bool
	for scanner.Scan() {
		var e pipeline.GenerationEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		if e.IsFinal {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal)
}

func TestGenerateBatchHandlesMixOfValidAndInvalid(t *testing.T) {
	s := newTestServer()
	r := s.Router()

	body, _ := json.Marshal(map[string]any{
		"requests": []map[string]any{
			{"prompt": "good prompt", "max_tokens": 3},
			{"prompt": ""},
		},
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate/batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0]["request_id"])
	assert.Equal(t, "Input", out[1]["error_kind"])
}

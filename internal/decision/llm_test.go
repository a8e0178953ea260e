package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatAnswer(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestLLMGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)

		chatAnswer(t, w, `{"rationale":"funding favors shorts","intents":[
			{"kind":"open","symbol":"BTCUSDT","side":"SHORT","leverage":10,"amountQuote":500},
			{"kind":"close","symbol":"ETHUSDT","percentage":100}
		]}`)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "test-key", "test-model", 5*time.Second)
	dec, err := c.Generate(context.Background(), Snapshot{Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, "funding favors shorts", dec.Rationale)
	require.Len(t, dec.Intents, 2)
}

func TestLLMGenerateDropsMalformedIntents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatAnswer(t, w, `{"rationale":"mixed","intents":[
			{"kind":"open","symbol":"BTCUSDT","side":"LONG","leverage":0,"amountQuote":500},
			{"kind":"close","symbol":"ETHUSDT","percentage":50}
		]}`)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "k", "m", 5*time.Second)
	dec, err := c.Generate(context.Background(), Snapshot{})
	require.NoError(t, err)
	require.Len(t, dec.Intents, 1)
	assert.Equal(t, IntentClose, dec.Intents[0].Kind)
}

func TestLLMGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		chatAnswer(t, w, `{"rationale":"ok","intents":[]}`)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "k", "m", 5*time.Second)
	c.retryDelay = time.Millisecond
	dec, err := c.Generate(context.Background(), Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "ok", dec.Rationale)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLLMGenerateBadJSONNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		chatAnswer(t, w, `not json at all`)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "k", "m", 5*time.Second)
	_, err := c.Generate(context.Background(), Snapshot{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

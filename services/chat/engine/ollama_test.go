// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockOllamaServer serves /api/show for "test-model" and delegates
// /api/chat to chat.
func newMockOllamaServer(t *testing.T, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "test-model" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"details":{}}`))
	})
	mux.HandleFunc("/api/chat", chat)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newLoadedOllama(t *testing.T, url string) *OllamaEngine {
	t.Helper()
	eng, err := NewOllamaEngine(OllamaConfig{BaseURL: url + "/", Model: "test-model"})
	require.NoError(t, err)
	require.NoError(t, eng.Load(context.Background()))
	return eng
}

func writeLines(w http.ResponseWriter, lines ...string) {
	flusher, _ := w.(http.Flusher)
	for _, l := range lines {
		_, _ = io.WriteString(w, l+"\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestNewOllamaEngine_Validation(t *testing.T) {
	_, err := NewOllamaEngine(OllamaConfig{Model: "m"})
	assert.Error(t, err)
	_, err = NewOllamaEngine(OllamaConfig{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestOllamaEngine_LoadMissingModel(t *testing.T) {
	server := newMockOllamaServer(t, nil)
	eng, err := NewOllamaEngine(OllamaConfig{BaseURL: server.URL, Model: "other"})
	require.NoError(t, err)

	err = eng.Load(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull other")
	assert.False(t, eng.Ready())

	_, err = Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{})
	assert.ErrorIs(t, err, datatypes.ErrEngineNotReady)
}

func TestOllamaEngine_StreamWithLayerActivations(t *testing.T) {
	var got ollamaChatRequest
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeLines(w,
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":false}`,
			`{"message":{"role":"assistant","content":"lo!"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","hidden_states":{"layers":[[0.5,-0.5],[1.5]]}}`,
		)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "You are a helpful assistant.",
		datatypes.SamplingConfig{Temperature: 0.7, Seed: 42, ContextWindow: 2048})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo!"}, frags)

	batch, err := s.Activations()
	require.NoError(t, err)
	assert.Equal(t, activation.Batch{{0.5, -0.5}, {1.5}}, batch)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	assert.True(t, got.ReturnHiddenStates)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, datatypes.RoleSystem, got.Messages[0].Role)
	assert.EqualValues(t, 42, got.Options["seed"])
	assert.EqualValues(t, 2048, got.Options["num_ctx"])
	assert.EqualValues(t, 1000, got.Options["num_predict"])
}

func TestOllamaEngine_SingleHiddenStateReshaped(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w,
			`{"message":{"content":"ok"},"done":false}`,
			`{"done":true,"hidden_state":{"final":[1,2,3,4,5,6],"shape":[2,3],"layer":-1,"dtype":"float32"}}`,
		)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	_, _ = drain(t, s)
	batch, err := s.Activations()
	require.NoError(t, err)
	assert.Equal(t, activation.Batch{{1, 2, 3}, {4, 5, 6}}, batch)
}

func TestOllamaEngine_NoActivations(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"plain"},"done":true}`)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"plain"}, frags)

	_, err = s.Activations()
	assert.ErrorIs(t, err, ErrActivationsUnavailable)
}

func TestOllamaEngine_ErrorChunkIsFault(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w,
			`{"message":{"content":"par"},"done":false}`,
			`{"error":"out of memory"}`,
		)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.Equal(t, []string{"par"}, frags)
	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.Equal(t, "out of memory", datatypes.UserMessage(err))
}

func TestOllamaEngine_TruncatedStreamIsFault(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"cut"},"done":false}`)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.Equal(t, []string{"cut"}, frags)
	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.NotErrorIs(t, err, io.EOF, "a truncated stream is not a natural end")
	assert.Equal(t, "stream ended before completion", datatypes.UserMessage(err))
	assert.Equal(t, StopNone, s.StopReason())

	_, err = s.Activations()
	assert.ErrorIs(t, err, datatypes.ErrEngineFault)
}

func TestOllamaEngine_EmptyBodyIsFault(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.Empty(t, frags)
	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestOllamaEngine_TokenCapReadsDoneChunk(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w,
			`{"message":{"content":"one"},"done":false}`,
			`{"message":{"content":" two"},"done":false}`,
			`{"message":{"content":""},"done":true,"done_reason":"length","hidden_states":{"layers":[[0.25,0.75]]}}`,
		)
	})
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{MaxTokens: 2})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"one", " two"}, frags)
	assert.Equal(t, StopTokenCap, s.StopReason())

	batch, err := s.Activations()
	require.NoError(t, err)
	assert.Equal(t, activation.Batch{{0.25, 0.75}}, batch)
}

func TestOllamaEngine_SlowHeadersHonourDeadline(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	eng := newLoadedOllama(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Open(ctx, eng, history("Hi"), "", datatypes.SamplingConfig{})
	assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOllamaEngine_HTTPErrorIsFault(t *testing.T) {
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"llama runner crashed"}`))
	})
	eng := newLoadedOllama(t, server.URL)

	_, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})

	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.Contains(t, err.Error(), "llama runner crashed")
}

func TestOllamaEngine_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	server := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"first"},"done":false}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	eng := newLoadedOllama(t, server.URL)

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	f, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", f)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Cancel()
	}()

	_, err = s.Next()
	assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)
}

func TestOllamaOptions_StopSequences(t *testing.T) {
	opts := ollamaOptions(datatypes.SamplingConfig{StopSequences: []string{"END"}, MaxTokens: 5})
	assert.Equal(t, []string{"END"}, opts["stop"])
	assert.Equal(t, 5, opts["num_predict"])
	_, hasCtx := opts["num_ctx"]
	assert.False(t, hasCtx)
}

// =============================================================================
// OpenAI-compatible engine
// =============================================================================

func newMockOpenAIServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"local-model","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			content, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s}}]}\n\n", content)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIEngine_Stream(t *testing.T) {
	server := newMockOpenAIServer(t, []string{"Hel", "lo!"})
	eng, err := NewOpenAIEngine(OpenAIConfig{BaseURL: server.URL + "/v1", APIKey: "none", Model: "local-model"})
	require.NoError(t, err)
	require.NoError(t, eng.Load(context.Background()))

	s, err := Open(context.Background(), eng, history("Hi"), "sys", datatypes.SamplingConfig{Temperature: 0.2})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Hello!", strings.Join(frags, ""))

	_, err = s.Activations()
	assert.ErrorIs(t, err, ErrActivationsUnavailable)
}

func TestOpenAIEngine_LoadUnknownModel(t *testing.T) {
	server := newMockOpenAIServer(t, nil)
	eng, err := NewOpenAIEngine(OpenAIConfig{BaseURL: server.URL + "/v1", Model: "missing"})
	require.NoError(t, err)

	assert.Error(t, eng.Load(context.Background()))
	assert.False(t, eng.Ready())
}

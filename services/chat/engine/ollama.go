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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

var tracer = otel.Tracer("awaregpt.engine")

// OllamaConfig configures NewOllamaEngine.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OllamaEngine streams from an Ollama-compatible /api/chat endpoint.
//
// Requests set "return_hidden_states"; servers that support it attach
// activations to the final (done) chunk either as
// {"hidden_states":{"layers":[[...],...]}} or as a single
// {"hidden_state":{"final":[...],"shape":[l,d]}}. Servers that ignore
// the flag still work and their turns are unscored.
type OllamaEngine struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
	ready      atomic.Bool
}

type ollamaChatRequest struct {
	Model              string         `json:"model"`
	Messages           []ChatMessage  `json:"messages"`
	Stream             bool           `json:"stream"`
	Options            map[string]any `json:"options,omitempty"`
	ReturnHiddenStates bool           `json:"return_hidden_states,omitempty"`
}

type ollamaHiddenStates struct {
	Layers [][]float32 `json:"layers"`
}

type ollamaHiddenState struct {
	Final []float32 `json:"final"`
	Shape []int     `json:"shape"`
	Layer int       `json:"layer"`
	DType string    `json:"dtype"`
}

type ollamaChatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done         bool                `json:"done"`
	DoneReason   string              `json:"done_reason,omitempty"`
	Error        string              `json:"error,omitempty"`
	EvalCount    int                 `json:"eval_count,omitempty"`
	HiddenStates *ollamaHiddenStates `json:"hidden_states,omitempty"`
	HiddenState  *ollamaHiddenState  `json:"hidden_state,omitempty"`
}

// NewOllamaEngine builds an engine. Call Load before opening sessions.
func NewOllamaEngine(cfg OllamaConfig) (*OllamaEngine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ollama base URL not set")
	}
	if cfg.Model == "" {
		return nil, errors.New("ollama model not set")
	}
	if cfg.HTTPClient == nil {
		// No client timeout: turn deadlines come from the caller's context.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OllamaEngine{
		httpClient: cfg.HTTPClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		logger:     cfg.Logger,
	}, nil
}

// Load checks that the server has the model and marks the engine ready.
func (o *OllamaEngine) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "OllamaEngine.Load",
		trace.WithAttributes(attribute.String("llm.model", o.model)))
	defer span.End()

	body, _ := json.Marshal(map[string]string{"model": o.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create show request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ollama unreachable at %s: %w", o.baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
	default:
		return fmt.Errorf("ollama show failed with status %d", resp.StatusCode)
	}

	o.ready.Store(true)
	o.logger.Info("generation engine ready", "engine", "ollama", "model", o.model, "base_url", o.baseURL)
	return nil
}

// Ready implements GenerationEngine.
func (o *OllamaEngine) Ready() bool {
	return o.ready.Load()
}

// OpenSession implements GenerationEngine.
func (o *OllamaEngine) OpenSession(ctx context.Context, req Request) (TokenStream, error) {
	if !o.Ready() {
		return nil, datatypes.ErrEngineNotReady
	}

	ctx, span := tracer.Start(ctx, "OllamaEngine.OpenSession")
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(req.History)),
	)

	payload := ollamaChatRequest{
		Model:              o.model,
		Messages:           req.Messages(),
		Stream:             true,
		Options:            ollamaOptions(req.Sampling),
		ReturnHiddenStates: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, o.fail(span, fmt.Errorf("marshal chat request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, o.fail(span, fmt.Errorf("create chat request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			span.End()
			return nil, ctx.Err()
		}
		return nil, o.fail(span, datatypes.NewEngineFault("", fmt.Errorf("ollama chat call failed: %w", err)))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		o.logger.Error("ollama returned an error", "status_code", resp.StatusCode, "response", msg)
		return nil, o.fail(span, datatypes.NewEngineFault(
			fmt.Sprintf("ollama failed with status %d: %s", resp.StatusCode, msg), nil))
	}

	return &ollamaStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
		span:    span,
		started: time.Now(),
	}, nil
}

func (o *OllamaEngine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	return err
}

func ollamaOptions(s datatypes.SamplingConfig) map[string]any {
	opts := map[string]any{
		"temperature": s.Temperature,
		"seed":        s.Seed,
	}
	if s.MaxTokens > 0 {
		opts["num_predict"] = s.MaxTokens
	}
	if len(s.StopSequences) > 0 {
		opts["stop"] = s.StopSequences
	}
	if s.ContextWindow > 0 {
		opts["num_ctx"] = s.ContextWindow
	}
	return opts
}

// ollamaStream decodes NDJSON chunks from one /api/chat response.
type ollamaStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	span    trace.Span
	started time.Time

	done        bool
	fragments   int
	activations activation.Batch

	closeOnce sync.Once
}

func (s *ollamaStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		var chunk ollamaChatChunk
		if err := s.decoder.Decode(&chunk); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return "", datatypes.NewEngineFault("stream ended before completion", err)
			}
			return "", datatypes.NewEngineFault("", fmt.Errorf("decode ollama chunk: %w", err))
		}

		if chunk.Error != "" {
			return "", datatypes.NewEngineFault(chunk.Error, nil)
		}
		if chunk.Done {
			s.done = true
			s.activations = chunk.batch()
			s.span.SetAttributes(
				attribute.String("llm.done_reason", chunk.DoneReason),
				attribute.Int("llm.eval_count", chunk.EvalCount),
				attribute.Bool("llm.activations", s.activations != nil),
			)
		}
		if chunk.Message.Content != "" {
			s.fragments++
			return chunk.Message.Content, nil
		}
	}
}

// batch converts whichever hidden-state form the chunk carries.
func (c *ollamaChatChunk) batch() activation.Batch {
	if c.HiddenStates != nil && len(c.HiddenStates.Layers) > 0 {
		return activation.Batch(c.HiddenStates.Layers)
	}
	if c.HiddenState == nil || len(c.HiddenState.Final) == 0 {
		return nil
	}
	hs := c.HiddenState
	if len(hs.Shape) == 2 && hs.Shape[0] > 0 && hs.Shape[0]*hs.Shape[1] == len(hs.Final) {
		rows, width := hs.Shape[0], hs.Shape[1]
		out := make(activation.Batch, rows)
		for i := range out {
			out[i] = hs.Final[i*width : (i+1)*width]
		}
		return out
	}
	return activation.Batch{hs.Final}
}

func (s *ollamaStream) Activations() (activation.Batch, error) {
	if !s.done || s.activations == nil {
		return nil, ErrActivationsUnavailable
	}
	return s.activations, nil
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.span.SetAttributes(
			attribute.Int("llm.fragments", s.fragments),
			attribute.Int64("llm.duration_ms", time.Since(s.started).Milliseconds()),
		)
		s.span.End()
	})
	return err
}

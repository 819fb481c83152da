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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// OpenAIConfig configures NewOpenAIEngine.
type OpenAIConfig struct {
	// BaseURL of an OpenAI-compatible server, e.g.
	// "http://localhost:8080/v1" for llama.cpp.
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

// OpenAIEngine streams chat completions from an OpenAI-compatible
// server. The protocol has no activation channel, so every stream
// reports ErrActivationsUnavailable.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	logger *slog.Logger
	ready  atomic.Bool
}

// NewOpenAIEngine builds an engine. Call Load before opening sessions.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai model not set")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

// Load lists the server's models and marks the engine ready when the
// configured model is among them.
func (o *OpenAIEngine) Load(ctx context.Context) error {
	models, err := o.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models.Models {
		if m.ID == o.model {
			o.ready.Store(true)
			o.logger.Info("generation engine ready", "engine", "openai", "model", o.model)
			return nil
		}
	}
	return fmt.Errorf("model %q not served", o.model)
}

// Ready implements GenerationEngine.
func (o *OpenAIEngine) Ready() bool {
	return o.ready.Load()
}

// OpenSession implements GenerationEngine.
func (o *OpenAIEngine) OpenSession(ctx context.Context, req Request) (TokenStream, error) {
	if !o.Ready() {
		return nil, datatypes.ErrEngineNotReady
	}

	ctx, span := tracer.Start(ctx, "OpenAIEngine.OpenSession",
		trace.WithAttributes(attribute.String("llm.model", o.model)))

	msgs := req.Messages()
	chat := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		chat = append(chat, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	seed := int(req.Sampling.Seed)
	creq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    chat,
		Temperature: float32(req.Sampling.Temperature),
		Seed:        &seed,
		Stream:      true,
	}
	if req.Sampling.MaxTokens > 0 {
		creq.MaxTokens = req.Sampling.MaxTokens
	}
	if n := len(req.Sampling.StopSequences); n > 0 {
		// The API accepts at most four stop sequences; the session still
		// checks all of them.
		creq.Stop = req.Sampling.StopSequences[:min(n, 4)]
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Error("openai stream failed", "error", err)
		return nil, datatypes.NewEngineFault("", fmt.Errorf("openai stream: %w", err))
	}
	return &openAIStream{stream: stream, span: span}, nil
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	span      trace.Span
	closeOnce sync.Once
}

func (s *openAIStream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", datatypes.NewEngineFault("", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
		if resp.Choices[0].FinishReason != "" {
			s.span.SetAttributes(attribute.String("llm.finish_reason", string(resp.Choices[0].FinishReason)))
		}
	}
}

func (s *openAIStream) Activations() (activation.Batch, error) {
	return nil, ErrActivationsUnavailable
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.stream.Close()
		s.span.End()
	})
	return nil
}

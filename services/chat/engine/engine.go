// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine adapts token-generation runtimes to a cancellable,
// finite fragment stream with end-of-turn activation capture.
//
// GenerationEngine and TokenStream are the capability interfaces a
// runtime implements. Session wraps a TokenStream with the per-turn
// rules that do not depend on the runtime: stop-sequence detection, the
// fragment safety cap, cancellation and activation availability.
//
// Three engines ship with the package:
//
//   - OllamaEngine: NDJSON /api/chat with the hidden-state extension.
//   - OpenAIEngine: any OpenAI-compatible server. No activations, so its
//     turns are unscored.
//   - ScriptedEngine: deterministic fragments for tests and offline demos.
package engine

import (
	"context"
	"errors"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// ErrActivationsUnavailable is returned by TokenStream.Activations when
// the runtime did not report activations for the turn.
var ErrActivationsUnavailable = errors.New("engine did not report activations")

// ErrStreamNotExhausted is returned by Session.Activations before the
// stream has ended.
var ErrStreamNotExhausted = errors.New("token stream not exhausted")

// GenerationEngine is a loaded generation runtime.
type GenerationEngine interface {
	// Ready reports whether the engine finished its load step.
	Ready() bool

	// OpenSession starts generation for req. Cancelling ctx must stop
	// generation and release the runtime's resources.
	OpenSession(ctx context.Context, req Request) (TokenStream, error)
}

// TokenStream yields UTF-8 fragments for one turn.
type TokenStream interface {
	// Next blocks for the next fragment and returns io.EOF on natural
	// completion.
	Next(ctx context.Context) (string, error)

	// Activations returns the per-layer activations for the turn, or
	// ErrActivationsUnavailable.
	Activations() (activation.Batch, error)

	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// ChatMessage is one message in the prompt sent to an engine.
type ChatMessage struct {
	Role    datatypes.Role `json:"role"`
	Content string         `json:"content"`
}

// Request is the input of one generation.
type Request struct {
	History      []*datatypes.Message
	SystemPrompt string
	Sampling     datatypes.SamplingConfig
}

// Messages assembles the prompt: the system prompt first when it is not
// empty, then the history without empty assistant placeholders.
func (r Request) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(r.History)+1)
	if r.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: datatypes.RoleSystem, Content: r.SystemPrompt})
	}
	for _, m := range r.History {
		if m == nil || m.IsEmptyAssistant() {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// SSE event names.
const (
	EventFragment = "fragment"
	EventScore    = "score"
	EventError    = "error"
	EventDone     = "done"
)

// FragmentPayload carries one piece of assistant text.
type FragmentPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// ScorePayload is the terminal event of a completed turn. Score and
// ConfidencePercent are null when the turn is unscored.
type ScorePayload struct {
	MessageID         string                 `json:"message_id"`
	Text              string                 `json:"text"`
	Score             *datatypes.ScoreResult `json:"score"`
	ConfidencePercent *float64               `json:"confidence_percent"`
	AverageConfidence *float64               `json:"average_confidence"`
}

// ErrorPayload is the terminal event of a turn that did not complete.
type ErrorPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// DonePayload closes the stream.
type DonePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	State          string `json:"state"`
}

// SSEWriter writes Server-Sent Events for one turn.
//
// # Thread Safety
//
// All methods are safe for concurrent use; the heartbeat goroutine and
// the turn callback share one writer.
type SSEWriter interface {
	WriteFragment(messageID, text string) error
	WriteScore(messageID string, score *datatypes.ScoreResult, average *float64) error
	WriteError(messageID, code, message string) error
	WriteDone(conversationID, messageID, state string) error

	// WriteKeepAlive sends an SSE comment (": ping") so proxies do not
	// close an idle connection while the model is thinking.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) writeEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteFragment(messageID, text string) error {
	return w.writeEvent(EventFragment, FragmentPayload{MessageID: messageID, Text: text})
}

func (w *sseWriter) WriteScore(messageID string, score *datatypes.ScoreResult, average *float64) error {
	payload := ScorePayload{
		MessageID:         messageID,
		Score:             score,
		AverageConfidence: average,
	}
	if score != nil {
		pct := score.ConfidencePercent()
		payload.ConfidencePercent = &pct
	}
	return w.writeEvent(EventScore, payload)
}

func (w *sseWriter) WriteError(messageID, code, message string) error {
	return w.writeEvent(EventError, ErrorPayload{MessageID: messageID, Code: code, Message: message})
}

func (w *sseWriter) WriteDone(conversationID, messageID, state string) error {
	return w.writeEvent(EventDone, DonePayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		State:          state,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers for an event stream. X-Accel-Buffering
// stops nginx from holding fragments back.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)

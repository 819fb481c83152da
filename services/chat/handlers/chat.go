// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP shell around the chat core:
// streaming turns over SSE, conversation CRUD and analytics.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gazcn007/aware-gpt/services/chat/config"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
	"github.com/gazcn007/aware-gpt/services/chat/engine"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
	"github.com/gazcn007/aware-gpt/services/chat/orchestrator"
	"github.com/gazcn007/aware-gpt/services/chat/store"
)

var tracer = otel.Tracer("awaregpt.handlers")

// DefaultHeartbeatInterval is the keep-alive period on turn streams.
const DefaultHeartbeatInterval = 15 * time.Second

// Deps are the collaborators of a ChatHandler.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.ConversationStore
	Settings     config.Settings

	// Engine is only consulted for /health.
	Engine           engine.GenerationEngine
	ClassifierLoaded bool

	Metrics           *observability.TurnMetrics
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
}

// ChatHandler serves the /v1 API.
//
// # Thread Safety
//
// Safe for concurrent use. At most one turn runs per conversation; a
// second request for a busy conversation gets 409.
type ChatHandler struct {
	orch             *orchestrator.Orchestrator
	store            store.ConversationStore
	engine           engine.GenerationEngine
	classifierLoaded bool
	metrics          *observability.TurnMetrics
	logger           *slog.Logger
	heartbeat        time.Duration

	settings atomic.Pointer[config.Settings]
	busy     sync.Map
}

// NewChatHandler builds a handler. Orchestrator and Store are required.
func NewChatHandler(deps Deps) (*ChatHandler, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("handlers: orchestrator is required")
	}
	if deps.Store == nil {
		return nil, errors.New("handlers: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = DefaultHeartbeatInterval
	}
	h := &ChatHandler{
		orch:             deps.Orchestrator,
		store:            deps.Store,
		engine:           deps.Engine,
		classifierLoaded: deps.ClassifierLoaded,
		metrics:          deps.Metrics,
		logger:           deps.Logger,
		heartbeat:        deps.HeartbeatInterval,
	}
	h.UpdateSettings(deps.Settings)
	return h, nil
}

// UpdateSettings swaps the chat settings used by subsequent turns. Turns
// already running keep the parameters they started with.
func (h *ChatHandler) UpdateSettings(s config.Settings) {
	h.settings.Store(&s)
}

// Settings returns the current chat settings.
func (h *ChatHandler) Settings() config.Settings {
	return *h.settings.Load()
}

// SendMessageRequest is the body of POST /v1/conversations/:id/messages.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required,maxbytes"`
}

// acquire marks a conversation busy. It reports false when a turn is
// already running on it.
func (h *ChatHandler) acquire(id string) bool {
	_, loaded := h.busy.LoadOrStore(id, struct{}{})
	return !loaded
}

func (h *ChatHandler) release(id string) {
	h.busy.Delete(id)
}

// SendMessage appends a user message and streams the assistant turn.
//
// # Description
//
// Responds with an SSE stream: fragment events, then exactly one score
// or error event, then done. Keep-alive comments are sent while the
// turn runs. The conversation is saved after the turn whatever its
// outcome, including when the client has gone away.
//
// # Outputs
//
//   - 400: Missing or oversized content.
//   - 404: Unknown conversation.
//   - 409: A turn is already running on this conversation.
//   - 200: The event stream.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ChatHandler.SendMessage")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("conversation.id", id))
	logger := h.logger.With("conversation_id", id)

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := datatypes.Validator().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required and must be at most 32KB"})
		return
	}

	if !h.acquire(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "a response is already being generated for this conversation"})
		return
	}
	defer h.release(id)

	conv, err := h.store.Get(ctx, id)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	conv.Append(datatypes.NewMessage(datatypes.RoleUser, req.Content))
	conv.EnsureTitle()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		h.runHeartbeat(ctx, writer, heartbeatDone)
	}()

	settings := h.Settings()
	turn := orchestrator.TurnRequest{
		SystemPrompt: settings.SystemPrompt,
		Sampling:     settings.Sampling(nil),
		HistoryLimit: settings.MaxHistory,
		Timeout:      settings.TurnTimeout,
	}
	res, turnErr := h.orch.Converse(ctx, conv, turn, func(ev datatypes.TurnEvent) error {
		switch ev.Type {
		case datatypes.EventFragment:
			return writer.WriteFragment(ev.MessageID, ev.Text)
		case datatypes.EventScore:
			return writer.WriteScore(ev.MessageID, ev.Score, conv.AverageConfidence)
		default:
			return writer.WriteError(ev.MessageID, datatypes.ErrorCode(ev.Err), ev.Text)
		}
	})

	close(heartbeatDone)
	<-heartbeatStopped

	clientGone := c.Request.Context().Err() != nil
	if clientGone {
		h.metrics.RecordClientDisconnect(observability.SurfaceHTTP)
	}
	if turnErr != nil {
		span.RecordError(turnErr)
		span.SetStatus(codes.Error, datatypes.ErrorCode(turnErr))
		logger.Warn("turn did not complete",
			"message_id", res.MessageID,
			"state", res.State,
			"client_gone", clientGone,
			"error", turnErr,
		)
	}

	// The client may be gone; the conversation is still saved.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.store.Save(saveCtx, conv); err != nil {
		span.RecordError(err)
		logger.Error("failed to save conversation", "error", err)
	}

	if !clientGone {
		if err := writer.WriteDone(conv.ID, res.MessageID, string(res.State)); err != nil {
			logger.Debug("failed to write done event", "error", err)
		}
	}
}

// runHeartbeat sends keep-alive pings until done is closed or ctx ends.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(observability.SurfaceHTTP)
		}
	}
}

func (h *ChatHandler) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	h.logger.Error("store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
}

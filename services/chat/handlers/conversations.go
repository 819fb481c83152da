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
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gazcn007/aware-gpt/services/chat/aggregator"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// CreateConversationRequest is the optional body of POST /v1/conversations.
type CreateConversationRequest struct {
	Title string `json:"title" validate:"max=200"`
}

// ConversationSummary is one row of GET /v1/conversations.
type ConversationSummary struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	AverageConfidence *float64  `json:"average_confidence,omitempty"`
	MessageCount      int       `json:"message_count"`
}

// HealthCheck reports liveness plus engine and classifier readiness.
func (h *ChatHandler) HealthCheck(c *gin.Context) {
	engineReady := h.engine != nil && h.engine.Ready()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"engine_ready":      engineReady,
		"classifier_loaded": h.classifierLoaded,
	})
}

// CreateConversation handles POST /v1/conversations.
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if err := datatypes.Validator().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title too long"})
		return
	}

	conv := datatypes.NewConversation(req.Title)
	if err := h.store.Save(c.Request.Context(), conv); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ListConversations handles GET /v1/conversations, newest first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	convs, err := h.store.List(c.Request.Context())
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, ConversationSummary{
			ID:                conv.ID,
			Title:             conv.Title,
			CreatedAt:         conv.CreatedAt,
			AverageConfidence: conv.AverageConfidence,
			MessageCount:      len(conv.Messages),
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// GetConversation handles GET /v1/conversations/:id.
func (h *ChatHandler) GetConversation(c *gin.Context) {
	conv, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation handles DELETE /v1/conversations/:id. A conversation
// with a running turn cannot be deleted.
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if !h.acquire(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "a response is being generated for this conversation"})
		return
	}
	defer h.release(id)

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ConversationAnalytics handles GET /v1/conversations/:id/analytics.
func (h *ChatHandler) ConversationAnalytics(c *gin.Context) {
	conv, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregator.Analyze(conv))
}

// Analytics handles GET /v1/analytics across every conversation.
func (h *ChatHandler) Analytics(c *gin.Context) {
	convs, err := h.store.List(c.Request.Context())
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregator.Summarize(convs))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/gazcn007/aware-gpt/services/chat/handlers"
)

// NewRouter returns a gin engine with panic recovery and tracing.
func NewRouter(serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	return router
}

// SetupRoutes registers the API. metrics may be nil; limiter may be nil
// and only applies to /v1.
func SetupRoutes(router *gin.Engine, h *handlers.ChatHandler, metrics http.Handler, limiter *handlers.RateLimiter) {
	router.GET("/health", h.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1")
	if limiter != nil {
		v1.Use(limiter.Middleware())
	}
	{
		conversations := v1.Group("/conversations")
		{
			conversations.POST("", h.CreateConversation)
			conversations.GET("", h.ListConversations)
			conversations.GET("/:id", h.GetConversation)
			conversations.DELETE("/:id", h.DeleteConversation)
			conversations.POST("/:id/messages", h.SendMessage)
			conversations.GET("/:id/analytics", h.ConversationAnalytics)
		}
		v1.GET("/analytics", h.Analytics)
	}
}

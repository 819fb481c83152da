// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazcn007/aware-gpt/pkg/ux"
	"github.com/gazcn007/aware-gpt/services/chat/config"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
)

func newTestApp(t *testing.T) (*app, *config.AppConfig) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.Backend = config.BackendScripted
	cfg.Classifier.ArtifactPath = ""
	cfg.Storage.InMemory = true

	a, err := buildApp(context.Background(), &cfg, observability.SurfaceCLI, nil, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, &cfg
}

func TestBuildApp_ScriptedBackend(t *testing.T) {
	a, _ := newTestApp(t)
	assert.True(t, a.engine.Ready())
	assert.False(t, a.classifier.Loaded())
}

func TestNewEngine_UnknownBackend(t *testing.T) {
	_, err := newEngine(context.Background(), config.EngineConfig{Backend: "llamafile"}, slog.Default())
	assert.Error(t, err)
}

func TestREPL_RunsTurnAndSaves(t *testing.T) {
	a, cfg := newTestApp(t)
	var out bytes.Buffer
	r := &repl{app: a, settings: cfg.Settings, printer: ux.NewPlainPrinter(&out)}

	conv := datatypes.NewConversation("")
	err := r.run(context.Background(), conv, strings.NewReader("hello there\n/quit\nignored\n"))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "hello there\n[confidence: n/a]")
	assert.NotContains(t, out.String(), "ignored")

	saved, err := a.store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, datatypes.RoleUser, saved.Messages[0].Role)
	assert.Equal(t, "hello there", saved.Messages[1].Content)
	assert.Nil(t, saved.Messages[1].HallucinationScore)
	assert.Equal(t, "hello there", saved.Title)
}

func TestREPL_CommandsDoNotStartTurns(t *testing.T) {
	a, cfg := newTestApp(t)
	var out bytes.Buffer
	r := &repl{app: a, settings: cfg.Settings, printer: ux.NewPlainPrinter(&out)}

	conv := datatypes.NewConversation("")
	require.NoError(t, r.run(context.Background(), conv, strings.NewReader("/help\n/id\n\n")))

	assert.Contains(t, out.String(), conv.ID)
	assert.Empty(t, conv.Messages)

	convs, err := a.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestREPL_EngineNotReadyShowsError(t *testing.T) {
	a, cfg := newTestApp(t)
	type readySetter interface{ SetReady(bool) }
	a.engine.(readySetter).SetReady(false)

	var out bytes.Buffer
	r := &repl{app: a, settings: cfg.Settings, printer: ux.NewPlainPrinter(&out)}
	conv := datatypes.NewConversation("")
	require.NoError(t, r.run(context.Background(), conv, strings.NewReader("hi\n")))

	assert.NotContains(t, out.String(), "[confidence")
	require.Len(t, conv.Messages, 1)
}

func TestPrintConversationList(t *testing.T) {
	var out bytes.Buffer
	p := ux.NewPlainPrinter(&out)

	printConversationList(p, nil)
	assert.Contains(t, out.String(), "No conversations yet.")

	out.Reset()
	conv := datatypes.NewConversation("Rust lifetimes")
	avg := 0.8
	conv.AverageConfidence = &avg
	printConversationList(p, []*datatypes.Conversation{conv})

	assert.Contains(t, out.String(), "Rust lifetimes")
	assert.Contains(t, out.String(), "[confidence: 20%] possible hallucination")
}

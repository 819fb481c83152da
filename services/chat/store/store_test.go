// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConversation() *datatypes.Conversation {
	conv := datatypes.NewConversation("")
	conv.Append(datatypes.NewMessage(datatypes.RoleUser, "What is the capital of France?"))
	reply := conv.Append(datatypes.NewMessage(datatypes.RoleAssistant, "Paris."))
	score := 0.12
	reply.HallucinationScore = &score
	conv.AverageConfidence = &score
	conv.EnsureTitle()
	return conv
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := sampleConversation()

	require.NoError(t, s.Save(ctx, conv))

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Title, got.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Paris.", got.Messages[1].Content)
	require.NotNil(t, got.Messages[1].HallucinationScore)
	assert.InDelta(t, 0.12, *got.Messages[1].HallucinationScore, 1e-9)
	require.NotNil(t, got.AverageConfidence)
	assert.Nil(t, got.Messages[0].HallucinationScore)
}

func TestSave_StoresSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := sampleConversation()
	require.NoError(t, s.Save(ctx, conv))

	conv.Messages[1].Content = "changed after save"

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Paris.", got.Messages[1].Content)
}

func TestSave_RequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(context.Background(), &datatypes.Conversation{}))
	assert.Error(t, s.Save(context.Background(), nil))
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := datatypes.NewConversation("older")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := datatypes.NewConversation("newer")

	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Title)
	assert.Equal(t, "older", list[1].Title)
	assert.NotNil(t, list[0].Messages)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := sampleConversation()
	require.NoError(t, s.Save(ctx, conv))

	require.NoError(t, s.Delete(ctx, conv.ID))

	_, err := s.Get(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, conv.ID), ErrNotFound)
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Save(ctx, sampleConversation()), context.Canceled)
	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPersistentStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	conv := sampleConversation()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, conv))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	reopened, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_RejectsBadGCRatio(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCDiscardRatio = 1.5
	_, err := Open(cfg)
	assert.Error(t, err)
}

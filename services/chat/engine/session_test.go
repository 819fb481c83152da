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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

func history(texts ...string) []*datatypes.Message {
	out := make([]*datatypes.Message, 0, len(texts))
	for _, t := range texts {
		out = append(out, datatypes.NewMessage(datatypes.RoleUser, t))
	}
	return out
}

func drain(t *testing.T, s *Session) ([]string, error) {
	t.Helper()
	var frags []string
	for {
		f, err := s.Next()
		if err != nil {
			return frags, err
		}
		frags = append(frags, f)
	}
}

func TestRequest_Messages(t *testing.T) {
	h := []*datatypes.Message{
		datatypes.NewMessage(datatypes.RoleUser, "Hi"),
		datatypes.NewMessage(datatypes.RoleAssistant, "Hello"),
		datatypes.NewMessage(datatypes.RoleUser, "Again"),
		datatypes.NewMessage(datatypes.RoleAssistant, ""),
	}

	withPrompt := Request{History: h, SystemPrompt: "Be brief."}.Messages()
	require.Len(t, withPrompt, 4)
	assert.Equal(t, ChatMessage{Role: datatypes.RoleSystem, Content: "Be brief."}, withPrompt[0])
	assert.Equal(t, "Again", withPrompt[3].Content)

	noPrompt := Request{History: h}.Messages()
	require.Len(t, noPrompt, 3)
	assert.Equal(t, datatypes.RoleUser, noPrompt[0].Role)
}

func TestOpen_EngineNotReady(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"x"}})
	eng.SetReady(false)

	_, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})

	assert.ErrorIs(t, err, datatypes.ErrEngineNotReady)
	assert.Zero(t, eng.Opened())

	_, err = Open(context.Background(), nil, nil, "", datatypes.SamplingConfig{})
	assert.ErrorIs(t, err, datatypes.ErrEngineNotReady)
}

func TestOpen_InvalidSampling(t *testing.T) {
	eng := NewScriptedEngine(Script{})
	_, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{Temperature: 2})
	assert.Error(t, err)
	assert.Zero(t, eng.Opened())
}

func TestSession_NaturalCompletion(t *testing.T) {
	batch := activation.Batch{{1, 2}, {3}}
	eng := NewScriptedEngine(Script{Fragments: []string{"Hel", "", "lo!"}, Activations: batch})

	s, err := Open(context.Background(), eng, history("Hi"), "sys", datatypes.SamplingConfig{Temperature: 0.7, Seed: 42})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Activations()
	assert.ErrorIs(t, err, ErrStreamNotExhausted)

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo!"}, frags)
	assert.Equal(t, "Hello!", s.Transcript())
	assert.Equal(t, StopNatural, s.StopReason())

	got, err := s.Activations()
	require.NoError(t, err)
	assert.Equal(t, batch, got)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)

	req := eng.Requests()[0]
	assert.Equal(t, datatypes.DefaultMaxTokens, req.Sampling.MaxTokens)
	assert.Equal(t, datatypes.DefaultStopSequences, req.Sampling.StopSequences)
}

func TestSession_StopSequenceSuffix(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"Done.", "<|im_", "end|>", "never"}})

	s, err := Open(context.Background(), eng, history("Hi"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Done.", "<|im_", "end|>"}, frags)
	assert.Equal(t, StopSequence, s.StopReason())
}

func TestSession_CustomStopSequence(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"a", "b", "STOP", "c"}})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{StopSequences: []string{"bSTOP"}})
	require.NoError(t, err)
	defer s.Close()

	frags, _ := drain(t, s)
	assert.Equal(t, []string{"a", "b", "STOP"}, frags)
}

func TestSession_TokenCap(t *testing.T) {
	many := make([]string, 50)
	for i := range many {
		many[i] = "x"
	}
	eng := NewScriptedEngine(Script{Fragments: many})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{MaxTokens: 10})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, frags, 10)
	assert.Equal(t, StopTokenCap, s.StopReason())
	assert.Equal(t, 10, s.Emitted())
}

func TestSession_TokenCapReadsTrailingActivations(t *testing.T) {
	batch := activation.Batch{{0.5, 0.25}}
	eng := NewScriptedEngine(Script{Fragments: []string{"a", "b", "c"}, Activations: batch})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{MaxTokens: 2})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a", "b"}, frags)
	assert.Equal(t, StopTokenCap, s.StopReason())

	got, err := s.Activations()
	require.NoError(t, err)
	assert.Equal(t, batch, got)

	assert.Equal(t, "ab", s.Transcript())
	assert.Equal(t, 2, s.Emitted())
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_StopSequenceReadsTrailingActivations(t *testing.T) {
	batch := activation.Batch{{1}}
	eng := NewScriptedEngine(Script{Fragments: []string{"Hi", "<|im_end|>", "tail"}, Activations: batch})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StopSequence, s.StopReason())

	got, err := s.Activations()
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}

func TestSession_TrailingReadBoundedByContext(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"a", "b"}, Hang: true, Activations: activation.Batch{{1}}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s, err := Open(ctx, eng, nil, "", datatypes.SamplingConfig{MaxTokens: 1})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a"}, frags)

	start := time.Now()
	_, err = s.Activations()
	assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSession_TrailingReadGivesUpOnEndlessStream(t *testing.T) {
	many := make([]string, 20)
	for i := range many {
		many[i] = "z"
	}
	eng := NewScriptedEngine(Script{Fragments: many, Activations: activation.Batch{{1}}})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{MaxTokens: 3})
	require.NoError(t, err)
	defer s.Close()

	_, _ = drain(t, s)
	_, err = s.Activations()
	assert.ErrorIs(t, err, ErrActivationsUnavailable)
}

func TestSession_DefaultCapIsOneThousand(t *testing.T) {
	many := make([]string, 1200)
	for i := range many {
		many[i] = "y"
	}
	eng := NewScriptedEngine(Script{Fragments: many})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, _ := drain(t, s)
	assert.Len(t, frags, 1000)
}

func TestSession_CancelUnblocksNext(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"partial"}, Hang: true, Activations: activation.Batch{{1}}})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)

	f, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "partial", f)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Cancel")
	}

	_, err = s.Activations()
	assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)
	_, err = s.Next()
	assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, eng.Closed())
}

func TestSession_ParentContextCancel(t *testing.T) {
	eng := NewScriptedEngine(Script{Hang: true})
	ctx, cancel := context.WithCancel(context.Background())

	s, err := Open(ctx, eng, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	cancel()
	_, err = s.Next()
	assert.ErrorIs(t, err, datatypes.ErrSessionCancelled)
}

func TestSession_EngineFault(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"one", "two"}, FaultAt: 2, FaultMessage: "GPU lost"})

	s, err := Open(context.Background(), eng, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.Equal(t, []string{"one"}, frags)
	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.Equal(t, "GPU lost", datatypes.UserMessage(err))

	_, actErr := s.Activations()
	assert.ErrorIs(t, actErr, datatypes.ErrEngineFault)

	s.Cancel()
	_, err = s.Next()
	assert.ErrorIs(t, err, datatypes.ErrEngineFault)
}

type plainErrStream struct{ scriptedStream }

func (p *plainErrStream) Next(ctx context.Context) (string, error) {
	return "", errors.New("connection reset")
}

type plainErrEngine struct{}

func (plainErrEngine) Ready() bool { return true }

func (plainErrEngine) OpenSession(ctx context.Context, req Request) (TokenStream, error) {
	return &plainErrStream{scriptedStream{engine: NewScriptedEngine()}}, nil
}

func TestSession_WrapsPlainErrorsAsFaults(t *testing.T) {
	s, err := Open(context.Background(), plainErrEngine{}, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next()
	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.Equal(t, "connection reset", datatypes.UserMessage(err))
}

// truncatedStream emits one fragment, then reports the connection closing
// before the completion record.
type truncatedStream struct {
	scriptedStream
	sent bool
}

func (p *truncatedStream) Next(ctx context.Context) (string, error) {
	if !p.sent {
		p.sent = true
		return "cut", nil
	}
	return "", datatypes.NewEngineFault("stream ended before completion", io.EOF)
}

type truncatingEngine struct{}

func (truncatingEngine) Ready() bool { return true }

func (truncatingEngine) OpenSession(ctx context.Context, req Request) (TokenStream, error) {
	return &truncatedStream{scriptedStream: scriptedStream{engine: NewScriptedEngine()}}, nil
}

func TestSession_FaultWrappingEOFIsNotCompletion(t *testing.T) {
	s, err := Open(context.Background(), truncatingEngine{}, nil, "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.Equal(t, []string{"cut"}, frags)
	require.ErrorIs(t, err, datatypes.ErrEngineFault)
	assert.Equal(t, "stream ended before completion", datatypes.UserMessage(err))
	assert.Equal(t, StopNone, s.StopReason())

	_, err = s.Activations()
	assert.ErrorIs(t, err, datatypes.ErrEngineFault)
}

func TestScriptedStream_ActivationsOnlyAfterEOF(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"a", "b"}, Activations: activation.Batch{{1}}})
	stream, err := eng.OpenSession(context.Background(), Request{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Activations()
	assert.ErrorIs(t, err, ErrActivationsUnavailable)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Activations()
	assert.ErrorIs(t, err, ErrActivationsUnavailable)

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
	got, err := stream.Activations()
	require.NoError(t, err)
	assert.Equal(t, activation.Batch{{1}}, got)
}

func TestScriptedEngine_OpenDelayHonoursContext(t *testing.T) {
	eng := NewScriptedEngine(Script{Fragments: []string{"late"}, OpenDelay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := eng.OpenSession(ctx, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, eng.Opened())
}

func TestEchoEngine(t *testing.T) {
	eng := NewEchoEngine(0)
	s, err := Open(context.Background(), eng, history("first", "say it back"), "", datatypes.SamplingConfig{})
	require.NoError(t, err)
	defer s.Close()

	frags, _ := drain(t, s)
	assert.Equal(t, []string{"say", " it", " back"}, frags)
	_, err = s.Activations()
	assert.ErrorIs(t, err, ErrActivationsUnavailable)
}

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
	"strings"
	"sync"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// StopReason records why a session stopped producing fragments.
type StopReason string

const (
	StopNone     StopReason = ""
	StopNatural  StopReason = "natural"
	StopSequence StopReason = "stop_sequence"
	StopTokenCap StopReason = "token_cap"
)

type sessionState int

const (
	stateStreaming sessionState = iota
	stateExhausted
	stateCancelled
	stateFailed
)

// Session is one generation turn.
//
// # Description
//
// Session is a lazy, finite, non-restartable fragment sequence. It ends
// when the engine completes, when the accumulated text ends with a stop
// sequence, or when MaxTokens fragments have been emitted. The fragment
// that completes a stop sequence or reaches the cap is still returned;
// the following Next returns io.EOF.
//
// After Cancel no further fragments are returned, the engine request is
// cancelled, and Activations fails with ErrSessionCancelled.
//
// A stream that ends with an error, io.EOF included, before the engine
// signalled completion is a fault, not a natural end.
//
// # Thread Safety
//
// Next must be called from a single goroutine. Cancel, Transcript and
// StopReason may be called concurrently with Next.
type Session struct {
	stream   TokenStream
	ctx      context.Context
	cancel   context.CancelFunc
	sampling datatypes.SamplingConfig

	mu         sync.Mutex
	state      sessionState
	err        error
	transcript strings.Builder
	emitted    int
	stopReason StopReason

	drainOnce sync.Once
	drainErr  error

	closeOnce sync.Once
	closeErr  error
}

// Open starts a session on eng.
//
// # Inputs
//
//   - ctx: Parent context. Cancelling it cancels the session.
//   - eng: A loaded engine.
//   - history: Conversation so far, oldest first.
//   - systemPrompt: Prepended when not empty.
//   - sampling: Per-turn parameters; a normalized private copy is kept.
//
// # Outputs
//
//   - *Session: Open session. Close it when done.
//   - error: ErrEngineNotReady, a validation error, or an engine fault.
func Open(ctx context.Context, eng GenerationEngine, history []*datatypes.Message,
	systemPrompt string, sampling datatypes.SamplingConfig) (*Session, error) {

	if eng == nil || !eng.Ready() {
		return nil, datatypes.ErrEngineNotReady
	}
	if err := sampling.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sampling config: %w", err)
	}
	sampling = sampling.Normalized()

	sctx, cancel := context.WithCancel(ctx)
	stream, err := eng.OpenSession(sctx, Request{
		History:      history,
		SystemPrompt: systemPrompt,
		Sampling:     sampling,
	})
	if err != nil {
		cancel()
		if errors.Is(err, datatypes.ErrEngineNotReady) || errors.Is(err, datatypes.ErrEngineFault) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, datatypes.ErrSessionCancelled
		}
		return nil, datatypes.NewEngineFault("", err)
	}

	return &Session{
		stream:   stream,
		ctx:      sctx,
		cancel:   cancel,
		sampling: sampling,
	}, nil
}

// Sampling returns the normalized parameters the session runs with.
func (s *Session) Sampling() datatypes.SamplingConfig {
	return s.sampling
}

// Next returns the next non-empty fragment.
//
// # Outputs
//
//   - string: The fragment.
//   - error: io.EOF when the sequence has ended, ErrSessionCancelled after
//     Cancel or parent cancellation, or an *EngineFaultError.
func (s *Session) Next() (string, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case stateCancelled:
			s.mu.Unlock()
			return "", datatypes.ErrSessionCancelled
		case stateExhausted:
			s.mu.Unlock()
			return "", io.EOF
		case stateFailed:
			err := s.err
			s.mu.Unlock()
			return "", err
		}
		s.mu.Unlock()

		frag, err := s.stream.Next(s.ctx)

		s.mu.Lock()
		if s.state == stateCancelled {
			s.mu.Unlock()
			return "", datatypes.ErrSessionCancelled
		}
		if err != nil {
			out := s.finishLocked(err)
			s.mu.Unlock()
			return "", out
		}
		if frag == "" {
			s.mu.Unlock()
			continue
		}

		s.transcript.WriteString(frag)
		s.emitted++
		switch {
		case s.hasStopSuffixLocked():
			s.state = stateExhausted
			s.stopReason = StopSequence
		case s.emitted >= s.sampling.MaxTokens:
			s.state = stateExhausted
			s.stopReason = StopTokenCap
		}
		s.mu.Unlock()
		return frag, nil
	}
}

// finishLocked moves the session to a terminal state for a stream error.
// Only a bare io.EOF is a natural end; a fault wrapping io.EOF is a
// truncated stream.
func (s *Session) finishLocked(err error) error {
	if s.ctx.Err() != nil {
		s.state = stateCancelled
		return datatypes.ErrSessionCancelled
	}

	var fault *datatypes.EngineFaultError
	switch {
	case errors.As(err, &fault):
	case err == io.EOF:
		s.state = stateExhausted
		s.stopReason = StopNatural
		return io.EOF
	default:
		fault = datatypes.NewEngineFault("", err)
	}
	s.state = stateFailed
	s.err = fault
	return fault
}

func (s *Session) hasStopSuffixLocked() bool {
	text := s.transcript.String()
	for _, stop := range s.sampling.StopSequences {
		if stop != "" && strings.HasSuffix(text, stop) {
			return true
		}
	}
	return false
}

// Activations returns the turn's activations once the sequence has ended.
//
// When the session stopped on a stop sequence or the token cap, the engine
// may still hold the completion record that carries the activations. The
// remaining stream is read to its end first, bounded by the session
// context; the fragments read there are discarded.
func (s *Session) Activations() (activation.Batch, error) {
	s.mu.Lock()
	state, err, reason := s.state, s.err, s.stopReason
	s.mu.Unlock()

	switch state {
	case stateCancelled:
		return nil, datatypes.ErrSessionCancelled
	case stateFailed:
		return nil, err
	case stateStreaming:
		return nil, ErrStreamNotExhausted
	}

	if reason != StopNatural {
		s.drainOnce.Do(func() { s.drainErr = s.drain() })
		if s.drainErr != nil {
			return nil, s.drainErr
		}
	}
	return s.stream.Activations()
}

// drain reads the stream to io.EOF after a session-side stop. At most
// MaxTokens further fragments are read.
func (s *Session) drain() error {
	for extra := 0; extra <= s.sampling.MaxTokens; {
		frag, err := s.stream.Next(s.ctx)
		switch {
		case err == io.EOF:
			return nil
		case err != nil && s.ctx.Err() != nil:
			return datatypes.ErrSessionCancelled
		case err != nil:
			return fmt.Errorf("%w: %v", ErrActivationsUnavailable, err)
		}
		if frag != "" {
			extra++
		}
	}
	return fmt.Errorf("%w: stream did not end after stop", ErrActivationsUnavailable)
}

// Cancel stops the session. A blocked Next returns ErrSessionCancelled.
// A failed session stays failed.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != stateFailed {
		s.state = stateCancelled
	}
	s.mu.Unlock()
	s.cancel()
}

// Close cancels any in-flight engine work and releases the stream.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// Transcript returns the text emitted so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Emitted returns the number of fragments emitted so far.
func (s *Session) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// StopReason returns why the sequence ended, or StopNone.
func (s *Session) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

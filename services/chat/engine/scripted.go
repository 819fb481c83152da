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
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// Script describes one scripted turn.
type Script struct {
	// Fragments are emitted in order.
	Fragments []string

	// Activations are reported once the stream has returned io.EOF. Nil
	// means ErrActivationsUnavailable.
	Activations activation.Batch

	// OpenDelay is waited before the stream opens, like a server that is
	// slow to send response headers.
	OpenDelay time.Duration

	// Delay is waited before each fragment.
	Delay time.Duration

	// Hang blocks after the last fragment until the context is cancelled.
	Hang bool

	// FaultAt, when positive, fails the stream with FaultMessage instead
	// of emitting fragment number FaultAt (1-based).
	FaultAt      int
	FaultMessage string
}

// ScriptedEngine replays Scripts. Each OpenSession consumes the next
// script; the last one repeats. A Responder, when set, takes precedence.
//
// It backs the "scripted" engine setting and the test suites.
type ScriptedEngine struct {
	// Responder builds a script from the request.
	Responder func(req Request) Script

	mu       sync.Mutex
	scripts  []Script
	next     int
	requests []Request

	ready  atomic.Bool
	opened atomic.Int64
	closed atomic.Int64
}

// NewScriptedEngine returns a ready engine.
func NewScriptedEngine(scripts ...Script) *ScriptedEngine {
	e := &ScriptedEngine{scripts: scripts}
	e.ready.Store(true)
	return e
}

// NewEchoEngine returns a ready engine that answers with the last user
// message, word by word, and reports no activations.
func NewEchoEngine(delay time.Duration) *ScriptedEngine {
	e := NewScriptedEngine()
	e.Responder = func(req Request) Script {
		var last string
		for _, m := range req.History {
			if m.Role == datatypes.RoleUser {
				last = m.Content
			}
		}
		words := strings.Fields(last)
		frags := make([]string, 0, len(words))
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			frags = append(frags, w)
		}
		return Script{Fragments: frags, Delay: delay}
	}
	return e
}

// SetReady toggles the load state.
func (e *ScriptedEngine) SetReady(ready bool) { e.ready.Store(ready) }

// Ready reports the load state.
func (e *ScriptedEngine) Ready() bool { return e.ready.Load() }

// Opened returns how many sessions were opened.
func (e *ScriptedEngine) Opened() int { return int(e.opened.Load()) }

// Closed returns how many streams were closed.
func (e *ScriptedEngine) Closed() int { return int(e.closed.Load()) }

// Requests returns the requests seen so far.
func (e *ScriptedEngine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

// OpenSession implements GenerationEngine.
func (e *ScriptedEngine) OpenSession(ctx context.Context, req Request) (TokenStream, error) {
	if !e.Ready() {
		return nil, datatypes.ErrEngineNotReady
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	var script Script
	switch {
	case e.Responder != nil:
		script = e.Responder(req)
	case len(e.scripts) > 0:
		script = e.scripts[min(e.next, len(e.scripts)-1)]
		e.next++
	}
	e.mu.Unlock()

	if script.OpenDelay > 0 {
		timer := time.NewTimer(script.OpenDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	e.opened.Add(1)
	return &scriptedStream{engine: e, script: script}, nil
}

type scriptedStream struct {
	engine    *ScriptedEngine
	script    Script
	pos       int
	exhausted bool
	closeOnce sync.Once
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.script.Fragments) {
		if s.script.Delay > 0 {
			timer := time.NewTimer(s.script.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
		if s.script.FaultAt > 0 && s.pos+1 == s.script.FaultAt {
			return "", datatypes.NewEngineFault(s.script.FaultMessage, nil)
		}
		frag := s.script.Fragments[s.pos]
		s.pos++
		return frag, nil
	}
	if s.script.Hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	s.exhausted = true
	return "", io.EOF
}

func (s *scriptedStream) Activations() (activation.Batch, error) {
	if !s.exhausted || s.script.Activations == nil {
		return nil, ErrActivationsUnavailable
	}
	out := make(activation.Batch, len(s.script.Activations))
	for i, row := range s.script.Activations {
		out[i] = append([]float32(nil), row...)
	}
	return out, nil
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { s.engine.closed.Add(1) })
	return nil
}

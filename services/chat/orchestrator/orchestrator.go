// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives one conversational turn: it streams
// fragments from a generation session to the caller under a wall-clock
// timeout, then scores the finished response and updates the
// conversation's running confidence.
//
// # Turn States
//
//	Idle -> Streaming -> Scoring -> Completed
//	 |           |
//	 |           +-> TimedOut (deadline passed first)
//	 |           +-> Failed   (engine fault, external cancel, caller abort)
//	 +-> TimedOut (deadline passed while opening the session)
//
// # Event Contract
//
// The callback receives zero or more fragment events in generation order,
// then exactly one terminal event: a score event (Score may be nil when
// the turn is unscored) or an error event. Every event is delivered on
// the goroutine that called Converse, after the conversation has been
// updated for it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/gazcn007/aware-gpt/services/chat/activation"
	"github.com/gazcn007/aware-gpt/services/chat/aggregator"
	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
	"github.com/gazcn007/aware-gpt/services/chat/engine"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
)

var tracer = otel.Tracer("awaregpt.orchestrator")

// DefaultTimeout bounds the streaming phase of a turn.
const DefaultTimeout = 60 * time.Second

// =============================================================================
// States and Results
// =============================================================================

// State is a turn state.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateScoring   State = "scoring"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// outcome maps a terminal state to its metrics label.
func (s State) outcome() observability.Outcome {
	switch s {
	case StateCompleted:
		return observability.OutcomeCompleted
	case StateTimedOut:
		return observability.OutcomeTimedOut
	case StateIdle:
		return observability.OutcomeNotStarted
	default:
		return observability.OutcomeFailed
	}
}

// TurnRequest holds the per-call parameters of a turn. It is read once
// and never retained.
type TurnRequest struct {
	SystemPrompt string
	Sampling     datatypes.SamplingConfig

	// HistoryLimit keeps only the most recent messages. Zero sends all.
	HistoryLimit int

	// Timeout overrides the orchestrator's streaming timeout when positive.
	Timeout time.Duration
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	State      State
	MessageID  string
	Text       string
	Score      *datatypes.ScoreResult
	Fragments  int
	StopReason engine.StopReason
	Duration   time.Duration
	Err        error
}

// Scorer classifies a feature vector. *classifier.Classifier implements it.
type Scorer interface {
	Score(ctx context.Context, features activation.FeatureVector) (datatypes.ScoreResult, error)
}

// =============================================================================
// Orchestrator
// =============================================================================

// Config configures New.
type Config struct {
	// Engine is required.
	Engine engine.GenerationEngine

	// Preprocessor defaults to activation.DefaultFeatureSize.
	Preprocessor *activation.Preprocessor

	// Classifier may be nil, in which case every turn is unscored.
	Classifier Scorer

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	Metrics *observability.TurnMetrics
	Surface observability.Surface
	Logger  *slog.Logger
}

// Orchestrator runs turns. It holds no per-conversation state; callers
// guarantee that at most one turn runs per conversation at a time.
//
// # Thread Safety
//
// Safe for concurrent use across different conversations.
type Orchestrator struct {
	engine     engine.GenerationEngine
	pre        *activation.Preprocessor
	classifier Scorer
	timeout    time.Duration
	metrics    *observability.TurnMetrics
	surface    observability.Surface
	logger     *slog.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}
	if cfg.Preprocessor == nil {
		pre, err := activation.NewPreprocessor(activation.DefaultFeatureSize)
		if err != nil {
			return nil, err
		}
		cfg.Preprocessor = pre
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Surface == "" {
		cfg.Surface = observability.SurfaceCLI
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		engine:     cfg.Engine,
		pre:        cfg.Preprocessor,
		classifier: cfg.Classifier,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
		surface:    cfg.Surface,
		logger:     cfg.Logger,
	}, nil
}

// Timeout returns the streaming timeout.
func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// Converse runs one turn on conv.
//
// # Description
//
// The caller appends the user message before calling. Converse opens a
// session over conv.Messages, appends an assistant placeholder, and grows
// it fragment by fragment while forwarding each fragment to onEvent.
// The deadline of req.Timeout, or Timeout() when unset, starts before the
// session is opened and covers opening and streaming. When the stream is
// exhausted, activations are preprocessed and classified and the
// conversation average is recomputed before the terminal event.
//
// Degraded paths:
//
//   - Engine not ready: one error event, no placeholder, State Idle.
//   - Deadline passes while opening: one error event with
//     ErrGenerationTimeout, no placeholder, State TimedOut.
//   - Deadline passes while streaming: session cancelled, partial text
//     kept, error event with ErrGenerationTimeout, State TimedOut.
//   - Engine fault: "\n[Error: <msg>]" appended to the partial text,
//     error event, State Failed.
//   - ctx cancelled: session cancelled, error event with
//     ErrSessionCancelled, State Failed.
//   - onEvent returns an error: session cancelled, no further events,
//     State Failed.
//   - No activations, ErrModelUnavailable or ErrModelOutputUnrecognized:
//     State Completed with a nil score; the average is unchanged.
//
// # Inputs
//
//   - ctx: Cancels the turn, including classification.
//   - conv: Conversation owned by this turn.
//   - req: System prompt, sampling and history window.
//   - onEvent: Receives events on this goroutine. Must not be nil.
//
// # Outputs
//
//   - TurnResult: Always populated.
//   - error: Same as TurnResult.Err; nil only for Completed.
func (o *Orchestrator) Converse(ctx context.Context, conv *datatypes.Conversation,
	req TurnRequest, onEvent datatypes.StreamCallback) (TurnResult, error) {

	start := time.Now()
	ctx, span := tracer.Start(ctx, "Orchestrator.Converse")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.Int("conversation.messages", len(conv.Messages)),
	)

	logger := o.logger.With("conversation_id", conv.ID)
	result := TurnResult{State: StateIdle}

	finish := func() (TurnResult, error) {
		result.Duration = time.Since(start)
		span.SetAttributes(
			attribute.String("turn.state", string(result.State)),
			attribute.Int("turn.fragments", result.Fragments),
			attribute.Bool("turn.scored", result.Score != nil),
		)
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, datatypes.ErrorCode(result.Err))
		}
		logger.Info("turn finished",
			"message_id", result.MessageID,
			"state", result.State,
			"fragments", result.Fragments,
			"scored", result.Score != nil,
			"duration_ms", result.Duration.Milliseconds(),
		)
		return result, result.Err
	}

	timeout := o.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	turnCtx, cancelDeadline := context.WithTimeout(ctx, timeout)
	defer cancelDeadline()

	history := historyWindow(conv.Messages, req.HistoryLimit)
	sess, err := engine.Open(turnCtx, o.engine, history, req.SystemPrompt, req.Sampling)
	if err != nil {
		if expired(ctx, turnCtx) {
			result.State = StateTimedOut
			result.Err = datatypes.ErrGenerationTimeout
			o.metrics.TurnStarted(o.surface)
			o.metrics.RecordError(o.surface, datatypes.CodeGenerationTimeout)
			o.metrics.TurnEnded(o.surface, result.State.outcome(), time.Since(start).Seconds())
			o.emitError("", result.Err, onEvent)
			logger.Warn("turn timed out before streaming", "timeout", timeout)
			return finish()
		}
		result.Err = err
		o.metrics.RecordNotStarted(o.surface, datatypes.ErrorCode(err))
		_ = onEvent(datatypes.TurnEvent{Type: datatypes.EventError, Err: err, Text: datatypes.UserMessage(err)})
		logger.Warn("turn not started", "error", err)
		return finish()
	}
	defer sess.Close()

	o.metrics.TurnStarted(o.surface)
	defer func() {
		o.metrics.TurnEnded(o.surface, result.State.outcome(), time.Since(start).Seconds())
	}()

	placeholder := conv.Append(datatypes.NewMessage(datatypes.RoleAssistant, ""))
	result.MessageID = placeholder.ID
	result.State = StateStreaming
	span.SetAttributes(attribute.String("message.id", placeholder.ID))

	outcome := o.stream(ctx, turnCtx, sess, placeholder, &result, onEvent)
	result.StopReason = sess.StopReason()
	result.Text = placeholder.Content

	switch outcome.kind {
	case streamTimedOut:
		result.State = StateTimedOut
		result.Err = datatypes.ErrGenerationTimeout
		o.emitError(placeholder.ID, result.Err, onEvent)
		return finish()

	case streamCancelled:
		result.State = StateFailed
		result.Err = datatypes.ErrSessionCancelled
		o.emitError(placeholder.ID, result.Err, onEvent)
		return finish()

	case streamAborted:
		result.State = StateFailed
		result.Err = fmt.Errorf("turn aborted by caller: %w", outcome.err)
		return finish()

	case streamFaulted:
		placeholder.Content += "\n[Error: " + datatypes.UserMessage(outcome.err) + "]"
		result.Text = placeholder.Content
		result.State = StateFailed
		result.Err = outcome.err
		o.emitError(placeholder.ID, result.Err, onEvent)
		return finish()
	}

	result.State = StateScoring
	score, err := o.score(ctx, sess)
	if err != nil {
		// Only external cancellation reaches here; scoring problems
		// degrade to unscored inside score.
		result.State = StateFailed
		result.Err = datatypes.ErrSessionCancelled
		o.emitError(placeholder.ID, result.Err, onEvent)
		return finish()
	}

	if score != nil {
		if err := aggregator.Update(conv, placeholder.ID, score.Probability); err != nil {
			logger.Error("failed to record score", "message_id", placeholder.ID, "error", err)
			score = nil
		}
	}
	result.Score = score
	o.metrics.RecordScoring(o.surface, score != nil)

	result.State = StateCompleted
	if err := onEvent(datatypes.TurnEvent{
		Type:      datatypes.EventScore,
		MessageID: placeholder.ID,
		Text:      "",
		Score:     score,
	}); err != nil {
		logger.Debug("caller rejected terminal event", "error", err)
	}
	return finish()
}

// =============================================================================
// Streaming Phase
// =============================================================================

type streamKind int

const (
	streamExhausted streamKind = iota
	streamTimedOut
	streamCancelled
	streamAborted
	streamFaulted
)

type streamOutcome struct {
	kind streamKind
	err  error
}

// stream races the fragment producer against the turn deadline and ctx.
// deadlineCtx is derived from ctx and carries the turn deadline.
//
// The producer goroutine only reads from the session and hands fragments
// over a channel; every mutation of the placeholder and every callback
// happens here, on the caller's goroutine.
func (o *Orchestrator) stream(ctx, deadlineCtx context.Context, sess *engine.Session, placeholder *datatypes.Message,
	result *TurnResult, onEvent datatypes.StreamCallback) streamOutcome {

	start := time.Now()
	turnCtx, cancelTurn := context.WithCancel(deadlineCtx)
	defer cancelTurn()

	g, gctx := errgroup.WithContext(turnCtx)
	fragments := make(chan string)
	g.Go(func() error {
		defer close(fragments)
		for {
			frag, err := sess.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case fragments <- frag:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	stop := func(kind streamKind, err error) streamOutcome {
		sess.Cancel()
		cancelTurn()
		_ = g.Wait()
		return streamOutcome{kind: kind, err: err}
	}

	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				err := g.Wait()
				switch {
				case err == nil:
					return streamOutcome{kind: streamExhausted}
				case expired(ctx, deadlineCtx):
					o.metrics.RecordError(o.surface, datatypes.CodeGenerationTimeout)
					return streamOutcome{kind: streamTimedOut, err: datatypes.ErrGenerationTimeout}
				case errors.Is(err, datatypes.ErrSessionCancelled), ctx.Err() != nil:
					return streamOutcome{kind: streamCancelled, err: datatypes.ErrSessionCancelled}
				default:
					o.metrics.RecordError(o.surface, datatypes.ErrorCode(err))
					return streamOutcome{kind: streamFaulted, err: err}
				}
			}

			if result.Fragments == 0 {
				o.metrics.RecordTimeToFirstFragment(o.surface, time.Since(start).Seconds())
			}
			placeholder.Content += frag
			result.Fragments++
			o.metrics.RecordFragment(o.surface)

			if err := onEvent(datatypes.TurnEvent{
				Type:      datatypes.EventFragment,
				MessageID: placeholder.ID,
				Text:      frag,
			}); err != nil {
				return stop(streamAborted, err)
			}

		case <-deadlineCtx.Done():
			if expired(ctx, deadlineCtx) {
				o.metrics.RecordError(o.surface, datatypes.CodeGenerationTimeout)
				return stop(streamTimedOut, datatypes.ErrGenerationTimeout)
			}
			o.metrics.RecordError(o.surface, datatypes.CodeSessionCancelled)
			return stop(streamCancelled, datatypes.ErrSessionCancelled)
		}
	}
}

// =============================================================================
// Scoring Phase
// =============================================================================

// score returns the turn's score, nil when the turn is unscored. The only
// error is external cancellation.
func (o *Orchestrator) score(ctx context.Context, sess *engine.Session) (*datatypes.ScoreResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.score")
	defer span.End()

	if o.classifier == nil {
		span.SetAttributes(attribute.String("score.skipped", "no_classifier"))
		return nil, nil
	}

	batch, err := sess.Activations()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("turn unscored: activations unavailable", "error", err)
		o.metrics.RecordError(o.surface, "activations_unavailable")
		span.SetAttributes(attribute.String("score.skipped", "no_activations"))
		return nil, nil
	}

	features := o.pre.Preprocess(batch)
	span.SetAttributes(
		attribute.Int("score.activation_values", batch.Len()),
		attribute.Int("score.feature_size", len(features)),
	)

	res, err := o.classifier.Score(ctx, features)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("turn unscored: classifier failed", "error", err)
		o.metrics.RecordError(o.surface, datatypes.ErrorCode(err))
		span.SetAttributes(attribute.String("score.skipped", datatypes.ErrorCode(err)))
		return nil, nil
	}
	return &res, nil
}

// =============================================================================
// Helpers
// =============================================================================

// expired reports whether the turn deadline passed while the caller's
// context was still live.
func expired(ctx, deadlineCtx context.Context) bool {
	return ctx.Err() == nil && errors.Is(deadlineCtx.Err(), context.DeadlineExceeded)
}

func (o *Orchestrator) emitError(messageID string, err error, onEvent datatypes.StreamCallback) {
	if cbErr := onEvent(datatypes.TurnEvent{
		Type:      datatypes.EventError,
		MessageID: messageID,
		Text:      datatypes.UserMessage(err),
		Err:       err,
	}); cbErr != nil {
		o.logger.Debug("caller rejected error event", "error", cbErr)
	}
}

// historyWindow returns the last limit messages as a fresh slice. A
// non-positive limit keeps everything.
func historyWindow(msgs []*datatypes.Message, limit int) []*datatypes.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*datatypes.Message, len(msgs))
	copy(out, msgs)
	return out
}

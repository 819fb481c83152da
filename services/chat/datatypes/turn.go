// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"slices"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// HallucinationThreshold is the probability above which a turn is
	// labelled a hallucination regardless of the backend label.
	HallucinationThreshold = 0.5

	// DefaultMaxTokens is the safety cap on emitted fragments per turn.
	DefaultMaxTokens = 1000

	// MaxRandomSeed is the inclusive upper bound of per-turn random seeds.
	MaxRandomSeed = 100000
)

// DefaultStopSequences are applied when a SamplingConfig lists none.
var DefaultStopSequences = []string{"<|im_end|>", "\n\n\n"}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// Validator returns the package validator so other packages can validate
// their own structs with the same custom tags.
func Validator() *validator.Validate {
	return chatValidate
}

// =============================================================================
// Sampling
// =============================================================================

// SamplingConfig holds generation parameters for a single turn.
//
// # Description
//
// Built fresh by the caller for every turn and treated as immutable once
// passed to the orchestrator (which takes a private copy). MaxTokens of
// zero means DefaultMaxTokens; an empty StopSequences means
// DefaultStopSequences.
//
// # Validation
//
//   - Temperature: 0..1
//   - MaxTokens: >= 0
//   - ContextWindow: >= 0 (0 lets the engine decide)
type SamplingConfig struct {
	Temperature   float64  `json:"temperature" yaml:"temperature" validate:"gte=0,lte=1"`
	Seed          uint32   `json:"seed" yaml:"seed"`
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	StopSequences []string `json:"stop_sequences,omitempty" yaml:"stop_sequences" validate:"dive,required"`
	ContextWindow int      `json:"context_window,omitempty" yaml:"context_window" validate:"gte=0"`
}

// Validate checks the struct tags.
func (s SamplingConfig) Validate() error {
	return chatValidate.Struct(s)
}

// Normalized returns a copy with defaults filled in and its own
// StopSequences backing array.
func (s SamplingConfig) Normalized() SamplingConfig {
	out := s
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if len(out.StopSequences) == 0 {
		out.StopSequences = slices.Clone(DefaultStopSequences)
	} else {
		out.StopSequences = slices.Clone(out.StopSequences)
	}
	return out
}

// =============================================================================
// Score
// =============================================================================

// ScoreResult is the classifier verdict for one completed assistant turn.
//
// IsHallucination is always true when Probability > HallucinationThreshold.
// Construct with NewScoreResult to keep that rule.
type ScoreResult struct {
	Probability     float64 `json:"probability"`
	IsHallucination bool    `json:"is_hallucination"`
}

// NewScoreResult applies the labelling rule: the threshold can upgrade a
// negative backend label, never downgrade a positive one.
func NewScoreResult(probability float64, backendLabel bool) ScoreResult {
	return ScoreResult{
		Probability:     probability,
		IsHallucination: backendLabel || probability > HallucinationThreshold,
	}
}

// ConfidencePercent is the user-facing confidence, (1 - p) * 100.
func (s ScoreResult) ConfidencePercent() float64 {
	return ConfidencePercent(s.Probability)
}

// ConfidencePercent converts a hallucination probability to a confidence
// percentage.
func ConfidencePercent(probability float64) float64 {
	return (1 - probability) * 100
}

// =============================================================================
// Turn Events
// =============================================================================

// EventType discriminates TurnEvent.
type EventType string

const (
	// EventFragment carries one text fragment in generation order.
	EventFragment EventType = "fragment"

	// EventScore is the terminal event of a completed turn. Score is nil
	// when the turn is unscored.
	EventScore EventType = "score"

	// EventError is the terminal event of a timed out, cancelled or
	// failed turn.
	EventError EventType = "error"
)

// TurnEvent is delivered to the caller for each step of a turn: zero or
// more fragments, then exactly one score or error event.
type TurnEvent struct {
	Type      EventType    `json:"type"`
	MessageID string       `json:"message_id"`
	Text      string       `json:"text"`
	Score     *ScoreResult `json:"score,omitempty"`
	Err       error        `json:"-"`
}

// IsTerminal reports whether e ends the turn.
func (e TurnEvent) IsTerminal() bool {
	return e.Type == EventScore || e.Type == EventError
}

// StreamCallback receives turn events on the goroutine that called
// Converse. Returning an error aborts the turn.
type StreamCallback func(event TurnEvent) error

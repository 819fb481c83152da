// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator maintains per-conversation confidence derived from
// scored assistant turns, and the cross-conversation analytics built on
// the same scores.
package aggregator

import (
	"errors"
	"fmt"
	"math"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

var (
	// ErrMessageNotFound is returned when the message is not part of the
	// conversation.
	ErrMessageNotFound = errors.New("message not found in conversation")

	// ErrNotAssistant is returned when scoring a non-assistant message.
	ErrNotAssistant = errors.New("only assistant messages can be scored")

	// ErrScoreOutOfRange is returned for scores outside [0, 1] or NaN.
	ErrScoreOutOfRange = errors.New("score outside [0, 1]")
)

// Update sets the score of one assistant message and recomputes the
// conversation average.
//
// # Description
//
// The average is always recomputed from scratch over every scored
// assistant message, never adjusted incrementally, so repeated calls with
// the same scores give the same result.
//
// # Inputs
//
//   - conv: Conversation owned by the caller's turn.
//   - messageID: The assistant message being scored.
//   - score: Hallucination probability in [0, 1].
//
// # Outputs
//
//   - error: ErrMessageNotFound, ErrNotAssistant or ErrScoreOutOfRange.
//     The conversation is unchanged on error.
//
// # Thread Safety
//
// Not safe for concurrent use on the same conversation. Callers hold the
// conversation's single-writer slot.
func Update(conv *datatypes.Conversation, messageID string, score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return fmt.Errorf("%w: %v", ErrScoreOutOfRange, score)
	}
	msg := conv.FindMessage(messageID)
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.Role != datatypes.RoleAssistant {
		return fmt.Errorf("%w: message %s has role %s", ErrNotAssistant, messageID, msg.Role)
	}

	s := score
	msg.HallucinationScore = &s
	Recompute(conv)
	return nil
}

// Recompute sets AverageConfidence to the mean hallucination score of the
// scored assistant messages, or nil when there are none. Scores found on
// non-assistant messages are ignored.
func Recompute(conv *datatypes.Conversation) {
	sum, n := 0.0, 0
	for _, m := range conv.Messages {
		if m.Role != datatypes.RoleAssistant || m.HallucinationScore == nil {
			continue
		}
		sum += *m.HallucinationScore
		n++
	}
	if n == 0 {
		conv.AverageConfidence = nil
		return
	}
	avg := sum / float64(n)
	conv.AverageConfidence = &avg
}

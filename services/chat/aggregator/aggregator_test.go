// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

func turn(conv *datatypes.Conversation, user, reply string) *datatypes.Message {
	conv.Append(datatypes.NewMessage(datatypes.RoleUser, user))
	return conv.Append(datatypes.NewMessage(datatypes.RoleAssistant, reply))
}

func TestUpdate_RecomputesFullMean(t *testing.T) {
	conv := datatypes.NewConversation("t")
	a := turn(conv, "q1", "a1")
	b := turn(conv, "q2", "a2")
	c := turn(conv, "q3", "a3")

	require.NoError(t, Update(conv, a.ID, 0.9))
	require.NoError(t, Update(conv, b.ID, 0.3))
	require.NotNil(t, conv.AverageConfidence)
	assert.InDelta(t, 0.6, *conv.AverageConfidence, 1e-9)

	require.NoError(t, Update(conv, c.ID, 0.6))
	assert.InDelta(t, 0.6, *conv.AverageConfidence, 1e-9)
}

func TestUpdate_Idempotent(t *testing.T) {
	conv := datatypes.NewConversation("t")
	a := turn(conv, "q1", "a1")
	b := turn(conv, "q2", "a2")

	require.NoError(t, Update(conv, a.ID, 0.2))
	require.NoError(t, Update(conv, b.ID, 0.5))
	first := *conv.AverageConfidence

	require.NoError(t, Update(conv, b.ID, 0.5))
	require.NoError(t, Update(conv, b.ID, 0.5))
	assert.Equal(t, first, *conv.AverageConfidence)
}

func TestUpdate_IgnoresUnscoredAssistants(t *testing.T) {
	conv := datatypes.NewConversation("t")
	turn(conv, "q1", "unscored")
	b := turn(conv, "q2", "a2")

	require.NoError(t, Update(conv, b.ID, 0.4))
	assert.InDelta(t, 0.4, *conv.AverageConfidence, 1e-9)
}

func TestUpdate_Rejections(t *testing.T) {
	conv := datatypes.NewConversation("t")
	user := conv.Append(datatypes.NewMessage(datatypes.RoleUser, "hi"))
	asst := conv.Append(datatypes.NewMessage(datatypes.RoleAssistant, "hello"))

	assert.ErrorIs(t, Update(conv, user.ID, 0.1), ErrNotAssistant)
	assert.Nil(t, user.HallucinationScore)

	assert.ErrorIs(t, Update(conv, "missing", 0.1), ErrMessageNotFound)
	assert.ErrorIs(t, Update(conv, asst.ID, 1.2), ErrScoreOutOfRange)
	assert.ErrorIs(t, Update(conv, asst.ID, -0.01), ErrScoreOutOfRange)
	assert.ErrorIs(t, Update(conv, asst.ID, math.NaN()), ErrScoreOutOfRange)

	assert.Nil(t, asst.HallucinationScore)
	assert.Nil(t, conv.AverageConfidence)
}

func TestRecompute_EmptyIsNil(t *testing.T) {
	conv := datatypes.NewConversation("t")
	avg := 0.5
	conv.AverageConfidence = &avg
	turn(conv, "q", "a")

	Recompute(conv)

	assert.Nil(t, conv.AverageConfidence)
}

func TestRecompute_IgnoresScoresOnUserMessages(t *testing.T) {
	conv := datatypes.NewConversation("t")
	user := conv.Append(datatypes.NewMessage(datatypes.RoleUser, "q"))
	bad := 1.0
	user.HallucinationScore = &bad

	Recompute(conv)

	assert.Nil(t, conv.AverageConfidence)
}

func TestAnalyze_BucketsAndTrend(t *testing.T) {
	conv := datatypes.NewConversation("t")
	scores := []float64{0.9, 0.7, 0.69, 0.4, 0.39}
	for _, s := range scores {
		m := turn(conv, "q", "a")
		require.NoError(t, Update(conv, m.ID, s))
	}
	turn(conv, "q", "unscored")

	r := Analyze(conv)

	assert.Equal(t, 6, r.AssistantResponses)
	assert.Equal(t, 5, r.ScoredResponses)
	assert.Equal(t, Buckets{High: 2, Medium: 2, Low: 1}, r.Buckets)
	assert.Equal(t, 5, r.Buckets.Total())
	require.Len(t, r.Trend, 5)
	assert.Equal(t, 4, r.Trend[4].Index)
	assert.InDelta(t, 0.39, r.Trend[4].Score, 1e-9)
	require.NotNil(t, r.Average)
	assert.InDelta(t, *conv.AverageConfidence, *r.Average, 1e-9)
}

func TestSummarize(t *testing.T) {
	older := datatypes.NewConversation("older")
	older.CreatedAt = time.Now().Add(-time.Hour)
	m := turn(older, "q", "a")
	require.NoError(t, Update(older, m.ID, 0.2))

	newer := datatypes.NewConversation("newer")
	m1 := turn(newer, "q", "a")
	m2 := turn(newer, "q", "a")
	require.NoError(t, Update(newer, m1.ID, 0.8))
	require.NoError(t, Update(newer, m2.ID, 0.5))

	empty := datatypes.NewConversation("empty")

	o := Summarize([]*datatypes.Conversation{newer, empty, older})

	assert.Equal(t, 3, o.Conversations)
	assert.Equal(t, 3, o.ScoredResponses)
	assert.InDelta(t, 0.5, *o.Average, 1e-9)
	assert.Equal(t, Buckets{High: 1, Medium: 1, Low: 1}, o.Buckets)
	require.Len(t, o.Trend, 2)
	assert.Equal(t, "older", o.Trend[0].Title)
	assert.Equal(t, "newer", o.Trend[1].Title)
}

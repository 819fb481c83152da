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
	"sort"
	"time"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

// Bucket boundaries over the stored score.
const (
	HighThreshold   = 0.7
	MediumThreshold = 0.4
)

// Buckets counts scored responses by band: High >= 0.7,
// Medium in [0.4, 0.7), Low < 0.4.
type Buckets struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the number of bucketed responses.
func (b Buckets) Total() int {
	return b.High + b.Medium + b.Low
}

func (b *Buckets) add(score float64) {
	switch {
	case score >= HighThreshold:
		b.High++
	case score >= MediumThreshold:
		b.Medium++
	default:
		b.Low++
	}
}

// TrendPoint is one scored response in conversation order.
type TrendPoint struct {
	Index     int       `json:"index"`
	MessageID string    `json:"message_id"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Report summarizes one conversation.
type Report struct {
	ConversationID     string       `json:"conversation_id"`
	Title              string       `json:"title"`
	AssistantResponses int          `json:"assistant_responses"`
	ScoredResponses    int          `json:"scored_responses"`
	Average            *float64     `json:"average,omitempty"`
	Buckets            Buckets      `json:"buckets"`
	Trend              []TrendPoint `json:"trend"`
}

// Analyze builds the report for conv without modifying it.
func Analyze(conv *datatypes.Conversation) Report {
	r := Report{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Trend:          []TrendPoint{},
	}
	sum := 0.0
	for _, m := range conv.Messages {
		if m.Role != datatypes.RoleAssistant {
			continue
		}
		r.AssistantResponses++
		if m.HallucinationScore == nil {
			continue
		}
		score := *m.HallucinationScore
		r.Trend = append(r.Trend, TrendPoint{
			Index:     r.ScoredResponses,
			MessageID: m.ID,
			Score:     score,
			CreatedAt: m.CreatedAt,
		})
		r.ScoredResponses++
		r.Buckets.add(score)
		sum += score
	}
	if r.ScoredResponses > 0 {
		avg := sum / float64(r.ScoredResponses)
		r.Average = &avg
	}
	return r
}

// ConversationSummary is one entry of an Overview.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	Average        *float64  `json:"average,omitempty"`
}

// Overview aggregates across conversations.
type Overview struct {
	Conversations   int                   `json:"conversations"`
	ScoredResponses int                   `json:"scored_responses"`
	Average         *float64              `json:"average,omitempty"`
	Buckets         Buckets               `json:"buckets"`
	Trend           []ConversationSummary `json:"trend"`
}

// Summarize builds an Overview. Trend lists conversations with an
// average, oldest first.
func Summarize(convs []*datatypes.Conversation) Overview {
	o := Overview{Conversations: len(convs), Trend: []ConversationSummary{}}
	sum := 0.0
	for _, c := range convs {
		r := Analyze(c)
		o.ScoredResponses += r.ScoredResponses
		o.Buckets.High += r.Buckets.High
		o.Buckets.Medium += r.Buckets.Medium
		o.Buckets.Low += r.Buckets.Low
		for _, p := range r.Trend {
			sum += p.Score
		}
		if r.Average != nil {
			o.Trend = append(o.Trend, ConversationSummary{
				ConversationID: c.ID,
				Title:          c.Title,
				CreatedAt:      c.CreatedAt,
				Average:        r.Average,
			})
		}
	}
	if o.ScoredResponses > 0 {
		avg := sum / float64(o.ScoredResponses)
		o.Average = &avg
	}
	sort.SliceStable(o.Trend, func(i, j int) bool {
		return o.Trend[i].CreatedAt.Before(o.Trend[j].CreatedAt)
	})
	return o
}

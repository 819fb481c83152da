// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data model shared by the chat core and
// the application shell: messages, conversations, per-turn sampling
// parameters, score results, turn events and the error taxonomy.
package datatypes

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes bounds a single user message.
	MaxMessageContentBytes = 32 * 1024

	// MaxTitleRunes is the length of a title derived from the first user
	// message.
	MaxTitleRunes = 40

	// DefaultTitle is used when no user text is available.
	DefaultTitle = "New Chat"
)

// =============================================================================
// Message
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry in a conversation.
//
// # Description
//
// Messages are created by the caller (user input) or by the orchestrator
// (assistant placeholder, mutated as fragments arrive). HallucinationScore
// is only ever set on assistant messages and only through the aggregator.
//
// # Thread Safety
//
// Not safe for concurrent mutation. A message is owned by exactly one
// conversation, which has a single writer per turn.
type Message struct {
	ID                 string    `json:"id"`
	Role               Role      `json:"role"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"created_at"`
	HallucinationScore *float64  `json:"hallucination_score,omitempty"`
}

// NewMessage creates a message with a fresh UUID and the current time.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// IsEmptyAssistant reports whether m is an assistant placeholder that has
// not received any text yet.
func (m *Message) IsEmptyAssistant() bool {
	return m.Role == RoleAssistant && strings.TrimSpace(m.Content) == ""
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.HallucinationScore != nil {
		score := *m.HallucinationScore
		c.HallucinationScore = &score
	}
	return &c
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is an ordered list of messages plus derived confidence.
//
// AverageConfidence is derived state. It is the mean hallucination score
// of the scored assistant messages, nil when there are none, and is only
// written by the aggregator.
type Conversation struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	CreatedAt         time.Time  `json:"created_at"`
	AverageConfidence *float64   `json:"average_confidence,omitempty"`
	Messages          []*Message `json:"messages"`
}

// NewConversation creates an empty conversation. An empty title becomes
// DefaultTitle.
func NewConversation(title string) *Conversation {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
		Messages:  []*Message{},
	}
}

// Append adds a message to the end of the conversation and returns it.
func (c *Conversation) Append(msg *Message) *Message {
	c.Messages = append(c.Messages, msg)
	return msg
}

// FindMessage returns the message with the given ID, or nil.
func (c *Conversation) FindMessage(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy of c. The shell uses it to hand a consistent
// snapshot to persistence while a turn is still running.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.AverageConfidence != nil {
		avg := *c.AverageConfidence
		out.AverageConfidence = &avg
	}
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// EnsureTitle replaces a default title with one derived from the first
// user message.
func (c *Conversation) EnsureTitle() {
	if c.Title != "" && c.Title != DefaultTitle {
		return
	}
	for _, m := range c.Messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			c.Title = TitleFromContent(m.Content)
			return
		}
	}
}

// TitleFromContent derives a single-line title of at most MaxTitleRunes
// runes from message text.
func TitleFromContent(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(title) <= MaxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:MaxTitleRunes])) + "..."
}

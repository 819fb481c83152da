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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gazcn007/aware-gpt/services/chat/datatypes"
)

var tracer = otel.Tracer("awaregpt.store")

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

const conversationPrefix = "conv:"

func conversationKey(id string) []byte {
	return []byte(conversationPrefix + id)
}

// ConversationStore is the persistence surface the shells depend on.
type ConversationStore interface {
	Save(ctx context.Context, conv *datatypes.Conversation) error
	Get(ctx context.Context, id string) (*datatypes.Conversation, error)
	List(ctx context.Context) ([]*datatypes.Conversation, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// BadgerStore is a ConversationStore backed by BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Save stores a deep copy taken at call time.
type BadgerStore struct {
	db        *badger.DB
	gc        *gcRunner
	closeOnce sync.Once
	closeErr  error
}

// Open opens a store with cfg. GC only runs for persistent databases.
func Open(cfg Config) (*BadgerStore, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = gc
	}
	return s, nil
}

// OpenInMemory opens a store whose data is lost on Close.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Save writes conv, replacing any previous version.
func (s *BadgerStore) Save(ctx context.Context, conv *datatypes.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("conversation id is required")
	}
	ctx, span := tracer.Start(ctx, "store.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.Int("conversation.messages", len(conv.Messages)),
	)

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(conv.Clone())
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(conversationKey(conv.ID), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Get loads a conversation by ID.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conv datatypes.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(conversationKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &conv)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv.Messages == nil {
		conv.Messages = []*datatypes.Message{}
	}
	return &conv, nil
}

// List returns every conversation, newest first.
func (s *BadgerStore) List(ctx context.Context) ([]*datatypes.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.List")
	defer span.End()

	var out []*datatypes.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(conversationPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var conv datatypes.Conversation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &conv)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &conv)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	span.SetAttributes(attribute.Int("conversations", len(out)))
	return out, nil
}

// Delete removes a conversation. Deleting a missing ID returns ErrNotFound.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		key := conversationKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

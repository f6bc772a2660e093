// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the append-only audit trail of the coordination engine.
//
// Every publish, resolution, and conflict is recorded as an Event in
// BadgerDB. The trail answers "what happened to this session" after the
// fact: which agent published what, which resolutions fired, and which
// conflicts were detected, in order.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// EventType identifies what happened.
type EventType string

// The recorded event types.
const (
	EventIntentPublished     EventType = "intent_published"
	EventIntentResolved      EventType = "intent_resolved"
	EventConflictDetected    EventType = "conflict_detected"
	EventEscalationTriggered EventType = "escalation_triggered"
)

// BadgerDB key prefix for events. Keys embed a zero-padded sequence so
// lexicographic iteration is chronological.
const keyPrefixEvent = "graph:event:"

// Event is one entry in the audit trail.
type Event struct {
	// Seq is the log-assigned sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// Type identifies what happened.
	Type EventType `json:"type"`

	// AgentID is the agent the event concerns.
	AgentID string `json:"agent_id"`

	// IntentID is the intent the event concerns.
	IntentID string `json:"intent_id"`

	// Timestamp is when the event was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Stability is set on intent_published events.
	Stability float64 `json:"stability,omitempty"`

	// Conflict is set on conflict_detected events.
	Conflict *intent.ConflictReport `json:"conflict,omitempty"`

	// Result is set on intent_resolved events.
	Result *intent.ResolutionResult `json:"result,omitempty"`
}

// Filter selects events from the trail. Zero values match everything.
type Filter struct {
	// AgentID restricts to one agent's events.
	AgentID string

	// IntentID restricts to events concerning one intent. Intent IDs are
	// the correlation key of the trail: publish, resolution, conflict, and
	// escalation events about the same intent share one.
	IntentID string

	// Type restricts to one event type.
	Type EventType

	// Since restricts to events at or after this time.
	Since time.Time

	// Limit caps the result count. Zero or less means no cap.
	Limit int
}

// matches reports whether the event passes the filter.
func (f Filter) matches(ev *Event) bool {
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.IntentID != "" && ev.IntentID != f.IntentID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Log is a BadgerDB-backed append-only event trail.
//
// Thread Safety: safe for concurrent use. The sequence counter is guarded
// by a mutex; BadgerDB handles storage concurrency.
type Log struct {
	db     *badger.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq uint64
}

// NewLog creates a Log on an opened BadgerDB instance, restoring the
// sequence counter from existing entries.
func NewLog(db *badger.DB, logger *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{db: db, logger: logger}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixEvent)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var count uint64
		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			count++
		}
		l.seq = count
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restoring event sequence: %w", err)
	}
	return l, nil
}

// Append records an event, assigning its sequence number and, when unset,
// its timestamp.
func (l *Log) Append(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("append: nil event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Seq = l.seq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("append: marshaling event: %w", err)
	}
	key := fmt.Sprintf("%s%012d", keyPrefixEvent, ev.Seq)

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
	if err != nil {
		return fmt.Errorf("append: writing event: %w", err)
	}
	l.seq++
	return nil
}

// Query returns events matching the filter, in chronological order.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixEvent)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}

			var ev Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				l.logger.Warn("skipping corrupt event",
					slog.String("key", string(it.Item().Key())),
					slog.Any("error", err),
				)
				continue
			}
			if f.matches(&ev) {
				out = append(out, &ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return out, nil
}

// Len returns the number of recorded events.
func (l *Log) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixEvent)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

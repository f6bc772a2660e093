// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore provides the BadgerDB-backed GraphBackend, for
// coordination sessions that must survive a process restart.
//
// Intents are stored as gzip-compressed JSON. A monotonic sequence index
// preserves publish order, since BadgerDB iterates keys lexicographically.
package badgerstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/convergent/services/graph/backend"
	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/stability"
)

// BadgerDB key prefixes for the intent graph.
//
// Key Schema:
//
//	intent:{id}            → gzip(JSON(Intent))
//	order:{seq:012d}       → intent ID
//	agent:{agentID}:{seq}  → intent ID
const (
	keyPrefixIntent = "intent:"
	keyPrefixOrder  = "order:"
	keyPrefixAgent  = "agent:"
)

// Store is a BadgerDB-backed GraphBackend.
//
// Description:
//
//	Persists intents as gzip-compressed JSON under "intent:{id}". Publish
//	order is recorded under "order:{seq}" and a per-agent index under
//	"agent:{agentID}:{seq}", both mapping to the intent ID. Stability is
//	never stored; it is recomputed from evidence on every read.
//
//	Unlike the in-memory backend, values are copies: evidence appended to
//	an intent after publish is not visible until the intent is published
//	again. Publishing an existing ID overwrites the stored value without
//	creating a new order entry, which is how evidence updates persist.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control;
//	the sequence counter is guarded by a mutex.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq uint64
}

var _ backend.GraphBackend = (*Store)(nil)

// NewStore creates a Store on an opened BadgerDB instance.
//
// Description:
//
//	Restores the sequence counter from the highest existing order key, so a
//	reopened store continues numbering where the previous process stopped.
//	The DB should be opened by the caller and closed when no longer needed.
//
// Inputs:
//
//	db - An opened BadgerDB instance. Must not be nil.
//	logger - Logger for diagnostic output. Nil means slog.Default().
//
// Outputs:
//
//	*Store - The configured store.
//	error - Non-nil if db is nil or the index scan fails.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixOrder)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys are zero-padded, so the lexicographically last order key
		// carries the highest sequence number.
		var lastKey string
		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			lastKey = string(it.Item().Key())
		}
		if lastKey == "" {
			return nil
		}
		seq, err := strconv.ParseUint(lastKey[len(keyPrefixOrder):], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing order key %q: %w", lastKey, err)
		}
		s.seq = seq
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restoring sequence counter: %w", err)
	}
	return s, nil
}

// Publish persists the intent and returns its computed stability.
//
// A new ID gets an order and agent index entry; an existing ID only has its
// value overwritten, so republishing is how evidence growth reaches disk.
func (s *Store) Publish(ctx context.Context, it *intent.Intent) (float64, error) {
	if it == nil {
		return 0, fmt.Errorf("publish: nil intent")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	payload, err := encodeIntent(it)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", it.ID, err)
	}
	intentKey := []byte(keyPrefixIntent + it.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var isNew bool
	err = s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(intentKey)
		isNew = getErr == badger.ErrKeyNotFound
		if getErr != nil && !isNew {
			return fmt.Errorf("checking existing intent: %w", getErr)
		}

		if isNew {
			seq := s.seq + 1
			orderKey := fmt.Sprintf("%s%012d", keyPrefixOrder, seq)
			agentKey := fmt.Sprintf("%s%s:%012d", keyPrefixAgent, it.AgentID, seq)
			if err := txn.Set([]byte(orderKey), []byte(it.ID)); err != nil {
				return fmt.Errorf("storing order index: %w", err)
			}
			if err := txn.Set([]byte(agentKey), []byte(it.ID)); err != nil {
				return fmt.Errorf("storing agent index: %w", err)
			}
		}
		return txn.Set(intentKey, payload)
	})
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", it.ID, err)
	}
	// Only new IDs consume a sequence number. Overwrites must not advance
	// the counter or it drifts from the order index across restarts.
	if isNew {
		s.seq++
	}

	score := stability.Score(it.Evidence)
	s.logger.Debug("intent persisted",
		slog.String("intent_id", it.ID),
		slog.String("agent_id", it.AgentID),
		slog.Float64("stability", score),
	)
	return score, nil
}

// QueryAll returns intents at or above the stability floor, in publish order.
func (s *Store) QueryAll(ctx context.Context, minStability float64) ([]*intent.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*intent.Intent
	err := s.db.View(func(txn *badger.Txn) error {
		intents, err := s.loadOrdered(txn, keyPrefixOrder)
		if err != nil {
			return err
		}
		for _, it := range intents {
			if stability.Score(it.Evidence) >= minStability {
				out = append(out, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query all: %w", err)
	}
	return out, nil
}

// QueryByAgent returns the agent's intents in publish order.
func (s *Store) QueryByAgent(ctx context.Context, agentID string) ([]*intent.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*intent.Intent
	err := s.db.View(func(txn *badger.Txn) error {
		intents, err := s.loadOrdered(txn, keyPrefixAgent+agentID+":")
		if err != nil {
			return err
		}
		out = intents
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query agent %s: %w", agentID, err)
	}
	return out, nil
}

// FindOverlapping scans for other agents' intents whose specs structurally
// overlap any of the given specs, filtered by the stability floor. Results
// are sorted by intent ID so resolution passes see a deterministic order.
func (s *Store) FindOverlapping(ctx context.Context, specs []intent.InterfaceSpec, excludeAgent string, minStability float64) ([]*intent.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*intent.Intent
	err := s.db.View(func(txn *badger.Txn) error {
		intents, err := s.loadOrdered(txn, keyPrefixOrder)
		if err != nil {
			return err
		}
		for _, it := range intents {
			if it.AgentID == excludeAgent {
				continue
			}
			if stability.Score(it.Evidence) < minStability {
				continue
			}
			if specsOverlap(specs, it.Specs()) {
				out = append(out, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find overlapping: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of stored intents.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixIntent)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// loadOrdered walks an index prefix in key order and loads the referenced
// intents. Index keys embed a zero-padded sequence, so lexicographic key
// order is publish order.
func (s *Store) loadOrdered(txn *badger.Txn, prefix string) ([]*intent.Intent, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(opts.Prefix); it.Valid(); it.Next() {
		id, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("reading index entry: %w", err)
		}
		ids = append(ids, string(id))
	}

	out := make([]*intent.Intent, 0, len(ids))
	for _, id := range ids {
		item, err := txn.Get([]byte(keyPrefixIntent + id))
		if err == badger.ErrKeyNotFound {
			// Index entry without a value: the intent was deleted out of
			// band. Skip rather than fail the whole read.
			s.logger.Warn("dangling index entry", slog.String("intent_id", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading intent %s: %w", id, err)
		}
		payload, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("copying intent %s: %w", id, err)
		}
		decoded, err := decodeIntent(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding intent %s: %w", id, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

// encodeIntent serializes an intent to gzip-compressed JSON.
func encodeIntent(it *intent.Intent) ([]byte, error) {
	jsonData, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("marshaling intent: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing intent: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return compressed.Bytes(), nil
}

// decodeIntent reverses encodeIntent.
func decodeIntent(payload []byte) (*intent.Intent, error) {
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decompressing intent: %w", err)
	}
	defer gr.Close()

	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("reading decompressed intent: %w", err)
	}

	var it intent.Intent
	if err := json.Unmarshal(jsonData, &it); err != nil {
		return nil, fmt.Errorf("unmarshaling intent: %w", err)
	}
	return &it, nil
}

// specsOverlap reports whether any spec in a structurally overlaps any in b.
func specsOverlap(a, b []intent.InterfaceSpec) bool {
	for _, sa := range a {
		for _, sb := range b {
			if sa.StructurallyOverlaps(sb) {
				return true
			}
		}
	}
	return false
}

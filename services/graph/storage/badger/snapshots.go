// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/convergent/services/graph/version"
)

// BadgerDB key prefixes for graph snapshots.
const (
	keyPrefixSnap      = "graph:snap:"
	keyPrefixSnapIndex = "graph:snap:index:"
	keySuffixData      = ":data"
	keySuffixMeta      = ":meta"
	keySuffixLatest    = ":latest"
)

// SnapshotMetadata contains metadata about a saved graph snapshot.
type SnapshotMetadata struct {
	// SnapshotID is the snapshot's own UUID, assigned at capture time.
	SnapshotID string `json:"snapshot_id"`

	// Branch is the branch the snapshot was captured from.
	Branch string `json:"branch"`

	// Version is the branch's version counter at capture time.
	Version int `json:"version"`

	// ContentHash is the order-invariant hash of the captured intent set.
	ContentHash string `json:"content_hash"`

	// IntentCount is the number of intents captured.
	IntentCount int `json:"intent_count"`

	// CreatedAtMilli is when the snapshot was saved (Unix milliseconds UTC).
	CreatedAtMilli int64 `json:"created_at_milli"`

	// CompressedSize is the size of the gzip-compressed JSON payload in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// PayloadHash is the SHA256 hash of the compressed payload, checked on
	// load to detect corruption.
	PayloadHash string `json:"payload_hash"`
}

// SnapshotStore persists immutable graph snapshots in BadgerDB.
//
// Description:
//
//	Stores each snapshot as gzip-compressed JSON plus a metadata record for
//	listing and filtering, and keeps a "latest" pointer per branch.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type SnapshotStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewSnapshotStore creates a SnapshotStore on an opened BadgerDB instance.
func NewSnapshotStore(db *badger.DB, logger *slog.Logger) (*SnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{db: db, logger: logger}, nil
}

// Save persists a snapshot to BadgerDB.
//
// Description:
//
//	Serializes the snapshot to JSON, gzip-compresses it, and stores it
//	along with metadata. Updates the branch's "latest" pointer.
//
// Key Schema:
//
//	graph:snap:{branch}:{snapshotID}:data → gzip(JSON(Snapshot))
//	graph:snap:{branch}:{snapshotID}:meta → JSON(SnapshotMetadata)
//	graph:snap:{branch}:latest            → snapshotID
//	graph:snap:index:{snapshotID}         → branch
func (s *SnapshotStore) Save(ctx context.Context, snap *version.Snapshot) (*SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot must not be nil")
	}

	jsonData, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	compressedData := compressed.Bytes()

	meta := &SnapshotMetadata{
		SnapshotID:     snap.ID,
		Branch:         snap.SourceBranch,
		Version:        snap.Version,
		ContentHash:    snap.ContentHash(),
		IntentCount:    snap.Count(),
		CreatedAtMilli: time.Now().UnixMilli(),
		CompressedSize: int64(len(compressedData)),
		PayloadHash:    hashBytes(compressedData),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	dataKey := keyPrefixSnap + snap.SourceBranch + ":" + snap.ID + keySuffixData
	metaKey := keyPrefixSnap + snap.SourceBranch + ":" + snap.ID + keySuffixMeta
	latestKey := keyPrefixSnap + snap.SourceBranch + keySuffixLatest
	indexKey := keyPrefixSnapIndex + snap.ID

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataKey), compressedData); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set([]byte(metaKey), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		if err := txn.Set([]byte(latestKey), []byte(snap.ID)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		if err := txn.Set([]byte(indexKey), []byte(snap.SourceBranch)); err != nil {
			return fmt.Errorf("storing reverse index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing snapshot to badger: %w", err)
	}

	s.logger.Info("snapshot saved",
		slog.String("snapshot_id", snap.ID),
		slog.String("branch", snap.SourceBranch),
		slog.Int("version", snap.Version),
		slog.Int("intent_count", meta.IntentCount),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

// Load retrieves a snapshot by its ID.
func (s *SnapshotStore) Load(ctx context.Context, snapshotID string) (*version.Snapshot, *SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if snapshotID == "" {
		return nil, nil, fmt.Errorf("snapshot ID must not be empty")
	}

	branch, err := s.getBranch(snapshotID)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up snapshot %s: %w", snapshotID, err)
	}
	return s.loadByKeys(branch, snapshotID)
}

// LoadLatest loads the most recent snapshot for a branch.
func (s *SnapshotStore) LoadLatest(ctx context.Context, branch string) (*version.Snapshot, *SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if branch == "" {
		return nil, nil, fmt.Errorf("branch must not be empty")
	}

	latestKey := keyPrefixSnap + branch + keySuffixLatest
	var snapshotID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snapshotID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest pointer for %s: %w", branch, err)
	}
	return s.loadByKeys(branch, snapshotID)
}

// List returns metadata for snapshots matching the optional branch filter.
//
// Results are ordered by CreatedAtMilli descending (newest first). A limit
// of zero or less defaults to 100.
func (s *SnapshotStore) List(ctx context.Context, branch string, limit int) ([]*SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	prefix := keyPrefixSnap
	if branch != "" {
		prefix = keyPrefixSnap + branch + ":"
	}

	var results []*SnapshotMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !isMetaKey(key) {
				continue
			}

			var meta SnapshotMetadata
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				s.logger.Warn("skipping corrupt metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			results = append(results, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	sortSnapshotsByDate(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a snapshot and its index entries. If the deleted snapshot
// was the branch's latest, the latest pointer is removed too.
func (s *SnapshotStore) Delete(ctx context.Context, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshotID == "" {
		return fmt.Errorf("snapshot ID must not be empty")
	}

	branch, err := s.getBranch(snapshotID)
	if err != nil {
		return fmt.Errorf("looking up snapshot %s: %w", snapshotID, err)
	}

	dataKey := keyPrefixSnap + branch + ":" + snapshotID + keySuffixData
	metaKey := keyPrefixSnap + branch + ":" + snapshotID + keySuffixMeta
	latestKey := keyPrefixSnap + branch + keySuffixLatest
	indexKey := keyPrefixSnapIndex + snapshotID

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(dataKey)); err != nil && err != badger.ErrKeyNotFound {
			return fmt.Errorf("deleting data: %w", err)
		}
		if err := txn.Delete([]byte(metaKey)); err != nil && err != badger.ErrKeyNotFound {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		if err := txn.Delete([]byte(indexKey)); err != nil && err != badger.ErrKeyNotFound {
			return fmt.Errorf("deleting reverse index: %w", err)
		}

		item, err := txn.Get([]byte(latestKey))
		if err == nil {
			var currentLatest string
			_ = item.Value(func(val []byte) error {
				currentLatest = string(val)
				return nil
			})
			if currentLatest == snapshotID {
				if err := txn.Delete([]byte(latestKey)); err != nil && err != badger.ErrKeyNotFound {
					return fmt.Errorf("deleting latest pointer: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}

	s.logger.Info("snapshot deleted", slog.String("snapshot_id", snapshotID))
	return nil
}

// loadByKeys loads a snapshot using a known branch and snapshot ID.
func (s *SnapshotStore) loadByKeys(branch, snapshotID string) (*version.Snapshot, *SnapshotMetadata, error) {
	dataKey := keyPrefixSnap + branch + ":" + snapshotID + keySuffixData
	metaKey := keyPrefixSnap + branch + ":" + snapshotID + keySuffixMeta

	var compressedData []byte
	var metaJSON []byte

	err := s.db.View(func(txn *badger.Txn) error {
		dataItem, err := txn.Get([]byte(dataKey))
		if err != nil {
			return fmt.Errorf("reading data for %s: %w", snapshotID, err)
		}
		compressedData, err = dataItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying data for %s: %w", snapshotID, err)
		}

		metaItem, err := txn.Get([]byte(metaKey))
		if err != nil {
			return fmt.Errorf("reading metadata for %s: %w", snapshotID, err)
		}
		metaJSON, err = metaItem.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copying metadata for %s: %w", snapshotID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", snapshotID, err)
	}
	if actual := hashBytes(compressedData); meta.PayloadHash != "" && meta.PayloadHash != actual {
		return nil, nil, fmt.Errorf("integrity check failed for %s: expected hash %s, got %s", snapshotID, meta.PayloadHash, actual)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing snapshot %s: %w", snapshotID, err)
	}
	defer gr.Close()

	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed data for %s: %w", snapshotID, err)
	}

	var snap version.Snapshot
	if err := json.Unmarshal(jsonData, &snap); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling snapshot %s: %w", snapshotID, err)
	}
	return &snap, &meta, nil
}

// getBranch retrieves the branch for a snapshot ID from the reverse index.
func (s *SnapshotStore) getBranch(snapshotID string) (string, error) {
	indexKey := keyPrefixSnapIndex + snapshotID
	var branch string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(indexKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			branch = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return branch, nil
}

// hashBytes returns the hex-encoded SHA256 hash of a byte slice.
func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// isMetaKey returns true if the key ends with the metadata suffix.
func isMetaKey(key string) bool {
	return len(key) > len(keySuffixMeta) && key[len(key)-len(keySuffixMeta):] == keySuffixMeta
}

// sortSnapshotsByDate sorts snapshots by CreatedAtMilli descending.
func sortSnapshotsByDate(snapshots []*SnapshotMetadata) {
	for i := 1; i < len(snapshots); i++ {
		for j := i; j > 0 && snapshots[j].CreatedAtMilli > snapshots[j-1].CreatedAtMilli; j-- {
			snapshots[j], snapshots[j-1] = snapshots[j-1], snapshots[j]
		}
	}
}

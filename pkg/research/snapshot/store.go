// Package snapshot implements the optional checkpoint store named in
// spec.md's persisted-state layout: a JSON document of ReportState at any
// checkpoint, schema exactly mirroring §3, stored in a BoltDB bucket keyed
// by flow ID. This system provides no durable queuing or
// recovery guarantee (spec.md Non-goals) — the store exists purely so an
// operator can inspect or replay a flow's last-known state, not so the
// FlowManager can resume one after a crash.
//
// Grounded on services/orchestrator/persistence.go's WorkflowStore: same
// pure-Go bbolt backend chosen for the same reason (no C dependencies),
// same single-bucket-plus-version-history shape, generalized from
// Workflow/WorkflowExecution records to model.ReportState.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/deepresearch/pkg/research/model"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketVersions  = []byte("versions")
)

// Store persists ReportState checkpoints to a BoltDB file, with an
// in-memory hot cache for the most recently written state per flow.
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex
	hot map[string]*model.ReportState

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
	staleWrites  metric.Int64Counter
}

// Open creates or opens a BoltDB file at dbPath and ensures its buckets
// exist.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("snapshot: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("deepresearch_snapshot_write_ms")
	readLatency, _ := meter.Float64Histogram("deepresearch_snapshot_read_ms")
	staleWrites, _ := meter.Int64Counter("deepresearch_snapshot_stale_writes_total")

	return &Store{
		db:           db,
		hot:          make(map[string]*model.ReportState),
		writeLatency: writeLatency,
		readLatency:  readLatency,
		staleWrites:  staleWrites,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a checkpoint of state for flowID, archiving the previous
// checkpoint into the version-history bucket first. A write whose
// state.Version is not strictly greater than the previously stored
// version is rejected as stale — two concurrent checkpoint calls for the
// same flow can otherwise race and let an older state win (spec.md §3's
// Version field exists exactly for this check).
func (s *Store) Put(ctx context.Context, flowID string, state *model.ReportState) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put")))
	}()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("snapshot: marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		existing := bucket.Get([]byte(flowID))
		if existing != nil {
			var prev model.ReportState
			if jsonErr := json.Unmarshal(existing, &prev); jsonErr == nil && state.Version <= prev.Version {
				s.staleWrites.Add(ctx, 1)
				return fmt.Errorf("snapshot: stale write for flow %s (have version %d, got %d)", flowID, prev.Version, state.Version)
			}

			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", flowID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("snapshot: archive previous version: %w", err)
			}
		}
		return bucket.Put([]byte(flowID), data)
	})
	if err != nil {
		return err
	}

	s.hot[flowID] = state
	return nil
}

// Get retrieves the most recent checkpoint for flowID, preferring the hot
// cache over a database read.
func (s *Store) Get(ctx context.Context, flowID string) (*model.ReportState, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get")))
	}()

	s.mu.RLock()
	if state, ok := s.hot[flowID]; ok {
		s.mu.RUnlock()
		return state, true, nil
	}
	s.mu.RUnlock()

	var state model.ReportState
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(flowID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: read state for flow %s: %w", flowID, err)
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.hot[flowID] = &state
	s.mu.Unlock()
	return &state, true, nil
}

// Delete removes a flow's current checkpoint, archiving it first.
func (s *Store) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		data := bucket.Get([]byte(flowID))
		if data != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("archive:%s:%d", flowID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(flowID))
	})
	if err != nil {
		return fmt.Errorf("snapshot: delete flow %s: %w", flowID, err)
	}

	delete(s.hot, flowID)
	return nil
}

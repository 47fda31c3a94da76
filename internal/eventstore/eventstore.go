// Package eventstore durably mirrors an engine's event log and task
// channel onto BoltDB, fulfilling the "persistence durably mirrors
// drain_events output" external collaborator role the core engine
// itself deliberately leaves out of scope. The engine stays in-memory
// and dependency-free; this package is what a caller reaches for when
// it wants that output to survive a process restart.
package eventstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/workforce/pkg/workforce"
)

var (
	bucketEvents  = []byte("events")
	bucketChannel = []byte("channel")
	bucketRunMeta = []byte("run_meta")
)

// Store persists events and channel messages keyed by their
// sequence number, so a reader can cursor.Seek directly to a
// resumption point.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
}

// Open creates (or reopens) a BoltDB-backed store at dbPath.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketChannel, bucketRunMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("workforce_eventstore_write_ms")
	readLatency, _ := meter.Float64Histogram("workforce_eventstore_read_ms")

	return &Store{db: db, writeLatency: writeLatency, readLatency: readLatency}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AppendEvents mirrors newly drained events into the events bucket.
func (s *Store) AppendEvents(ctx context.Context, events []workforce.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		if s.writeLatency != nil {
			s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "append_events")))
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
			}
			if err := bucket.Put(seqKey(ev.Sequence), data); err != nil {
				return fmt.Errorf("put event %d: %w", ev.Sequence, err)
			}
		}
		return nil
	})
}

// AppendChannelMessages mirrors newly drained channel messages.
func (s *Store) AppendChannelMessages(ctx context.Context, msgs []workforce.ChannelMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChannel)
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal channel message %d: %w", m.Sequence, err)
			}
			if err := bucket.Put(seqKey(m.Sequence), data); err != nil {
				return fmt.Errorf("put channel message %d: %w", m.Sequence, err)
			}
		}
		return nil
	})
}

// LastEventSequence returns the sequence of the last event persisted,
// 0 if none, so a restarted dispatcher can resume draining from the
// engine without replaying what it already wrote.
func (s *Store) LastEventSequence(ctx context.Context) (uint64, error) {
	return s.lastSequence(ctx, bucketEvents)
}

// LastChannelSequence is the channel-bucket analogue of
// LastEventSequence.
func (s *Store) LastChannelSequence(ctx context.Context) (uint64, error) {
	return s.lastSequence(ctx, bucketChannel)
}

func (s *Store) lastSequence(ctx context.Context, bucketName []byte) (uint64, error) {
	start := time.Now()
	defer func() {
		if s.readLatency != nil {
			s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	var last uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketName).Cursor()
		k, _ := cursor.Last()
		if k == nil {
			return nil
		}
		last = binary.BigEndian.Uint64(k)
		return nil
	})
	return last, err
}

// ListEventsAfter scans events with sequence > after, up to limit (0
// means unbounded), seeking straight to the resumption key.
func (s *Store) ListEventsAfter(after uint64, limit int) ([]workforce.Event, error) {
	out := make([]workforce.Event, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		seek := seqKey(after + 1)
		for k, v := cursor.Seek(seek); k != nil; k, v = cursor.Next() {
			var ev workforce.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// SetRunMeta records the run id and the last event and channel
// cursors observed, so an
// operator inspecting the on-disk store can see what run produced it
// without replaying the whole event log.
func (s *Store) SetRunMeta(runID string, eventCursor, channelCursor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRunMeta)
		if err := bucket.Put([]byte("run_id"), []byte(runID)); err != nil {
			return err
		}
		if err := bucket.Put([]byte("event_cursor"), seqKey(eventCursor)); err != nil {
			return err
		}
		return bucket.Put([]byte("channel_cursor"), seqKey(channelCursor))
	})
}

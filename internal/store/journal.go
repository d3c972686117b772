// Package store persists the durable event fan-out in BoltDB. The journal is
// the bus's non-lossy subscriber: every published event is appended
// synchronously, surviving dashboard disconnects and slow consumers.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sre-sentinel/sentinel/internal/events"
)

var (
	bucketEvents = []byte("events")
	bucketMeta   = []byte("meta")
)

// Journal is a BoltDB-backed append-only event log.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketMeta} {
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

	return &Journal{db: db}, nil
}

// Close closes the underlying BoltDB.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes an event to the journal. Keys are the bucket's
// monotonically increasing sequence, so iteration order is publish order.
func (j *Journal) Append(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

// List returns the most recent events, up to limit, newest first.
func (j *Journal) List(limit int) ([]events.Event, error) {
	var out []events.Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var evt events.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				continue // skip corrupt entries
			}
			out = append(out, evt)
		}
		return nil
	})
	return out, err
}

// Prune deletes journal entries older than the retention window and returns
// the number removed.
func (j *Journal) Prune(retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var evt events.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				// Corrupt entry: remove it along with the expired ones.
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
				continue
			}
			if evt.Timestamp.After(cutoff) {
				// Keys are append-ordered; everything after this is newer.
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

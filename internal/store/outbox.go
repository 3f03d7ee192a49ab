// Package store persists the two pieces of orchestration state that
// must survive a process restart: audit events awaiting delivery to
// the fog or an on-prem MQTT broker, and per-package install backoff
// counters. Both are small, append/increment workloads well suited to
// an embedded bbolt database rather than the full RDBMS the fog itself
// uses.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nano-agent/orchestrator/internal/audit"
)

var (
	bucketOutbox  = []byte("audit_outbox")
	bucketBackoff = []byte("backoff_counters")
)

// Outbox is a durable queue of audit events plus per-package backoff
// counters, both keyed so they survive an orchestrator restart.
type Outbox struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures its
// buckets exist.
func Open(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOutbox, bucketBackoff} {
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
	return &Outbox{db: db}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// QueuedEvent pairs a durably stored audit event with the opaque key
// Ack needs to remove it.
type QueuedEvent struct {
	Key   string
	Event audit.Event
}

// Enqueue durably stores evt so it is not lost if the process dies
// before a notifier accepts it.
func (o *Outbox) Enqueue(evt audit.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put([]byte(key), data)
	})
}

// Pending returns all events not yet acknowledged, oldest first.
func (o *Outbox) Pending() ([]QueuedEvent, error) {
	var out []QueuedEvent
	err := o.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		return b.ForEach(func(k, v []byte) error {
			var evt audit.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return nil // skip malformed entries rather than fail the whole scan
			}
			out = append(out, QueuedEvent{Key: string(k), Event: evt})
			return nil
		})
	})
	return out, err
}

// Ack removes a delivered event from the outbox.
func (o *Outbox) Ack(key string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete([]byte(key))
	})
}

// IncrementBackoff increments and persists the consecutive-failure
// counter for packageName, returning the new count.
func (o *Outbox) IncrementBackoff(packageName string) (int, error) {
	var count int
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackoff)
		count = 1
		if v := b.Get([]byte(packageName)); v != nil {
			if n, err := strconv.Atoi(string(v)); err == nil {
				count = n + 1
			}
		}
		return b.Put([]byte(packageName), []byte(strconv.Itoa(count)))
	})
	return count, err
}

// ResetBackoff clears the counter for packageName, e.g. after a
// successful install.
func (o *Outbox) ResetBackoff(packageName string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackoff).Delete([]byte(packageName))
	})
}

// BackoffCount returns the current consecutive-failure count for
// packageName, 0 if none is recorded.
func (o *Outbox) BackoffCount(packageName string) (int, error) {
	var count int
	err := o.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBackoff).Get([]byte(packageName))
		if v == nil {
			return nil
		}
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return nil
		}
		count = n
		return nil
	})
	return count, err
}
